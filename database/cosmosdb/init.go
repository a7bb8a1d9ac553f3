// Package cosmosdb provisions the tripwatch Cosmos DB database and holds the
// document shapes of the trip platform containers it reads.
package cosmosdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/cobrun/tripwatch/logging"
)

// Container names.
const (
	UnassignedAlertsContainer    = "unassigned_alerts"
	ProgressTrackingContainer    = "progress_tracking"
	DepartureMonitoringContainer = "departure_monitoring"

	// Owned by the trip platform; read only.
	TripsContainer           = "trips"
	DriverLocationsContainer = "driver_locations"
)

// ContainerConfig defines configuration for a Cosmos DB container.
type ContainerConfig struct {
	Name             string
	PartitionKeyPath string
	IndexingPolicy   *azcosmos.IndexingPolicy
	TTLSeconds       int32
}

// DatabaseConfig holds the database configuration.
type DatabaseConfig struct {
	DatabaseName string
	Throughput   int32
	Containers   []ContainerConfig
}

// DefaultDatabaseConfig returns the containers the monitoring records live in.
// Closed records are purged by the cleanup tasks, so no TTL is set.
func DefaultDatabaseConfig(databaseName string) *DatabaseConfig {
	if databaseName == "" {
		databaseName = "tripwatch"
	}
	return &DatabaseConfig{
		DatabaseName: databaseName,
		Throughput:   400,
		Containers: []ContainerConfig{
			{
				Name:             UnassignedAlertsContainer,
				PartitionKeyPath: "/trip_id",
				IndexingPolicy:   recordIndexingPolicy("/threshold_at/?"),
			},
			{
				Name:             ProgressTrackingContainer,
				PartitionKeyPath: "/trip_id",
				IndexingPolicy:   recordIndexingPolicy("/driver_id/?"),
			},
			{
				Name:             DepartureMonitoringContainer,
				PartitionKeyPath: "/trip_id",
				IndexingPolicy:   recordIndexingPolicy("/recommended_departure_at/?"),
			},
		},
	}
}

// recordIndexingPolicy indexes the fields the stores filter on. Location
// history and notification ids are never queried.
func recordIndexingPolicy(extra ...string) *azcosmos.IndexingPolicy {
	included := []azcosmos.IncludedPath{
		{Path: "/trip_id/?"},
		{Path: "/status/?"},
		{Path: "/updated_at/?"},
		{Path: "/created_at/?"},
	}
	for _, p := range extra {
		included = append(included, azcosmos.IncludedPath{Path: p})
	}

	return &azcosmos.IndexingPolicy{
		IndexingMode:  azcosmos.IndexingModeConsistent,
		Automatic:     true,
		IncludedPaths: included,
		ExcludedPaths: []azcosmos.ExcludedPath{
			{Path: "/*"},
			{Path: "/_etag/?"},
		},
	}
}

// Initializer handles Cosmos DB initialization.
type Initializer struct {
	client *azcosmos.Client
	config *DatabaseConfig
	logger *logging.Logger
}

// NewInitializer creates a new Cosmos DB initializer.
func NewInitializer(client *azcosmos.Client, config *DatabaseConfig, logger *logging.Logger) *Initializer {
	if config == nil {
		config = DefaultDatabaseConfig("")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Initializer{
		client: client,
		config: config,
		logger: logger.WithComponent("cosmosdb"),
	}
}

// Initialize creates the database and all containers if they don't exist.
func (i *Initializer) Initialize(ctx context.Context) error {
	if err := i.createDatabase(ctx); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}

	for _, container := range i.config.Containers {
		if err := i.createContainer(ctx, container); err != nil {
			return fmt.Errorf("failed to create container %s: %w", container.Name, err)
		}
	}

	i.logger.Info("cosmos db initialized", "database", i.config.DatabaseName, "containers", len(i.config.Containers))
	return nil
}

func (i *Initializer) createDatabase(ctx context.Context) error {
	props := azcosmos.DatabaseProperties{ID: i.config.DatabaseName}

	var opts *azcosmos.CreateDatabaseOptions
	if i.config.Throughput > 0 {
		throughput := azcosmos.NewManualThroughputProperties(i.config.Throughput)
		opts = &azcosmos.CreateDatabaseOptions{ThroughputProperties: &throughput}
	}

	if _, err := i.client.CreateDatabase(ctx, props, opts); err != nil {
		if isConflictError(err) {
			i.logger.Debug("database already exists", "database", i.config.DatabaseName)
			return nil
		}
		return err
	}

	i.logger.Info("created database", "database", i.config.DatabaseName)
	return nil
}

func (i *Initializer) createContainer(ctx context.Context, config ContainerConfig) error {
	database, err := i.client.NewDatabase(i.config.DatabaseName)
	if err != nil {
		return err
	}

	if _, err := database.CreateContainer(ctx, containerProperties(config), nil); err != nil {
		if isConflictError(err) {
			i.logger.Debug("container already exists", "container", config.Name)
			return nil
		}
		return err
	}

	i.logger.Info("created container", "container", config.Name, "partition_key", config.PartitionKeyPath)
	return nil
}

func containerProperties(config ContainerConfig) azcosmos.ContainerProperties {
	props := azcosmos.ContainerProperties{
		ID: config.Name,
		PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{
			Paths: []string{config.PartitionKeyPath},
		},
		IndexingPolicy: config.IndexingPolicy,
	}
	if config.TTLSeconds > 0 {
		props.DefaultTimeToLive = to(config.TTLSeconds)
	}
	return props
}

func isConflictError(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict
}

func to[T any](v T) *T {
	return &v
}
