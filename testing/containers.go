// Package testing starts the backing services integration tests run
// against and holds small request helpers for handler tests.
package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	sqlServerPassword = "Tripwatch!Passw0rd"

	// Well-known Azurite development account.
	azuriteAccount = "devstoreaccount1"
	azuriteKey     = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
)

// RedisContainer backs the route cache and rate limiter tests.
type RedisContainer struct {
	*redis.RedisContainer
	ConnectionString string
}

// StartRedisContainer starts Redis 7.
func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, err := redis.Run(ctx, "redis:7-alpine", redis.WithLogLevel(redis.LogLevelNotice))
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Redis connection string: %w", err)
	}
	return &RedisContainer{RedisContainer: container, ConnectionString: connStr}, nil
}

// SQLServerContainer holds the depot database.
type SQLServerContainer struct {
	testcontainers.Container
	ConnectionString string
}

// StartSQLServerContainer starts SQL Server 2022 (Developer edition).
func StartSQLServerContainer(ctx context.Context) (*SQLServerContainer, error) {
	container, addr, err := startGeneric(ctx, "SQL Server", "1433", testcontainers.ContainerRequest{
		Image: "mcr.microsoft.com/mssql/server:2022-latest",
		Env: map[string]string{
			"ACCEPT_EULA":       "Y",
			"MSSQL_SA_PASSWORD": sqlServerPassword,
			"MSSQL_PID":         "Developer",
		},
		WaitingFor: wait.ForLog("SQL Server is now ready for client connections").
			WithStartupTimeout(2 * time.Minute),
	})
	if err != nil {
		return nil, err
	}

	return &SQLServerContainer{
		Container:        container,
		ConnectionString: fmt.Sprintf("sqlserver://sa:%s@%s?database=master&encrypt=disable", sqlServerPassword, addr),
	}, nil
}

// AzuriteContainer emulates Blob Storage, which holds the Event Hubs
// checkpoints.
type AzuriteContainer struct {
	testcontainers.Container
	BlobEndpoint     string
	ConnectionString string
}

// StartAzuriteContainer starts a blob-only Azurite.
func StartAzuriteContainer(ctx context.Context) (*AzuriteContainer, error) {
	container, addr, err := startGeneric(ctx, "Azurite", "10000", testcontainers.ContainerRequest{
		Image:      "mcr.microsoft.com/azure-storage/azurite:latest",
		Cmd:        []string{"azurite-blob", "--blobHost", "0.0.0.0", "--skipApiVersionCheck"},
		WaitingFor: wait.ForListeningPort("10000/tcp").WithStartupTimeout(time.Minute),
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("http://%s/%s", addr, azuriteAccount)
	return &AzuriteContainer{
		Container:    container,
		BlobEndpoint: endpoint,
		ConnectionString: fmt.Sprintf("DefaultEndpointsProtocol=http;AccountName=%s;AccountKey=%s;BlobEndpoint=%s;",
			azuriteAccount, azuriteKey, endpoint),
	}, nil
}

// startGeneric starts req with port exposed and returns the mapped host:port.
func startGeneric(ctx context.Context, name, port string, req testcontainers.ContainerRequest) (testcontainers.Container, string, error) {
	req.ExposedPorts = []string{port + "/tcp"}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start %s container: %w", name, err)
	}

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to resolve %s endpoint: %w", name, err)
	}
	return container, addr, nil
}

// ContainerCleanup is anything CleanupContainer can stop.
type ContainerCleanup interface {
	Terminate(ctx context.Context) error
}

// CleanupContainer returns a function for t.Cleanup that stops c.
func CleanupContainer(ctx context.Context, c ContainerCleanup) func() {
	return func() {
		if err := c.Terminate(ctx); err != nil {
			fmt.Printf("failed to terminate container: %v\n", err)
		}
	}
}
