// Package database provides connection helpers for the backing stores:
// Cosmos DB for monitoring records and trips, SQL Server for depots and
// Redis for the routing cache.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	apperrors "github.com/cobrun/tripwatch/errors"
)

// CosmosConfig holds Cosmos DB configuration.
type CosmosConfig struct {
	Endpoint     string
	DatabaseName string
	// Key is optional - if empty, uses managed identity
	Key string
}

// CosmosClient wraps the Azure Cosmos DB client.
type CosmosClient struct {
	client   *azcosmos.Client
	database *azcosmos.DatabaseClient
	config   CosmosConfig
}

// NewCosmosClient creates a new Cosmos DB client.
func NewCosmosClient(ctx context.Context, config CosmosConfig) (*CosmosClient, error) {
	var client *azcosmos.Client
	var err error

	if config.Key != "" {
		cred, err := azcosmos.NewKeyCredential(config.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to create key credential: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(config.Endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cosmos client with key: %w", err)
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default credential: %w", err)
		}
		client, err = azcosmos.NewClient(config.Endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cosmos client: %w", err)
		}
	}

	database, err := client.NewDatabase(config.DatabaseName)
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	return &CosmosClient{
		client:   client,
		database: database,
		config:   config,
	}, nil
}

// Client returns the underlying SDK client.
func (c *CosmosClient) Client() *azcosmos.Client {
	return c.client
}

// Container returns a container client.
func (c *CosmosClient) Container(name string) (*CosmosContainer, error) {
	container, err := c.database.NewContainer(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get container %s: %w", name, err)
	}
	return &CosmosContainer{name: name, container: container}, nil
}

// Ping checks if the connection is healthy.
func (c *CosmosClient) Ping(ctx context.Context) error {
	if _, err := c.database.Read(ctx, nil); err != nil {
		return fmt.Errorf("cosmos health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK holds no connections that need releasing.
func (c *CosmosClient) Close() error {
	return nil
}

// CosmosContainer wraps a Cosmos DB container. Every write returns the new
// document etag so callers can make the next write conditional on it.
type CosmosContainer struct {
	name      string
	container *azcosmos.ContainerClient
}

// Name returns the container name.
func (c *CosmosContainer) Name() string {
	return c.name
}

// Create creates a new item. An existing id yields a CONFLICT error.
func (c *CosmosContainer) Create(ctx context.Context, partitionKey string, item any) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to marshal item: %w", err)
	}

	resp, err := c.container.CreateItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), data, nil)
	if err != nil {
		return "", c.translate(err, "create")
	}
	return string(resp.ETag), nil
}

// Read reads an item into result and returns its etag. Throttled and
// unavailable responses are retried.
func (c *CosmosContainer) Read(ctx context.Context, partitionKey, id string, result any) (string, error) {
	resp, err := RetryWithResult(ctx, cosmosRetryConfig(), func() (azcosmos.ItemResponse, error) {
		resp, err := c.container.ReadItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, nil)
		if err != nil {
			return resp, c.translate(err, "read")
		}
		return resp, nil
	})
	if err != nil {
		return "", err
	}

	if err := json.Unmarshal(resp.Value, result); err != nil {
		return "", fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return string(resp.ETag), nil
}

// Replace replaces an item. A non-empty etag makes the write conditional;
// a mismatch yields a CONFLICT error.
func (c *CosmosContainer) Replace(ctx context.Context, partitionKey, id string, item any, etag string) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to marshal item: %w", err)
	}

	var opts *azcosmos.ItemOptions
	if etag != "" {
		match := azcore.ETag(etag)
		opts = &azcosmos.ItemOptions{IfMatchEtag: &match}
	}

	resp, err := c.container.ReplaceItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, data, opts)
	if err != nil {
		return "", c.translate(err, "replace")
	}
	return string(resp.ETag), nil
}

// Delete deletes an item. Deleting a missing item succeeds.
func (c *CosmosContainer) Delete(ctx context.Context, partitionKey, id string) error {
	_, err := c.container.DeleteItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, nil)
	if err != nil {
		err = c.translate(err, "delete")
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// Query runs a parameterized query. An empty partitionKey queries across
// partitions. Results are decoded into results, which must point to a slice.
// A throttled page restarts the query from the first page.
func (c *CosmosContainer) Query(ctx context.Context, partitionKey, query string, params []QueryParam, results any) error {
	queryOptions := &azcosmos.QueryOptions{}
	for _, p := range params {
		queryOptions.QueryParameters = append(queryOptions.QueryParameters, azcosmos.QueryParameter{
			Name:  p.Name,
			Value: p.Value,
		})
	}

	pk := azcosmos.PartitionKey{}
	if partitionKey != "" {
		pk = azcosmos.NewPartitionKeyString(partitionKey)
	}

	items, err := RetryWithResult(ctx, cosmosRetryConfig(), func() ([]json.RawMessage, error) {
		var items []json.RawMessage
		pager := c.container.NewQueryItemsPager(query, pk, queryOptions)
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return nil, c.translate(err, "query")
			}
			for _, item := range resp.Items {
				items = append(items, item)
			}
		}
		return items, nil
	})
	if err != nil {
		return err
	}

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}
	if err := json.Unmarshal(data, results); err != nil {
		return fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return nil
}

func (c *CosmosContainer) translate(err error, op string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return apperrors.Wrap(err, apperrors.CodeNotFound, fmt.Sprintf("%s: item not found", c.name))
		case http.StatusConflict, http.StatusPreconditionFailed:
			return apperrors.Wrap(err, apperrors.CodeConflict, fmt.Sprintf("%s: %s conflict", c.name, op))
		case http.StatusTooManyRequests:
			return apperrors.Wrap(err, apperrors.CodeRateLimited, fmt.Sprintf("%s: request rate too large", c.name))
		case http.StatusServiceUnavailable, http.StatusRequestTimeout:
			return apperrors.Wrap(err, apperrors.CodeUnavailable, fmt.Sprintf("%s: %s unavailable", c.name, op))
		}
	}
	return fmt.Errorf("failed to %s item in %s: %w", op, c.name, err)
}

// QueryParam represents a query parameter.
type QueryParam struct {
	Name  string
	Value any
}
