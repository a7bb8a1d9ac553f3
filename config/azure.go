package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// ErrSecretNotFound is returned by SecretSource implementations for a
// secret that does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// SecretSource reads named secrets. KeyVaultClient implements it.
type SecretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// KeyVaultClient reads secrets from Azure Key Vault.
type KeyVaultClient struct {
	client *azsecrets.Client
}

// NewKeyVaultClient creates a Key Vault client using DefaultAzureCredential.
func NewKeyVaultClient(vaultName string) (*KeyVaultClient, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(fmt.Sprintf("https://%s.vault.azure.net/", vaultName), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return &KeyVaultClient{client: client}, nil
}

// GetSecret retrieves the latest version of a secret.
func (kv *KeyVaultClient) GetSecret(ctx context.Context, name string) (string, error) {
	resp, err := kv.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
		}
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	return *resp.Value, nil
}

func (c *Config) loadFromKeyVault(ctx context.Context) error {
	kv, err := NewKeyVaultClient(c.KeyVaultName)
	if err != nil {
		return err
	}
	return c.applySecrets(ctx, kv)
}

// applySecrets copies the vault's secrets into c. Missing secrets leave the
// field empty, so the matching integration stays disabled; any other
// failure aborts startup.
func (c *Config) applySecrets(ctx context.Context, src SecretSource) error {
	secrets := map[string]*string{
		"appinsights-key":       &c.AppInsightsKey,
		"cosmosdb-endpoint":     &c.CosmosDBEndpoint,
		"cosmosdb-key":          &c.CosmosDBKey,
		"servicebus-namespace":  &c.ServiceBusNS,
		"eventhubs-namespace":   &c.EventHubsNS,
		"redis-host":            &c.RedisHost,
		"redis-password":        &c.RedisPassword,
		"sql-connection-string": &c.SQLConnectionString,
		"google-maps-api-key":   &c.GoogleMapsAPIKey,
		"jwt-secret":            &c.JWTSecret,
	}

	for name, ptr := range secrets {
		value, err := src.GetSecret(ctx, name)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*ptr = value
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("secret jwt-secret is required")
	}
	return nil
}
