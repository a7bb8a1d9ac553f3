// Package config loads tripwatch configuration from the environment, with
// secrets read from Azure Key Vault outside development.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cobrun/tripwatch/validation"
)

// Config holds process configuration.
type Config struct {
	ServiceName string `validate:"required"`
	Environment string `validate:"oneof=development staging production"`
	Version     string

	// Health/ops HTTP server
	Port         int `validate:"gt=0"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	LogLevel string

	// Azure
	KeyVaultName     string
	AppInsightsKey   string
	CosmosDBEndpoint string
	CosmosDBKey      string
	CosmosDBDatabase string

	ServiceBusNS      string
	NotificationQueue string

	EventHubsNS         string
	TripEventsHub       string
	ConsumerGroup       string
	CheckpointStoreURL  string
	CheckpointContainer string

	RedisHost     string
	RedisPassword string

	SQLConnectionString string

	// External services
	GoogleMapsAPIKey       string
	NotificationServiceURL string

	// Service-to-service tokens
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	OTLPEndpoint string

	Monitor MonitorConfig
}

// MonitorConfig holds intervals and thresholds of the monitoring engine.
type MonitorConfig struct {
	DiscoveryInterval     time.Duration `validate:"gt=0"`
	AlertInterval         time.Duration `validate:"gt=0"`
	TrackingInitInterval  time.Duration `validate:"gt=0"`
	CompletionInterval    time.Duration `validate:"gt=0"`
	CleanupInterval       time.Duration `validate:"gt=0"`
	FollowUpGap           time.Duration `validate:"gt=0"`
	LatenessTolerance     time.Duration `validate:"gt=0"`
	LatenessCooldown      time.Duration `validate:"gt=0"`
	StoppedThreshold      time.Duration `validate:"gt=0"`
	StoppedCooldown       time.Duration `validate:"gt=0"`
	StoppedRadiusMeters   float64       `validate:"gt=0"`
	StaleGPSAfter         time.Duration `validate:"gt=0"`
	ReminderLead          time.Duration `validate:"gt=0"`
	LateStartGrace        time.Duration `validate:"gt=0"`
	MinMonitoringLead     time.Duration `validate:"gt=0"`
	DefaultTravelMinutes  int           `validate:"gt=0"`
	BufferMinutesOverride int           `validate:"gte=0"`
	Retention             time.Duration `validate:"gt=0"`
	ProviderTimeout       time.Duration `validate:"gt=0"`
	LocationHistoryLimit  int           `validate:"gt=0"`
	DefaultDepotLat       float64       `validate:"latitude"`
	DefaultDepotLng       float64       `validate:"longitude"`
	EscalationRole        string        `validate:"recipient_role"`
	DispatchRole          string        `validate:"recipient_role"`
}

// Load loads configuration from environment variables.
// Outside development, secrets are loaded from Azure Key Vault.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		ServiceName:  serviceName,
		Environment:  getEnv("ENVIRONMENT", "development"),
		Version:      getEnv("VERSION", "0.0.1"),
		Port:         getEnvInt("PORT", 8080),
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		KeyVaultName: getEnv("KEY_VAULT_NAME", ""),
		Monitor:      loadMonitorConfig(),
	}

	if cfg.KeyVaultName != "" && !cfg.IsDevelopment() {
		if err := cfg.loadFromKeyVault(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load secrets from Key Vault: %w", err)
		}
	} else {
		cfg.loadFromEnv()
	}
	cfg.loadNonSecrets()

	if err := validation.Check(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultMonitorConfig returns the stock intervals and thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		DiscoveryInterval:    time.Minute,
		AlertInterval:        time.Minute,
		TrackingInitInterval: 5 * time.Minute,
		CompletionInterval:   5 * time.Minute,
		CleanupInterval:      24 * time.Hour,
		FollowUpGap:          15 * time.Minute,
		LatenessTolerance:    5 * time.Minute,
		LatenessCooldown:     5 * time.Minute,
		StoppedThreshold:     5 * time.Minute,
		StoppedCooldown:      10 * time.Minute,
		StoppedRadiusMeters:  50,
		StaleGPSAfter:        10 * time.Minute,
		ReminderLead:         5 * time.Minute,
		LateStartGrace:       5 * time.Minute,
		MinMonitoringLead:    10 * time.Minute,
		DefaultTravelMinutes: 15,
		Retention:            7 * 24 * time.Hour,
		ProviderTimeout:      5 * time.Second,
		LocationHistoryLimit: 100,
		EscalationRole:       "supervisor",
		DispatchRole:         "dispatch",
	}
}

func loadMonitorConfig() MonitorConfig {
	d := DefaultMonitorConfig()
	return MonitorConfig{
		DiscoveryInterval:     getEnvDuration("MONITOR_DISCOVERY_INTERVAL", d.DiscoveryInterval),
		AlertInterval:         getEnvDuration("MONITOR_ALERT_INTERVAL", d.AlertInterval),
		TrackingInitInterval:  getEnvDuration("MONITOR_TRACKING_INIT_INTERVAL", d.TrackingInitInterval),
		CompletionInterval:    getEnvDuration("MONITOR_COMPLETION_INTERVAL", d.CompletionInterval),
		CleanupInterval:       getEnvDuration("MONITOR_CLEANUP_INTERVAL", d.CleanupInterval),
		FollowUpGap:           getEnvDuration("MONITOR_FOLLOW_UP_GAP", d.FollowUpGap),
		LatenessTolerance:     getEnvDuration("MONITOR_LATENESS_TOLERANCE", d.LatenessTolerance),
		LatenessCooldown:      getEnvDuration("MONITOR_LATENESS_COOLDOWN", d.LatenessCooldown),
		StoppedThreshold:      getEnvDuration("MONITOR_STOPPED_THRESHOLD", d.StoppedThreshold),
		StoppedCooldown:       getEnvDuration("MONITOR_STOPPED_COOLDOWN", d.StoppedCooldown),
		StoppedRadiusMeters:   getEnvFloat("MONITOR_STOPPED_RADIUS_METERS", d.StoppedRadiusMeters),
		StaleGPSAfter:         getEnvDuration("MONITOR_STALE_GPS_AFTER", d.StaleGPSAfter),
		ReminderLead:          getEnvDuration("MONITOR_REMINDER_LEAD", d.ReminderLead),
		LateStartGrace:        getEnvDuration("MONITOR_LATE_START_GRACE", d.LateStartGrace),
		MinMonitoringLead:     getEnvDuration("MONITOR_MIN_LEAD", d.MinMonitoringLead),
		DefaultTravelMinutes:  getEnvInt("MONITOR_DEFAULT_TRAVEL_MINUTES", d.DefaultTravelMinutes),
		BufferMinutesOverride: getEnvInt("MONITOR_BUFFER_MINUTES", 0),
		Retention:             getEnvDuration("MONITOR_RETENTION", d.Retention),
		ProviderTimeout:       getEnvDuration("ETA_PROVIDER_TIMEOUT", d.ProviderTimeout),
		LocationHistoryLimit:  getEnvInt("MONITOR_LOCATION_HISTORY_LIMIT", d.LocationHistoryLimit),
		DefaultDepotLat:       getEnvFloat("DEFAULT_DEPOT_LAT", 0),
		DefaultDepotLng:       getEnvFloat("DEFAULT_DEPOT_LNG", 0),
		EscalationRole:        getEnv("MONITOR_ESCALATION_ROLE", d.EscalationRole),
		DispatchRole:          getEnv("MONITOR_DISPATCH_ROLE", d.DispatchRole),
	}
}

func (c *Config) loadFromEnv() {
	c.AppInsightsKey = getEnv("APPINSIGHTS_INSTRUMENTATIONKEY", "")
	c.CosmosDBEndpoint = getEnvWithFallback("COSMOSDB_ENDPOINT", "COSMOS_DB_ENDPOINT", "")
	c.CosmosDBKey = getEnvWithFallback("COSMOSDB_KEY", "COSMOS_DB_KEY", "")
	c.ServiceBusNS = getEnv("SERVICEBUS_NAMESPACE", "")
	c.EventHubsNS = getEnv("EVENTHUBS_NAMESPACE", "")
	c.RedisHost = getEnv("REDIS_HOST", "")
	c.RedisPassword = getEnv("REDIS_PASSWORD", "")
	c.SQLConnectionString = getEnv("SQL_CONNECTION_STRING", "")
	c.GoogleMapsAPIKey = getEnv("GOOGLE_MAPS_API_KEY", "")

	if c.IsDevelopment() {
		c.JWTSecret = getEnv("JWT_SECRET", "development-only-secret-do-not-use-in-prod")
	} else {
		c.JWTSecret = requireEnv("JWT_SECRET")
	}
}

func (c *Config) loadNonSecrets() {
	c.CosmosDBDatabase = getEnvWithFallback("COSMOSDB_DATABASE", "COSMOS_DB_DATABASE", "tripwatch")
	c.NotificationQueue = getEnv("NOTIFICATION_QUEUE", "notification-requests")
	c.TripEventsHub = getEnv("TRIP_EVENTS_HUB", "trip-events")
	c.ConsumerGroup = getEnv("EVENTHUBS_CONSUMER_GROUP", "tripwatch")
	c.CheckpointStoreURL = getEnv("CHECKPOINT_STORE_URL", "")
	c.CheckpointContainer = getEnv("CHECKPOINT_CONTAINER", "tripwatch-checkpoints")
	c.NotificationServiceURL = getEnv("NOTIFICATION_SERVICE_URL", "")
	c.JWTIssuer = getEnv("JWT_ISSUER", "cobrun")
	c.JWTAudience = getEnv("JWT_AUDIENCE", "cobrun-internal")
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvWithFallback(primary, fallback, defaultValue string) string {
	if value := os.Getenv(primary); value != "" {
		return value
	}
	if value := os.Getenv(fallback); value != "" {
		return value
	}
	return defaultValue
}

// requireEnv panics when a security-critical variable is unset.
func requireEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	return getEnv(key, defaultValue)
}

// GetEnvBool gets an environment variable as a boolean with a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	return getEnvBool(key, defaultValue)
}
