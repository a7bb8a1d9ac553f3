package database

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/cobrun/tripwatch/config"
	"github.com/cobrun/tripwatch/database/cosmosdb"
	"github.com/cobrun/tripwatch/logging"
)

// Connections holds every backing store connection. Any of them may be nil
// when not configured.
type Connections struct {
	SQL    *SQLClient
	Cosmos *CosmosClient
	Redis  *RedisClient
	Config *ConnectionConfig

	logger *logging.Logger
}

// ConnectionConfig holds all database configuration.
type ConnectionConfig struct {
	SQLConnString string
	SQLUseMSI     bool

	CosmosEndpoint string
	CosmosKey      string
	CosmosDatabase string

	RedisHost     string
	RedisPassword string
	RedisTLS      bool

	MaxRetries  int
	RetryDelay  time.Duration
	ConnTimeout time.Duration
}

// ConnectionConfigFromConfig creates a ConnectionConfig from a config.Config.
func ConnectionConfigFromConfig(cfg *config.Config) *ConnectionConfig {
	return &ConnectionConfig{
		SQLConnString:  cfg.SQLConnectionString,
		SQLUseMSI:      cfg.IsProduction(),
		CosmosEndpoint: cfg.CosmosDBEndpoint,
		CosmosKey:      cfg.CosmosDBKey,
		CosmosDatabase: cfg.CosmosDBDatabase,
		RedisHost:      cfg.RedisHost,
		RedisPassword:  cfg.RedisPassword,
		RedisTLS:       !cfg.IsDevelopment(),
		MaxRetries:     getEnvInt("DB_MAX_RETRIES", 5),
		RetryDelay:     time.Duration(getEnvInt("DB_RETRY_DELAY_MS", 1000)) * time.Millisecond,
		ConnTimeout:    time.Duration(getEnvInt("DB_CONN_TIMEOUT_SEC", 30)) * time.Second,
	}
}

// NewConnections connects to every configured store, retrying each
// connection attempt.
func NewConnections(ctx context.Context, cc *ConnectionConfig, logger *logging.Logger) (*Connections, error) {
	if cc == nil {
		cc = &ConnectionConfig{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	conns := &Connections{Config: cc, logger: logger.WithComponent("database")}

	var err error

	if cc.SQLConnString != "" {
		sqlConfig := DefaultSQLConfig()
		sqlConfig.ConnectionString = cc.SQLConnString
		sqlConfig.UseMSI = cc.SQLUseMSI
		conns.SQL, err = connect(ctx, conns, "sql", func(ctx context.Context) (*SQLClient, error) {
			return NewSQLClient(ctx, sqlConfig)
		})
		if err != nil {
			return nil, err
		}
	}

	if cc.CosmosEndpoint != "" {
		cosmosConfig := CosmosConfig{
			Endpoint:     cc.CosmosEndpoint,
			Key:          cc.CosmosKey,
			DatabaseName: cc.CosmosDatabase,
		}
		conns.Cosmos, err = connect(ctx, conns, "cosmos", func(ctx context.Context) (*CosmosClient, error) {
			return NewCosmosClient(ctx, cosmosConfig)
		})
		if err != nil {
			conns.Close()
			return nil, err
		}
	}

	if cc.RedisHost != "" {
		redisConfig := DefaultRedisConfig()
		redisConfig.Host = cc.RedisHost
		redisConfig.Password = cc.RedisPassword
		redisConfig.TLSEnabled = cc.RedisTLS
		conns.Redis, err = connect(ctx, conns, "redis", func(ctx context.Context) (*RedisClient, error) {
			return NewRedisClient(ctx, redisConfig)
		})
		if err != nil {
			conns.Close()
			return nil, err
		}
	}

	return conns, nil
}

func connect[T any](ctx context.Context, c *Connections, name string, dial func(context.Context) (T, error)) (T, error) {
	var (
		client T
		err    error
	)
	for i := 0; i <= c.Config.MaxRetries; i++ {
		attemptCtx := ctx
		var cancel context.CancelFunc = func() {}
		if c.Config.ConnTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.Config.ConnTimeout)
		}
		client, err = dial(attemptCtx)
		cancel()
		if err == nil {
			c.logger.Info("connected", "store", name)
			return client, nil
		}
		if i == c.Config.MaxRetries {
			break
		}
		c.logger.Warn("connection attempt failed", "store", name, "attempt", i+1, "retry_in", c.Config.RetryDelay, "error", err)
		select {
		case <-ctx.Done():
			return client, ctx.Err()
		case <-time.After(c.Config.RetryDelay):
		}
	}
	return client, fmt.Errorf("failed to connect to %s after %d attempts: %w", name, c.Config.MaxRetries+1, err)
}

// InitializeAll provisions the Cosmos containers and applies the SQL
// migrations found in dir of migrations, when those stores are configured.
func (c *Connections) InitializeAll(ctx context.Context, migrations fs.FS, dir string) error {
	if c.Cosmos != nil {
		initializer := cosmosdb.NewInitializer(c.Cosmos.Client(), cosmosdb.DefaultDatabaseConfig(c.Config.CosmosDatabase), c.logger)
		if err := initializer.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize Cosmos DB: %w", err)
		}
	}

	if c.SQL != nil && migrations != nil {
		applied, err := c.RunMigrations(ctx, migrations, dir)
		if err != nil {
			return err
		}
		c.logger.Info("sql migrations applied", "count", applied)
	}

	return nil
}

// RunMigrations applies pending SQL migrations.
func (c *Connections) RunMigrations(ctx context.Context, migrations fs.FS, dir string) (int, error) {
	if c.SQL == nil {
		return 0, fmt.Errorf("SQL client not initialized")
	}

	migrator := NewMigrator(c.SQL)
	if err := migrator.LoadFromFS(migrations, dir); err != nil {
		return 0, err
	}
	return migrator.Up(ctx)
}

// Close closes all database connections.
func (c *Connections) Close() {
	if c.SQL != nil {
		if err := c.SQL.Close(); err != nil {
			c.logger.Error("error closing SQL connection", "error", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.logger.Error("error closing Redis connection", "error", err)
		}
	}
}

// HealthCheck pings every configured connection.
func (c *Connections) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)

	if c.SQL != nil {
		results["sql"] = c.SQL.Ping(ctx)
	}
	if c.Cosmos != nil {
		results["cosmos"] = c.Cosmos.Ping(ctx)
	}
	if c.Redis != nil {
		results["redis"] = c.Redis.Ping(ctx)
	}

	return results
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
