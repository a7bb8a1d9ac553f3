package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host        string // host or host:port
	Port        int
	Password    string
	DB          int
	TLSEnabled  bool
	PoolSize    int
	MinIdleConn int
}

// DefaultRedisConfig returns Azure Cache for Redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Port:        6380, // Azure Redis uses 6380 for TLS
		TLSEnabled:  true,
		PoolSize:    20,
		MinIdleConn: 2,
	}
}

// RedisClient wraps the Redis client backing the route cache and limiter.
type RedisClient struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(ctx context.Context, config RedisConfig) (*RedisClient, error) {
	opts := &redis.Options{
		Addr:         redisAddr(config),
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConn,
	}

	if config.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client, config: config}, nil
}

func redisAddr(config RedisConfig) string {
	if strings.Contains(config.Host, ":") {
		return config.Host
	}
	port := config.Port
	if port == 0 {
		port = 6379
	}
	return net.JoinHostPort(config.Host, strconv.Itoa(port))
}

// Client returns the underlying redis client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks the connection.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
