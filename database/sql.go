package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"github.com/microsoft/go-mssqldb/azuread"
)

// SQLConfig holds Azure SQL configuration. ConnectionString, when set,
// takes precedence over the individual fields.
type SQLConfig struct {
	ConnectionString string
	Host             string
	Port             int
	Database         string
	User             string
	Password         string
	UseMSI           bool // Use Managed Service Identity
	MaxOpenConns     int
	MaxIdleConns     int
	MaxLifetime      time.Duration
}

// DefaultSQLConfig returns pool defaults sized for a single monitoring process.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Port:         1433,
		MaxOpenConns: 10,
		MaxIdleConns: 2,
		MaxLifetime:  5 * time.Minute,
	}
}

// SQLClient wraps a SQL database connection.
type SQLClient struct {
	db     *sql.DB
	config SQLConfig
}

// NewSQLClient opens and pings an Azure SQL connection.
func NewSQLClient(ctx context.Context, config SQLConfig) (*SQLClient, error) {
	driver, dsn := connectionString(config)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxLifetime > 0 {
		db.SetConnMaxLifetime(config.MaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLClient{db: db, config: config}, nil
}

// connectionString picks the driver and DSN. Managed identity needs the
// azuread driver for fedauth.
func connectionString(config SQLConfig) (driver, dsn string) {
	if config.ConnectionString != "" {
		if config.UseMSI {
			return azuread.DriverName, config.ConnectionString
		}
		return "sqlserver", config.ConnectionString
	}

	port := config.Port
	if port == 0 {
		port = 1433
	}

	query := url.Values{}
	query.Set("database", config.Database)

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   config.Host + ":" + strconv.Itoa(port),
	}

	if config.UseMSI {
		query.Set("fedauth", "ActiveDirectoryMSI")
		u.RawQuery = query.Encode()
		return azuread.DriverName, u.String()
	}

	query.Set("encrypt", "true")
	query.Set("trustservercertificate", "false")
	u.User = url.UserPassword(config.User, config.Password)
	u.RawQuery = query.Encode()
	return "sqlserver", u.String()
}

// DB returns the underlying sql.DB instance.
func (c *SQLClient) DB() *sql.DB {
	return c.db
}

// Ping checks the database connection.
func (c *SQLClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection.
func (c *SQLClient) Close() error {
	return c.db.Close()
}

// Exec executes a query without returning results.
func (c *SQLClient) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// Query executes a query and returns rows.
func (c *SQLClient) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryWithRetry executes a query with retry logic and returns rows.
func (c *SQLClient) QueryWithRetry(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return RetryWithResult(ctx, sqlRetryConfig(), func() (*sql.Rows, error) {
		return c.db.QueryContext(ctx, query, args...)
	})
}

// Transaction represents a database transaction.
type Transaction struct {
	tx *sql.Tx
}

// Begin starts a new transaction.
func (c *SQLClient) Begin(ctx context.Context) (*Transaction, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Transaction) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Transaction) Rollback() error {
	return t.tx.Rollback()
}

// Exec executes a statement in the transaction.
func (t *Transaction) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// WithTransaction executes fn within a transaction. The transaction is
// rolled back if fn returns an error or panics, committed otherwise.
func (c *SQLClient) WithTransaction(ctx context.Context, fn func(*Transaction) error) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Stats returns database pool statistics.
func (c *SQLClient) Stats() sql.DBStats {
	return c.db.Stats()
}
