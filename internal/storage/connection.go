package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const connectTimeout = 5 * time.Second

// Connection wraps *sql.DB with pool settings applied from Config.
// All stores share one Connection; callers acquire and release per
// operation through the pool, no cross-operation transactions exist.
type Connection struct {
	db     *sql.DB
	config *Config
}

// NewConnection opens a PostgreSQL connection pool and verifies reachability.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db, config: cfg}, nil
}

// NewConnectionFromDB wraps an existing *sql.DB. Used by tests that manage
// their own database lifecycle (testcontainers).
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{db: db, config: NewConfig("test://managed-externally")}
}

// HealthCheck verifies the database is reachable within the context deadline.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (c *Connection) Close() error {
	return c.db.Close()
}

// ExecContext executes a statement through the pool.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query through the pool.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query through the pool.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
