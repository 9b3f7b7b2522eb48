// Package postgres provides the PostgreSQL share log. It backs the pool when
// SHARE_STORE=postgres and is the archive target of shareproc.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS shares (
		id BIGSERIAL PRIMARY KEY,
		submitted_at TIMESTAMPTZ NOT NULL,
		valid BOOLEAN NOT NULL,
		username TEXT NOT NULL,
		job_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS shares_username_idx ON shares (username);
	CREATE TABLE IF NOT EXISTS blocks (
		id BIGSERIAL PRIMARY KEY,
		hash TEXT NOT NULL,
		header TEXT NOT NULL,
		username TEXT NOT NULL,
		job_id TEXT NOT NULL,
		accepted BOOLEAN NOT NULL,
		found_at TIMESTAMPTZ NOT NULL
	);
`

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a lib/pq connection string, either postgres:// or key=value form
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings suited to a single pool process
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient connects, verifies the connection and ensures the schema
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}
