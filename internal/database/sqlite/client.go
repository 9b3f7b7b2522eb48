// Package sqlite provides the embedded share log. It is the default store and
// needs no external service.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bardlex/gompsolo/internal/validation"
)

const schema = `
	CREATE TABLE IF NOT EXISTS shares (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER,
		valid BOOLEAN,
		user TEXT,
		jobId TEXT
	)
`

// Client is a share log backed by a single SQLite file
type Client struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the shares table
func Open(path string) (*Client, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the driver serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create shares table: %w", err)
	}
	return &Client{db: db}, nil
}

// Insert appends one share and returns its row id
func (c *Client) Insert(ctx context.Context, share validation.Share) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO shares (timestamp, valid, user, jobId) VALUES (?, ?, ?, ?)`,
		share.Timestamp.UnixMilli(), share.Valid, share.User, share.JobID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert share: %w", err)
	}
	return res.LastInsertId()
}

// All returns every stored share in insertion order
func (c *Client) All(ctx context.Context) ([]validation.Share, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, timestamp, valid, user, jobId FROM shares ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()

	var shares []validation.Share
	for rows.Next() {
		var (
			s  validation.Share
			ms int64
		)
		if err := rows.Scan(&s.ID, &ms, &s.Valid, &s.User, &s.JobID); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		s.Timestamp = time.UnixMilli(ms)
		shares = append(shares, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}
	return shares, nil
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database
func (c *Client) Close() error {
	return c.db.Close()
}
