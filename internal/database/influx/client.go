// Package influx writes the pool's time series to InfluxDB: shares,
// per-user hashrate, difficulty changes, blocks and pool snapshots.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gompsolo/internal/validation"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare records one share outcome
func (c *Client) WriteShare(share validation.Share) {
	c.writeAPI.WritePoint(SharePoint(share))
}

// WriteHashrate records a user's hashrate estimate
func (c *Client) WriteHashrate(user string, hashrate float64, at time.Time) {
	c.writeAPI.WritePoint(HashratePoint(user, hashrate, at))
}

// WriteBlock records a block submission
func (c *Client) WriteBlock(block validation.Block) {
	c.writeAPI.WritePoint(BlockPoint(block))
}

// WriteDifficulty records a difficulty change
func (c *Client) WriteDifficulty(previous, current float64, at time.Time) {
	c.writeAPI.WritePoint(DifficultyPoint(previous, current, at))
}

// WritePoolStats records a pool snapshot
func (c *Client) WritePoolStats(miners int, hashrate, difficulty float64, at time.Time) {
	fields := map[string]interface{}{
		"miners":     miners,
		"hashrate":   hashrate,
		"difficulty": difficulty,
	}
	c.writeAPI.WritePoint(write.NewPoint("pool_stats", map[string]string{}, fields, at))
}

// SharePoint builds the "shares" point
func SharePoint(share validation.Share) *write.Point {
	tags := map[string]string{
		"user":  share.User,
		"valid": strconv.FormatBool(share.Valid),
	}
	fields := map[string]interface{}{
		"job_id": share.JobID,
		"count":  1,
	}
	return write.NewPoint("shares", tags, fields, share.Timestamp)
}

// HashratePoint builds the "hashrate" point
func HashratePoint(user string, hashrate float64, at time.Time) *write.Point {
	return write.NewPoint("hashrate",
		map[string]string{"user": user},
		map[string]interface{}{"hashrate": hashrate},
		at)
}

// BlockPoint builds the "blocks" point
func BlockPoint(block validation.Block) *write.Point {
	status := "rejected"
	if block.Accepted {
		status = "accepted"
	}
	tags := map[string]string{
		"user":   block.User,
		"status": status,
	}
	fields := map[string]interface{}{
		"hash":   block.Hash,
		"job_id": block.JobID,
		"count":  1,
	}
	return write.NewPoint("blocks", tags, fields, block.FoundAt)
}

// DifficultyPoint builds the "difficulty" point
func DifficultyPoint(previous, current float64, at time.Time) *write.Point {
	return write.NewPoint("difficulty", map[string]string{}, map[string]interface{}{
		"previous": previous,
		"current":  current,
	}, at)
}
