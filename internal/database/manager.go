// Package database persists pool events. The Manager receives shares, blocks
// and difficulty changes from the pool core, queues them and writes them to
// the share store, Redis and InfluxDB from a background loop so a slow or
// failing backend never delays a miner response.
package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompsolo/internal/database/influx"
	"github.com/bardlex/gompsolo/internal/database/redis"
	"github.com/bardlex/gompsolo/internal/metrics"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/circuit"
	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/log"
	"github.com/bardlex/gompsolo/pkg/retry"
)

const (
	defaultQueueSize      = 4096
	defaultHashrateWindow = 10 * time.Minute
	drainTimeout          = 5 * time.Second
)

// Config holds configuration for all persistence backends. Nil Redis or
// Influx configs disable that sink.
type Config struct {
	Store       string
	SQLitePath  string
	PostgresURL string
	Redis       *redis.Config
	Influx      *influx.Config

	QueueSize      int
	HashrateWindow time.Duration
	OnStateChange  func(name string, from, to circuit.State)
}

type eventKind int

const (
	eventShare eventKind = iota
	eventBlock
	eventDifficulty
	eventPoolStats
)

type event struct {
	kind     eventKind
	share    validation.Share
	hashrate float64
	block    validation.Block
	previous float64
	current  float64
	miners   int
	at       time.Time
}

// Manager coordinates the share store, Redis and InfluxDB
type Manager struct {
	Store  ShareStore
	Redis  *redis.Client
	Influx *influx.Client

	logger         *log.Logger
	queue          chan event
	hashrateWindow time.Duration
	dropped        atomic.Uint64

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewManager opens every configured backend. A failure closes what was
// already opened.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	store, err := OpenStore(ctx, cfg.Store, cfg.SQLitePath, cfg.PostgresURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "open_store",
			"failed to open share store").WithContext("store", cfg.Store)
	}

	var redisClient *redis.Client
	if cfg.Redis != nil {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "redis_connection",
				"failed to connect to Redis")
		}
	}

	var influxClient *influx.Client
	if cfg.Influx != nil {
		influxClient, err = influx.NewClient(cfg.Influx)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypePersistence, "influx_connection",
				"failed to connect to InfluxDB")
			var closeErrs []error
			if closeErr := store.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}
			if redisClient != nil {
				if closeErr := redisClient.Close(); closeErr != nil {
					closeErrs = append(closeErrs, closeErr)
				}
			}
			if len(closeErrs) > 0 {
				return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
			}
			return nil, origErr
		}
	}

	m := newManager(store, redisClient, influxClient, cfg.QueueSize, logger)
	if cfg.HashrateWindow > 0 {
		m.hashrateWindow = cfg.HashrateWindow
	}
	m.circuitBreaker = circuit.New(&circuit.Config{
		Name:            "share_store",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange:   cfg.OnStateChange,
	})
	return m, nil
}

func newManager(store ShareStore, redisClient *redis.Client, influxClient *influx.Client, queueSize int, logger *log.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	cbConfig := circuit.DefaultConfig()
	cbConfig.Name = "share_store"
	return &Manager{
		Store:          store,
		Redis:          redisClient,
		Influx:         influxClient,
		logger:         logger.WithComponent("database"),
		queue:          make(chan event, queueSize),
		hashrateWindow: defaultHashrateWindow,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.StoreConfig(),
	}
}

// OnShare queues a share for persistence
func (m *Manager) OnShare(share validation.Share, hashrate float64) {
	m.enqueue(event{kind: eventShare, share: share, hashrate: hashrate, at: share.Timestamp})
}

// OnBlock queues a block submission
func (m *Manager) OnBlock(block validation.Block) {
	m.enqueue(event{kind: eventBlock, block: block, at: block.FoundAt})
}

// OnDifficulty queues a difficulty change
func (m *Manager) OnDifficulty(previous, current float64) {
	m.enqueue(event{kind: eventDifficulty, previous: previous, current: current, at: time.Now()})
}

// OnPoolStats queues a pool snapshot for the time series store
func (m *Manager) OnPoolStats(miners int, hashrate, difficulty float64) {
	if m.Influx == nil {
		return
	}
	m.enqueue(event{kind: eventPoolStats, miners: miners, hashrate: hashrate, current: difficulty, at: time.Now()})
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.queue <- ev:
	default:
		m.dropped.Add(1)
		metrics.RecordPersistenceError("queue")
		m.logger.Warn("persistence queue full, dropping event", "kind", int(ev.kind), "dropped", m.dropped.Load())
	}
}

// Dropped returns how many events were discarded on a full queue
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then drains what is
// already queued
func (m *Manager) Run(ctx context.Context) error {
	if m.Influx != nil {
		writeErrs := m.Influx.Errors()
		go func() {
			for err := range writeErrs {
				metrics.RecordPersistenceError("influx")
				m.logger.WithError(err).Warn("InfluxDB write failed")
			}
		}()
	}

	for {
		select {
		case ev := <-m.queue:
			m.process(ctx, ev)
		case <-ctx.Done():
			m.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (m *Manager) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-m.queue:
			m.process(ctx, ev)
		default:
			return
		}
	}
}

func (m *Manager) process(ctx context.Context, ev event) {
	switch ev.kind {
	case eventShare:
		m.recordShare(ctx, ev.share, ev.hashrate)
	case eventBlock:
		m.recordBlock(ctx, ev.block)
	case eventDifficulty:
		if m.Influx != nil {
			m.Influx.WriteDifficulty(ev.previous, ev.current, ev.at)
		}
	case eventPoolStats:
		m.Influx.WritePoolStats(ev.miners, ev.hashrate, ev.current, ev.at)
	}
}

// recordShare stores the share (critical) and updates the caches (best effort)
func (m *Manager) recordShare(ctx context.Context, share validation.Share, hashrate float64) {
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if _, err := m.Store.Insert(ctx, share); err != nil {
				storeErr := errors.Wrap(err, errors.ErrorTypePersistence, "record_share",
					"failed to store share").
					WithContext("user", share.User).
					WithContext("job_id", share.JobID)
				storeErr.Retryable = true
				return storeErr
			}
			return nil
		})
	})
	if err != nil {
		metrics.RecordPersistenceError("share_store")
		m.logger.WithError(err).Error("share not persisted", "user", share.User, "job_id", share.JobID)
	}

	if m.Influx != nil {
		m.Influx.WriteShare(share)
		m.Influx.WriteHashrate(share.User, hashrate, share.Timestamp)
	}

	if m.Redis != nil {
		if _, err := m.Redis.IncrementShares(ctx, share.User, share.Valid); err != nil {
			metrics.RecordPersistenceError("redis")
			m.logger.WithError(err).Warn("failed to update share counter (non-critical)")
		}
		if err := m.Redis.SetHashrate(ctx, share.User, hashrate, m.hashrateWindow); err != nil {
			metrics.RecordPersistenceError("redis")
			m.logger.WithError(err).Warn("failed to update hashrate (non-critical)")
		}
	}
}

func (m *Manager) recordBlock(ctx context.Context, block validation.Block) {
	if rec, ok := m.Store.(blockRecorder); ok {
		err := retry.Do(ctx, m.retryConfig, func() error {
			return rec.RecordBlock(ctx, block)
		})
		if err != nil {
			metrics.RecordPersistenceError("share_store")
			m.logger.WithError(err).Error("block not persisted", "hash", block.Hash)
		}
	}

	if m.Influx != nil {
		m.Influx.WriteBlock(block)
	}

	if m.Redis != nil {
		if err := m.Redis.SetCache(ctx, "last_block", block, 24*time.Hour); err != nil {
			metrics.RecordPersistenceError("redis")
			m.logger.WithError(err).Warn("failed to cache block (non-critical)")
		}
	}
}

// Shares returns the full share log
func (m *Manager) Shares(ctx context.Context) ([]validation.Share, error) {
	shares, err := m.Store.All(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "query_shares", "failed to read share log")
	}
	return shares, nil
}

// Health checks every configured backend
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Store.Health(ctx); err != nil {
		return fmt.Errorf("share store health check failed: %w", err)
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// Close closes every backend. Call it after Run has returned.
func (m *Manager) Close() error {
	var errs []error

	if err := m.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("share store close error: %w", err))
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}
