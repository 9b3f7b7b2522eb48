// Package main implements shareproc, the share archiver. It consumes the
// pool's share, block and difficulty events from Kafka and archives them to
// PostgreSQL and, when configured, InfluxDB for downstream accounting.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompsolo/internal/config"
	"github.com/bardlex/gompsolo/internal/database/influx"
	"github.com/bardlex/gompsolo/internal/database/postgres"
	"github.com/bardlex/gompsolo/internal/messaging"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/log"
	"github.com/bardlex/gompsolo/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("shareproc", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting shareproc",
		"version", cfg.Version,
		"brokers", cfg.KafkaBrokers,
		"group_id", cfg.KafkaGroupID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("shareproc failed")
		os.Exit(1)
	}
	logger.Info("shareproc stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if cfg.PostgresURL == "" {
		return errors.New("POSTGRES_URL is required")
	}

	store, err := postgres.Open(ctx, postgres.DefaultConfig(cfg.PostgresURL))
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer store.Close()

	var sink MetricsSink
	if cfg.InfluxURL != "" {
		influxClient, err := influx.NewClient(&influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to InfluxDB: %w", err)
		}
		defer influxClient.Close()
		sink = influxClient
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger, nil)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	archiver := NewArchiver(store, sink, logger)
	newStruct := func() proto.Message { return &structpb.Struct{} }

	consumers := []struct {
		topic   string
		handler messaging.MessageHandler
	}{
		{messaging.TopicShares, handlerFunc(archiver.HandleShare)},
		{messaging.TopicBlocks, handlerFunc(archiver.HandleBlock)},
		{messaging.TopicDifficulty, handlerFunc(archiver.HandleDifficulty)},
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = kafkaClient.StartConsumer(ctx, c.topic, cfg.KafkaGroupID, newStruct, c.handler)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	shares, blocks, failed := archiver.Stats()
	logger.Info("archiver totals", "shares", shares, "blocks", blocks, "failed", failed)
	return nil
}

type handlerFunc func(ctx context.Context, key string, msg proto.Message) error

func (f handlerFunc) HandleMessage(ctx context.Context, key string, msg proto.Message) error {
	return f(ctx, key, msg)
}

// Archive is the durable store for consumed events
type Archive interface {
	Insert(ctx context.Context, share validation.Share) (int64, error)
	RecordBlock(ctx context.Context, block validation.Block) error
}

// MetricsSink is the optional time series store
type MetricsSink interface {
	WriteShare(share validation.Share)
	WriteHashrate(user string, hashrate float64, at time.Time)
	WriteBlock(block validation.Block)
	WriteDifficulty(previous, current float64, at time.Time)
}

// Archiver turns consumed events into archive rows and time series points
type Archiver struct {
	archive     Archive
	sink        MetricsSink
	logger      *log.Logger
	retryConfig *retry.Config

	shares atomic.Uint64
	blocks atomic.Uint64
	failed atomic.Uint64
}

// NewArchiver creates an archiver. sink may be nil.
func NewArchiver(archive Archive, sink MetricsSink, logger *log.Logger) *Archiver {
	return &Archiver{
		archive:     archive,
		sink:        sink,
		logger:      logger.WithComponent("archiver"),
		retryConfig: retry.StoreConfig(),
	}
}

// HandleShare archives one share event
func (a *Archiver) HandleShare(ctx context.Context, _ string, msg proto.Message) error {
	share, hashrate, err := decodeStruct(msg, messaging.DecodeShare)
	if err != nil {
		a.failed.Add(1)
		return err
	}

	err = retry.Do(ctx, a.retryConfig, func() error {
		_, err := a.archive.Insert(ctx, share)
		return err
	})
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("archive share for %s: %w", share.User, err)
	}
	a.shares.Add(1)

	if a.sink != nil {
		a.sink.WriteShare(share)
		a.sink.WriteHashrate(share.User, hashrate, share.Timestamp)
	}
	return nil
}

// HandleBlock archives one block event
func (a *Archiver) HandleBlock(ctx context.Context, _ string, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		a.failed.Add(1)
		return fmt.Errorf("unexpected message type %T", msg)
	}
	block, err := messaging.DecodeBlock(s)
	if err != nil {
		a.failed.Add(1)
		return err
	}

	err = retry.Do(ctx, a.retryConfig, func() error {
		return a.archive.RecordBlock(ctx, block)
	})
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("archive block %s: %w", block.Hash, err)
	}
	a.blocks.Add(1)
	a.logger.LogBlockFound(block.Hash, block.User, block.JobID, block.Accepted)

	if a.sink != nil {
		a.sink.WriteBlock(block)
	}
	return nil
}

// HandleDifficulty forwards a difficulty change to the time series store
func (a *Archiver) HandleDifficulty(_ context.Context, _ string, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		a.failed.Add(1)
		return fmt.Errorf("unexpected message type %T", msg)
	}
	previous, current, at, err := messaging.DecodeDifficulty(s)
	if err != nil {
		a.failed.Add(1)
		return err
	}
	if a.sink != nil {
		a.sink.WriteDifficulty(previous, current, at)
	}
	return nil
}

// Stats returns the archived share and block counts and the failures
func (a *Archiver) Stats() (shares, blocks, failed uint64) {
	return a.shares.Load(), a.blocks.Load(), a.failed.Load()
}

func decodeStruct(msg proto.Message, decode func(*structpb.Struct) (validation.Share, float64, error)) (validation.Share, float64, error) {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return validation.Share{}, 0, fmt.Errorf("unexpected message type %T", msg)
	}
	return decode(s)
}
