// Package main implements stratumd, the solo pool daemon: the Stratum server
// for miners over TCP and WebSocket, the pool core, persistence, event
// publishing and the dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gompsolo/internal/config"
	"github.com/bardlex/gompsolo/internal/dashboard"
	"github.com/bardlex/gompsolo/internal/database"
	"github.com/bardlex/gompsolo/internal/database/influx"
	"github.com/bardlex/gompsolo/internal/database/redis"
	"github.com/bardlex/gompsolo/internal/messaging"
	"github.com/bardlex/gompsolo/internal/metrics"
	"github.com/bardlex/gompsolo/internal/node"
	"github.com/bardlex/gompsolo/internal/pool"
	"github.com/bardlex/gompsolo/internal/stratum"
	"github.com/bardlex/gompsolo/pkg/circuit"
	"github.com/bardlex/gompsolo/pkg/log"
)

const (
	shutdownTimeout   = 30 * time.Second
	poolStatsInterval = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logger.Info("starting stratumd",
		"version", cfg.Version,
		"pool", cfg.PoolName,
		"tcp_addr", cfg.TCPAddr(),
		"ws_addr", cfg.WSAddr(),
		"node", cfg.NodeRPCAddr(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("stratumd failed")
		closeLog()
		os.Exit(1)
	}

	logger.Info("stratumd stopped")
}

// newLogger writes to stdout and, when LOG_FILE is set, to that file as well
func newLogger(cfg *config.Config) (*log.Logger, func(), error) {
	outputs := []io.Writer{os.Stdout}
	closeFn := func() {}

	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, f)
		var once sync.Once
		closeFn = func() { once.Do(func() { _ = f.Close() }) }
	}

	return log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat, outputs...), closeFn, nil
}

// breakerHook logs circuit transitions and exports them as a gauge
func breakerHook(logger *log.Logger) func(name string, from, to circuit.State) {
	return func(name string, from, to circuit.State) {
		metrics.RecordBreakerState(name, int(to))
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		PoolName:        cfg.PoolName,
		ExtraNonceSize:  cfg.ExtraNonceSize,
		MaxExtraNonce:   cfg.MaxExtraNonce,
		CleanJobs:       cfg.CleanJobs,
		JobTimeout:      cfg.JobTimeout,
		BlockTimeTarget: cfg.BlockTimeTarget,
		BlockRetention:  cfg.BlockRetention(),
		Difficulty: pool.DifficultyConfig{
			Interval:   cfg.DiffAdjustmentInterval,
			TargetTime: cfg.DiffTargetTime,
			Initial:    cfg.InitialDifficulty,
			Variance:   cfg.DiffVarianceTarget,
		},
		AllowClientDifficulty: cfg.AllowClientDifficulty,
		BroadcastWorkers:      cfg.BroadcastWorkers,
	}
}

func databaseConfig(cfg *config.Config, onStateChange func(string, circuit.State, circuit.State)) (*database.Config, error) {
	dbConfig := &database.Config{
		Store:         cfg.ShareStore,
		SQLitePath:    cfg.SQLitePath,
		PostgresURL:   cfg.PostgresURL,
		OnStateChange: onStateChange,
	}

	if cfg.RedisURL != "" {
		redisConfig, err := redis.ConfigFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		dbConfig.Redis = redisConfig
	}

	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	return dbConfig, nil
}

func dashboardConfig(cfg *config.Config) dashboard.Config {
	return dashboard.Config{
		Addr:            cfg.WebUIAddr,
		ServerHost:      cfg.ServerHost,
		ServerPort:      cfg.TCPPort,
		Secret:          cfg.WebUISecret,
		EnableAuth:      cfg.WebUIEnableAuth,
		Username:        cfg.WebUIUsername,
		Password:        cfg.WebUIPassword,
		RateLimitWindow: cfg.WebUIRateLimitWindow,
		RateLimitMax:    cfg.WebUIRateLimitMax,
		PushInterval:    cfg.WebUIPushInterval,
		MetricsEnabled:  cfg.MetricsEnabled,
	}
}

func serverConfig(cfg *config.Config) stratum.ServerConfig {
	return stratum.ServerConfig{
		MaxConnections: cfg.MaxConnections,
		MaxMessageSize: cfg.MaxMessageSize,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}
}

// run wires every component and blocks until ctx is cancelled or a
// component fails
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if cfg.MetricsEnabled {
		metrics.Enable()
	}
	onBreaker := breakerHook(logger)

	nodeClient, err := node.NewRPCClient(node.RPCConfig{
		Host:       cfg.NodeRPCHost,
		Port:       cfg.NodeRPCPort,
		User:       cfg.NodeRPCUser,
		Password:   cfg.NodeRPCPassword,
		PayAddress: cfg.NodePayAddress,
		Timeout:    cfg.NodeRPCTimeout,
	}, logger, onBreaker)
	if err != nil {
		return fmt.Errorf("failed to create node client: %w", err)
	}
	defer nodeClient.Close()

	dbConfig, err := databaseConfig(cfg, onBreaker)
	if err != nil {
		return err
	}
	dbManager, err := database.NewManager(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to open databases: %w", err)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()

	observers := []pool.Observer{dbManager}

	var publisher *messaging.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger, onBreaker)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		}()
		publisher = messaging.NewPublisher(kafkaClient, 0, logger)
		observers = append(observers, publisher)
	}

	coord := pool.NewCoordinator(poolConfig(cfg), nodeClient, logger, observers...)
	handler := pool.NewHandler(coord, logger)
	server := stratum.NewServer(serverConfig(cfg), handler, logger)

	deps := dashboard.Deps{
		Source: coord,
		Shares: dbManager,
		Health: dbManager.Health,
	}
	if dbManager.Redis != nil {
		deps.Redis = dbManager.Redis
	}
	dash := dashboard.NewServer(dashboardConfig(cfg), deps, logger)
	if cfg.WSRequireAuth {
		server.Authenticate = dash.Tokens().BearerAuth
	}

	tcpListener, err := net.Listen("tcp", cfg.TCPAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.TCPAddr(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsServer := &http.Server{
		Addr:              cfg.WSAddr(),
		Handler:           server.ServeWebSocket(runCtx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	launch := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	launch("tcp server", func() error { return server.ServeTCP(runCtx, tcpListener) })
	launch("websocket server", func() error {
		logger.Info("websocket listener started", "address", cfg.WSAddr(), "require_auth", cfg.WSRequireAuth)
		return wsServer.ListenAndServe()
	})
	launch("pool", func() error { return coord.Run(runCtx) })
	launch("persistence", func() error { return dbManager.Run(runCtx) })
	launch("dashboard", func() error { return dash.Run(runCtx) })
	launch("pool stats", func() error {
		return reportPoolStats(runCtx, coord, dbManager, poolStatsInterval)
	})
	if publisher != nil {
		launch("events", func() error { return publisher.Run(runCtx) })
	}

	if cfg.NodeZMQAddr != "" {
		notifier, err := node.NewBlockNotifier(cfg.NodeZMQAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("ZMQ block notifications disabled")
		} else {
			defer notifier.Close()
			launch("zmq", func() error {
				return notifier.Run(runCtx, func(blockHash string) {
					logger.Info("new block announced", "hash", blockHash)
					coord.TriggerWork()
				})
			})
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.WithError(runErr).Error("component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("websocket server shutdown failed")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("stratum server shutdown failed")
	}
	cancel()
	wg.Wait()

	return runErr
}

// reportPoolStats snapshots the pool into the time series store
func reportPoolStats(ctx context.Context, coord *pool.Coordinator, dbManager *database.Manager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info := coord.PoolInfo()
			dbManager.OnPoolStats(info.Authenticated, info.Hashrate, info.Difficulty)
		}
	}
}
