// Package config provides configuration management for the solo pool.
// Values start from built-in defaults, are overlaid by an optional TOML file
// named in CONFIG_FILE, and finally by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the global configuration for the pool services
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Miner-facing listeners
	ServerHost    string
	TCPPort       int
	WSPort        int
	WSRequireAuth bool

	// Pool identity and nonce space
	PoolName       string
	ExtraNonceSize int
	MaxExtraNonce  uint64

	// Node connection
	NodeRPCHost     string
	NodeRPCPort     int
	NodeRPCUser     string
	NodeRPCPassword string
	NodePayAddress  string
	NodeRPCTimeout  time.Duration
	NodeZMQAddr     string

	// Jobs
	BlockTimeTarget     time.Duration
	CleanJobs           bool
	JobTimeout          time.Duration
	ConfirmationsNeeded int

	// Difficulty engine
	DiffAdjustmentInterval int
	DiffTargetTime         time.Duration
	InitialDifficulty      float64
	DiffVarianceTarget     float64
	AllowClientDifficulty  bool

	// Dashboard
	WebUIAddr            string
	WebUISecret          string
	WebUIEnableAuth      bool
	WebUIUsername        string
	WebUIPassword        string
	WebUIRateLimitWindow time.Duration
	WebUIRateLimitMax    int
	WebUIPushInterval    time.Duration

	// Storage and messaging
	ShareStore   string
	SQLitePath   string
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	KafkaBrokers []string
	KafkaGroupID string

	// Performance tuning
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int
	MaxConnections   int
	BroadcastWorkers int

	// Logging and metrics
	LogLevel       string
	LogFormat      string
	LogFile        string
	MetricsEnabled bool
}

// Share store backends
const (
	ShareStoreSQLite   = "sqlite"
	ShareStorePostgres = "postgres"
)

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		ServiceName: "gomp-solo",
		Version:     "dev",
		Environment: "development",

		ServerHost:    "0.0.0.0",
		TCPPort:       3333,
		WSPort:        3334,
		WSRequireAuth: true,

		PoolName:       "MySoloKaspaPool",
		ExtraNonceSize: 4,
		MaxExtraNonce:  4294967295,

		NodeRPCHost:    "127.0.0.1",
		NodeRPCPort:    16110,
		NodeRPCTimeout: 10 * time.Second,

		BlockTimeTarget:     time.Second,
		CleanJobs:           true,
		JobTimeout:          60 * time.Second,
		ConfirmationsNeeded: 10,

		DiffAdjustmentInterval: 5,
		DiffTargetTime:         5 * time.Second,
		InitialDifficulty:      1,
		DiffVarianceTarget:     0.2,

		WebUIAddr:            ":3000",
		WebUISecret:          "change-me",
		WebUIEnableAuth:      true,
		WebUIUsername:        "admin",
		WebUIPassword:        "password",
		WebUIRateLimitWindow: 60 * time.Second,
		WebUIRateLimitMax:    100,
		WebUIPushInterval:    5 * time.Second,

		ShareStore:   ShareStoreSQLite,
		SQLitePath:   "./pool.db",
		InfluxOrg:    "gomp",
		InfluxBucket: "mining",
		KafkaGroupID: "gomp-solo-archiver",

		ReadTimeout:      10 * time.Minute,
		WriteTimeout:     30 * time.Second,
		MaxMessageSize:   4096,
		MaxConnections:   10000,
		BroadcastWorkers: 16,

		LogLevel:       "info",
		LogFormat:      "json",
		LogFile:        "./pool.log",
		MetricsEnabled: true,
	}
}

// Load builds the configuration from defaults, the CONFIG_FILE overlay and
// environment variables, then validates it
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		fc.apply(cfg)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.ServerHost = getEnv("SERVER_HOST", c.ServerHost)
	c.TCPPort = getEnvInt("TCP_PORT", c.TCPPort)
	c.WSPort = getEnvInt("WS_PORT", c.WSPort)
	c.WSRequireAuth = getEnvBool("WS_REQUIRE_AUTH", c.WSRequireAuth)

	c.PoolName = getEnv("POOL_NAME", c.PoolName)
	c.ExtraNonceSize = getEnvInt("EXTRA_NONCE_SIZE", c.ExtraNonceSize)
	c.MaxExtraNonce = getEnvUint("MAX_EXTRA_NONCE", c.MaxExtraNonce)

	c.NodeRPCHost = getEnv("NODE_RPC_HOST", c.NodeRPCHost)
	c.NodeRPCPort = getEnvInt("NODE_RPC_PORT", c.NodeRPCPort)
	c.NodeRPCUser = getEnv("NODE_RPC_USER", c.NodeRPCUser)
	c.NodeRPCPassword = getEnv("NODE_RPC_PASSWORD", c.NodeRPCPassword)
	c.NodePayAddress = getEnv("NODE_PAY_ADDRESS", c.NodePayAddress)
	c.NodeRPCTimeout = getEnvDuration("NODE_RPC_TIMEOUT", c.NodeRPCTimeout)
	c.NodeZMQAddr = getEnv("NODE_ZMQ_ADDR", c.NodeZMQAddr)

	c.BlockTimeTarget = getEnvDuration("BLOCK_TIME_TARGET", c.BlockTimeTarget)
	c.CleanJobs = getEnvBool("CLEAN_JOBS", c.CleanJobs)
	c.JobTimeout = getEnvDuration("JOB_TIMEOUT", c.JobTimeout)
	c.ConfirmationsNeeded = getEnvInt("CONFIRMATIONS_NEEDED", c.ConfirmationsNeeded)

	c.DiffAdjustmentInterval = getEnvInt("DIFF_ADJUSTMENT_INTERVAL", c.DiffAdjustmentInterval)
	c.DiffTargetTime = getEnvDuration("DIFF_TARGET_TIME", c.DiffTargetTime)
	c.InitialDifficulty = getEnvFloat("INITIAL_DIFFICULTY", c.InitialDifficulty)
	c.DiffVarianceTarget = getEnvFloat("DIFF_VARIANCE_TARGET", c.DiffVarianceTarget)
	c.AllowClientDifficulty = getEnvBool("ALLOW_CLIENT_DIFFICULTY", c.AllowClientDifficulty)

	c.WebUIAddr = getEnv("WEB_UI_ADDR", c.WebUIAddr)
	c.WebUISecret = getEnv("WEB_UI_SECRET", c.WebUISecret)
	c.WebUIEnableAuth = getEnvBool("WEB_UI_ENABLE_AUTH", c.WebUIEnableAuth)
	c.WebUIUsername = getEnv("WEB_UI_USERNAME", c.WebUIUsername)
	c.WebUIPassword = getEnv("WEB_UI_PASSWORD", c.WebUIPassword)
	c.WebUIRateLimitWindow = getEnvDuration("WEB_UI_RATE_LIMIT_WINDOW", c.WebUIRateLimitWindow)
	c.WebUIRateLimitMax = getEnvInt("WEB_UI_RATE_LIMIT_MAX", c.WebUIRateLimitMax)
	c.WebUIPushInterval = getEnvDuration("WEB_UI_PUSH_INTERVAL", c.WebUIPushInterval)

	c.ShareStore = strings.ToLower(getEnv("SHARE_STORE", c.ShareStore))
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)

	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxMessageSize = getEnvInt("MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.MaxConnections = getEnvInt("MAX_CONNECTIONS", c.MaxConnections)
	c.BroadcastWorkers = getEnvInt("BROADCAST_WORKERS", c.BroadcastWorkers)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)
}

// NodeRPCAddr returns the host:port of the node RPC endpoint
func (c *Config) NodeRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.NodeRPCHost, c.NodeRPCPort)
}

// TCPAddr returns the miner TCP listen address
func (c *Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.TCPPort)
}

// WSAddr returns the miner WebSocket listen address
func (c *Config) WSAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.WSPort)
}

// BlockRetention is how long a solved job is kept after the node accepts it
func (c *Config) BlockRetention() time.Duration {
	return time.Duration(c.ConfirmationsNeeded) * c.BlockTimeTarget
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return errors.New("SERVICE_NAME cannot be empty")
	}
	if c.PoolName == "" {
		return errors.New("POOL_NAME cannot be empty")
	}

	for name, port := range map[string]int{"TCP_PORT": c.TCPPort, "WS_PORT": c.WSPort, "NODE_RPC_PORT": c.NodeRPCPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535", name)
		}
	}

	if c.ExtraNonceSize < 1 || c.ExtraNonceSize > 8 {
		return errors.New("EXTRA_NONCE_SIZE must be between 1 and 8")
	}
	if c.ExtraNonceSize < 8 && c.MaxExtraNonce >= uint64(1)<<(8*c.ExtraNonceSize) {
		return fmt.Errorf("MAX_EXTRA_NONCE does not fit in %d bytes", c.ExtraNonceSize)
	}

	if c.DiffAdjustmentInterval < 1 {
		return errors.New("DIFF_ADJUSTMENT_INTERVAL must be at least 1")
	}
	if c.DiffTargetTime <= 0 {
		return errors.New("DIFF_TARGET_TIME must be positive")
	}
	if c.InitialDifficulty < 1 {
		return errors.New("INITIAL_DIFFICULTY must be at least 1")
	}
	if c.DiffVarianceTarget < 0 || c.DiffVarianceTarget >= 1 {
		return errors.New("DIFF_VARIANCE_TARGET must be in [0, 1)")
	}

	if c.JobTimeout <= 0 {
		return errors.New("JOB_TIMEOUT must be positive")
	}
	if c.BlockTimeTarget <= 0 {
		return errors.New("BLOCK_TIME_TARGET must be positive")
	}
	if c.ConfirmationsNeeded < 0 {
		return errors.New("CONFIRMATIONS_NEEDED cannot be negative")
	}

	switch c.ShareStore {
	case ShareStoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite share store")
		}
	case ShareStorePostgres:
		if c.PostgresURL == "" {
			return errors.New("POSTGRES_URL is required for the postgres share store")
		}
	default:
		return fmt.Errorf("SHARE_STORE must be %q or %q", ShareStoreSQLite, ShareStorePostgres)
	}

	if (c.WebUIEnableAuth || c.WSRequireAuth) && c.WebUISecret == "" {
		return errors.New("WEB_UI_SECRET is required when authentication is enabled")
	}
	if c.WebUIRateLimitMax < 1 || c.WebUIRateLimitWindow <= 0 {
		return errors.New("WEB_UI_RATE_LIMIT_MAX and WEB_UI_RATE_LIMIT_WINDOW must be positive")
	}

	if c.MaxConnections < 1 {
		return errors.New("MAX_CONNECTIONS must be positive")
	}
	if c.MaxMessageSize < 256 {
		return errors.New("MAX_MESSAGE_SIZE must be at least 256")
	}
	if c.BroadcastWorkers < 1 {
		return errors.New("BROADCAST_WORKERS must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
