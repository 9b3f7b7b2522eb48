package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// fileConfig mirrors the TOML layout of CONFIG_FILE. Every field is a pointer
// so an absent key leaves the default untouched. Durations are in seconds.
type fileConfig struct {
	Server     serverSection     `toml:"server"`
	Pool       poolSection       `toml:"pool"`
	Node       nodeSection       `toml:"node"`
	Difficulty difficultySection `toml:"difficulty"`
	WebUI      webUISection      `toml:"web_ui"`
	Storage    storageSection    `toml:"storage"`
	Logging    loggingSection    `toml:"logging"`
}

type serverSection struct {
	Host             *string  `toml:"host"`
	TCPPort          *int     `toml:"tcp_port"`
	WSPort           *int     `toml:"ws_port"`
	WSRequireAuth    *bool    `toml:"ws_require_auth"`
	ReadTimeout      *float64 `toml:"read_timeout"`
	WriteTimeout     *float64 `toml:"write_timeout"`
	MaxMessageSize   *int     `toml:"max_message_size"`
	MaxConnections   *int     `toml:"max_connections"`
	BroadcastWorkers *int     `toml:"broadcast_workers"`
}

type poolSection struct {
	Name                *string  `toml:"name"`
	ExtraNonceSize      *int     `toml:"extra_nonce_size"`
	MaxExtraNonce       *uint64  `toml:"max_extra_nonce"`
	BlockTimeTarget     *float64 `toml:"block_time_target"`
	CleanJobs           *bool    `toml:"clean_jobs"`
	JobTimeout          *float64 `toml:"job_timeout"`
	ConfirmationsNeeded *int     `toml:"confirmations_needed"`
}

type nodeSection struct {
	RPCHost     *string  `toml:"rpc_host"`
	RPCPort     *int     `toml:"rpc_port"`
	RPCUser     *string  `toml:"rpc_user"`
	RPCPassword *string  `toml:"rpc_password"`
	PayAddress  *string  `toml:"pay_address"`
	RPCTimeout  *float64 `toml:"rpc_timeout"`
	ZMQAddr     *string  `toml:"zmq_addr"`
}

type difficultySection struct {
	AdjustmentInterval *int     `toml:"adjustment_interval"`
	TargetTime         *float64 `toml:"target_time"`
	Initial            *float64 `toml:"initial"`
	VarianceTarget     *float64 `toml:"variance_target"`
	AllowClient        *bool    `toml:"allow_client"`
}

type webUISection struct {
	Addr            *string  `toml:"addr"`
	Secret          *string  `toml:"secret"`
	EnableAuth      *bool    `toml:"enable_auth"`
	Username        *string  `toml:"username"`
	Password        *string  `toml:"password"`
	RateLimitWindow *float64 `toml:"rate_limit_window"`
	RateLimitMax    *int     `toml:"rate_limit_max"`
	PushInterval    *float64 `toml:"push_interval"`
	MetricsEnabled  *bool    `toml:"metrics_enabled"`
}

type storageSection struct {
	ShareStore   *string  `toml:"share_store"`
	SQLitePath   *string  `toml:"sqlite_path"`
	PostgresURL  *string  `toml:"postgres_url"`
	RedisURL     *string  `toml:"redis_url"`
	InfluxURL    *string  `toml:"influx_url"`
	InfluxToken  *string  `toml:"influx_token"`
	InfluxOrg    *string  `toml:"influx_org"`
	InfluxBucket *string  `toml:"influx_bucket"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaGroupID *string  `toml:"kafka_group_id"`
}

type loggingSection struct {
	Level  *string `toml:"level"`
	Format *string `toml:"format"`
	File   *string `toml:"file"`
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setSeconds(dst *time.Duration, secs *float64) {
	if secs != nil {
		*dst = time.Duration(*secs * float64(time.Second))
	}
}

func (fc *fileConfig) apply(c *Config) {
	s := fc.Server
	set(&c.ServerHost, s.Host)
	set(&c.TCPPort, s.TCPPort)
	set(&c.WSPort, s.WSPort)
	set(&c.WSRequireAuth, s.WSRequireAuth)
	setSeconds(&c.ReadTimeout, s.ReadTimeout)
	setSeconds(&c.WriteTimeout, s.WriteTimeout)
	set(&c.MaxMessageSize, s.MaxMessageSize)
	set(&c.MaxConnections, s.MaxConnections)
	set(&c.BroadcastWorkers, s.BroadcastWorkers)

	p := fc.Pool
	set(&c.PoolName, p.Name)
	set(&c.ExtraNonceSize, p.ExtraNonceSize)
	set(&c.MaxExtraNonce, p.MaxExtraNonce)
	setSeconds(&c.BlockTimeTarget, p.BlockTimeTarget)
	set(&c.CleanJobs, p.CleanJobs)
	setSeconds(&c.JobTimeout, p.JobTimeout)
	set(&c.ConfirmationsNeeded, p.ConfirmationsNeeded)

	n := fc.Node
	set(&c.NodeRPCHost, n.RPCHost)
	set(&c.NodeRPCPort, n.RPCPort)
	set(&c.NodeRPCUser, n.RPCUser)
	set(&c.NodeRPCPassword, n.RPCPassword)
	set(&c.NodePayAddress, n.PayAddress)
	setSeconds(&c.NodeRPCTimeout, n.RPCTimeout)
	set(&c.NodeZMQAddr, n.ZMQAddr)

	d := fc.Difficulty
	set(&c.DiffAdjustmentInterval, d.AdjustmentInterval)
	setSeconds(&c.DiffTargetTime, d.TargetTime)
	set(&c.InitialDifficulty, d.Initial)
	set(&c.DiffVarianceTarget, d.VarianceTarget)
	set(&c.AllowClientDifficulty, d.AllowClient)

	w := fc.WebUI
	set(&c.WebUIAddr, w.Addr)
	set(&c.WebUISecret, w.Secret)
	set(&c.WebUIEnableAuth, w.EnableAuth)
	set(&c.WebUIUsername, w.Username)
	set(&c.WebUIPassword, w.Password)
	setSeconds(&c.WebUIRateLimitWindow, w.RateLimitWindow)
	set(&c.WebUIRateLimitMax, w.RateLimitMax)
	setSeconds(&c.WebUIPushInterval, w.PushInterval)
	set(&c.MetricsEnabled, w.MetricsEnabled)

	st := fc.Storage
	set(&c.ShareStore, st.ShareStore)
	set(&c.SQLitePath, st.SQLitePath)
	set(&c.PostgresURL, st.PostgresURL)
	set(&c.RedisURL, st.RedisURL)
	set(&c.InfluxURL, st.InfluxURL)
	set(&c.InfluxToken, st.InfluxToken)
	set(&c.InfluxOrg, st.InfluxOrg)
	set(&c.InfluxBucket, st.InfluxBucket)
	if len(st.KafkaBrokers) > 0 {
		c.KafkaBrokers = st.KafkaBrokers
	}
	set(&c.KafkaGroupID, st.KafkaGroupID)

	l := fc.Logging
	set(&c.LogLevel, l.Level)
	set(&c.LogFormat, l.Format)
	set(&c.LogFile, l.File)
}
