// Package redis provides the pool's Redis cache: per-user share counters,
// hashrate series, the dashboard snapshot cache and dashboard rate limiting.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gompsolo/pkg/jsonx"
)

// ErrCacheMiss is returned by GetCache when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromURL parses a redis:// URL into a Config with pool defaults
func ConfigFromURL(url string) (*Config, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Config{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Share counters

func shareCounterKey(user string, valid bool) string {
	if valid {
		return fmt.Sprintf("shares:%s:valid", user)
	}
	return fmt.Sprintf("shares:%s:invalid", user)
}

// IncrementShares bumps the user's valid or invalid share counter
func (c *Client) IncrementShares(ctx context.Context, user string, valid bool) (int64, error) {
	n, err := c.rdb.Incr(ctx, shareCounterKey(user, valid)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment share counter: %w", err)
	}
	return n, nil
}

// GetShares returns the user's valid and invalid share counters
func (c *Client) GetShares(ctx context.Context, user string) (valid, invalid int64, err error) {
	vals, err := c.rdb.MGet(ctx, shareCounterKey(user, true), shareCounterKey(user, false)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get share counters: %w", err)
	}
	return parseCounter(vals[0]), parseCounter(vals[1]), nil
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Hashrate series

func hashrateKey(user string) string {
	return fmt.Sprintf("hashrate:%s", user)
}

// SetHashrate appends a hashrate sample for user and trims samples older
// than window
func (c *Client) SetHashrate(ctx context.Context, user string, hashrate float64, window time.Duration) error {
	key := hashrateKey(user)
	now := time.Now()

	// the member carries the timestamp so equal rates do not collapse
	member := &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), strconv.FormatFloat(hashrate, 'f', -1, 64)),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, *member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}
	return nil
}

// GetAverageHashrate averages the user's samples inside window
func (c *Client) GetAverageHashrate(ctx context.Context, user string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).UnixMilli()

	values, err := c.rdb.ZRangeByScore(ctx, hashrateKey(user), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageSamples(values), nil
}

// averageSamples averages "<nanos>:<rate>" members, skipping malformed ones
func averageSamples(members []string) float64 {
	var (
		total float64
		n     int
	)
	for _, m := range members {
		for i := 0; i < len(m); i++ {
			if m[i] != ':' {
				continue
			}
			if rate, err := strconv.ParseFloat(m[i+1:], 64); err == nil {
				total += rate
				n++
			}
			break
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Rate limiting

// CheckRateLimit counts one hit against key in a fixed window and reports
// whether the caller is still within limit
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, rateKey)
	pipe.ExpireNX(ctx, rateKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return incrCmd.Val() <= limit, nil
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	payload, err := jsonx.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.rdb.Set(ctx, "cache:"+key, payload, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// GetCache loads cached data into dest, returning ErrCacheMiss when absent
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	payload, err := c.rdb.Get(ctx, "cache:"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := jsonx.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return nil
}
