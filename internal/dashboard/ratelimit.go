package dashboard

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether a client may make another request in the current
// window
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitStore is the Redis side of the limiter
type RateLimitStore interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

type redisLimiter struct {
	store  RateLimitStore
	max    int
	window time.Duration
}

// NewRedisLimiter shares one fixed window per client across pool instances
func NewRedisLimiter(store RateLimitStore, max int, window time.Duration) Limiter {
	return &redisLimiter{store: store, max: max, window: window}
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.store.CheckRateLimit(ctx, "dashboard:"+key, int64(l.max), l.window)
}

type windowCount struct {
	start time.Time
	count int
}

type memoryLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	clients map[string]*windowCount
	now     func() time.Time
}

// NewMemoryLimiter counts requests per client in process
func NewMemoryLimiter(max int, window time.Duration) Limiter {
	return &memoryLimiter{
		max:     max,
		window:  window,
		clients: make(map[string]*windowCount),
		now:     time.Now,
	}
}

func (l *memoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wc, ok := l.clients[key]
	if !ok || now.Sub(wc.start) >= l.window {
		if len(l.clients) > 10000 {
			l.prune(now)
		}
		l.clients[key] = &windowCount{start: now, count: 1}
		return true, nil
	}
	wc.count++
	return wc.count <= l.max, nil
}

// prune drops clients whose window has closed
func (l *memoryLimiter) prune(now time.Time) {
	for key, wc := range l.clients {
		if now.Sub(wc.start) >= l.window {
			delete(l.clients, key)
		}
	}
}
