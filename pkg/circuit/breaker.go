// Package circuit provides a circuit breaker guarding the pool's outbound
// dependencies (node RPC, share store, broker).
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gompsolo/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported in rejection errors and state hooks
	MaxFailures     int           // Maximum failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // How long to wait before going to half-open
	ResetTimeout    time.Duration // How long to reset failure count in closed state

	// OnStateChange, when set, is called after every transition. It runs
	// outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// NodeConfig returns a breaker configuration for node RPC. It opens faster
// than the default since every stalled call holds a miner response.
func NodeConfig() *Config {
	return &Config{
		Name:            "node",
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

type transition struct {
	from, to State
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allowRequest() {
		return zero, cb.rejection()
	}

	result, err := fn()
	cb.recordResult(err)

	return result, err
}

// rejection is returned while the circuit is open. It is never retryable so
// callers fall through to their degraded path instead of spinning.
func (cb *Breaker) rejection() *errors.ServiceError {
	err := errors.New(errors.ErrorTypeUpstream, "circuit_breaker", "circuit breaker is open").
		WithContext("breaker", cb.config.Name).
		WithContext("state", cb.GetState().String())
	err.Retryable = false
	return err
}

func (cb *Breaker) setState(to State) *transition {
	if cb.state == to {
		return nil
	}
	t := &transition{from: cb.state, to: to}
	cb.state = to
	return t
}

func (cb *Breaker) notify(t *transition) {
	if t != nil && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, t.from, t.to)
	}
}

// allowRequest determines if a request should be allowed based on current state
func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()

	var changed *transition
	allowed := false
	now := time.Now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			changed = cb.setState(StateHalfOpen)
			cb.successes = 0
			allowed = true
		}

	case StateHalfOpen:
		allowed = true
	}

	cb.mutex.Unlock()
	cb.notify(changed)
	return allowed
}

// recordResult records the result of a function execution
func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()

	var changed *transition
	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		if (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) || cb.state == StateHalfOpen {
			changed = cb.setState(StateOpen)
			cb.successes = 0
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			changed = cb.setState(StateClosed)
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = time.Now()
		}
	}

	cb.mutex.Unlock()
	cb.notify(changed)
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	changed := cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = time.Now()
	cb.mutex.Unlock()
	cb.notify(changed)
}
