package pool

import (
	"math"
	"sync"
	"time"

	"github.com/bardlex/gompsolo/internal/validation"
)

const (
	// ratioHistory is the moving-average window of the retarget loop
	ratioHistory = 5
	// minDifficulty is the solo-pool floor
	minDifficulty = 1.0
)

// DifficultyConfig tunes the retarget loop
type DifficultyConfig struct {
	// Interval is both the number of submissions between adjustments and the
	// size of the share window examined
	Interval   int
	TargetTime time.Duration
	Initial    float64
	// Variance bounds one cycle's ratio to [1-Variance, 1+Variance]
	Variance float64
}

// Adjustment describes one completed retarget
type Adjustment struct {
	Previous     float64
	Current      float64
	RawRatio     float64
	AvgRatio     float64
	ObservedRate float64
	TargetRate   float64
	ValidShares  int
}

// DifficultyEngine keeps the pool difficulty and the recent share window
type DifficultyEngine struct {
	mu      sync.Mutex
	cfg     DifficultyConfig
	current float64
	shares  *ring[validation.Share]
	ratios  *ring[float64]
	counter int
}

// NewDifficultyEngine creates an engine starting at cfg.Initial
func NewDifficultyEngine(cfg DifficultyConfig) *DifficultyEngine {
	if cfg.Interval < 1 {
		cfg.Interval = 1
	}
	return &DifficultyEngine{
		cfg:     cfg,
		current: max(minDifficulty, cfg.Initial),
		shares:  newRing[validation.Share](cfg.Interval),
		ratios:  newRing[float64](ratioHistory),
	}
}

// Current returns the pool difficulty
func (e *DifficultyEngine) Current() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// RecordShare appends a share to the window. Only the most recent Interval
// shares are kept.
func (e *DifficultyEngine) RecordShare(s validation.Share) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shares.push(s)
}

// Tick counts one submission and reports whether an adjustment is due.
// The counter resets when it reaches the interval.
func (e *DifficultyEngine) Tick() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counter++
	if e.counter >= e.cfg.Interval {
		e.counter = 0
		return true
	}
	return false
}

// Shares returns the share window oldest first
func (e *DifficultyEngine) Shares() []validation.Share {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shares.slice()
}

// Adjust recomputes the difficulty from the share window. It reports false
// and leaves all state untouched when the window is not full or holds fewer
// than two valid shares.
func (e *DifficultyEngine) Adjust() (Adjustment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shares.len() < e.shares.capacity() {
		return Adjustment{}, false
	}

	var valid []time.Time
	for _, s := range e.shares.slice() {
		if s.Valid {
			valid = append(valid, s.Timestamp)
		}
	}
	if len(valid) < 2 {
		return Adjustment{}, false
	}

	// shares with identical timestamps read as an unbounded rate, which the
	// clamp turns into the largest allowed decrease
	observed := math.Inf(1)
	if window := valid[len(valid)-1].Sub(valid[0]).Seconds(); window > 0 {
		observed = float64(len(valid)-1) / window
	}
	target := 1.0
	if secs := e.cfg.TargetTime.Seconds(); secs > 0 {
		target = 1 / secs
	}

	raw := target / observed
	clamped := min(max(raw, 1-e.cfg.Variance), 1+e.cfg.Variance)
	e.ratios.push(clamped)

	var sum float64
	history := e.ratios.slice()
	for _, r := range history {
		sum += r
	}
	avg := sum / float64(len(history))

	adj := Adjustment{
		Previous:     e.current,
		RawRatio:     raw,
		AvgRatio:     avg,
		ObservedRate: observed,
		TargetRate:   target,
		ValidShares:  len(valid),
	}
	e.current = max(minDifficulty, e.current*avg)
	adj.Current = e.current
	return adj, true
}

// Set overwrites the difficulty, applying the floor, and returns the value
// stored
func (e *DifficultyEngine) Set(d float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if math.IsNaN(d) || math.IsInf(d, 0) || d < minDifficulty {
		d = minDifficulty
	}
	e.current = d
	return e.current
}
