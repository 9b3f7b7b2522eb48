// Package metrics exposes the pool's Prometheus collectors. Recording is a
// no-op until Enable is called.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var enabled atomic.Bool

// Enable turns recording on
func Enable() { enabled.Store(true) }

// Enabled reports whether recording is on
func Enabled() bool { return enabled.Load() }

// Share and block outcome labels
const (
	StatusValid     = "valid"
	StatusInvalid   = "invalid"
	StatusDuplicate = "duplicate"
	StatusStale     = "stale"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
)

var (
	sharesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solo_shares_total",
			Help: "Total number of shares submitted",
		},
		[]string{"status"},
	)

	blocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solo_blocks_total",
			Help: "Blocks handed to the node by outcome",
		},
		[]string{"status"},
	)

	difficulty = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "solo_pool_difficulty",
			Help: "Current pool difficulty",
		},
	)

	difficultyAdjustments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "solo_difficulty_adjustments_total",
			Help: "Completed difficulty retargets",
		},
	)

	minersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "solo_miners_subscribed",
			Help: "Number of subscribed miner sessions",
		},
	)

	activeConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solo_active_connections",
			Help: "Open miner connections by transport",
		},
		[]string{"transport"},
	)

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solo_connections_total",
			Help: "Miner connections accepted by transport",
		},
		[]string{"transport"},
	)

	jobsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "solo_jobs_issued_total",
			Help: "Jobs sent to miners",
		},
	)

	nodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solo_node_errors_total",
			Help: "Failed node RPC calls by operation",
		},
		[]string{"operation"},
	)

	poolHashrate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "solo_pool_hashrate",
			Help: "Sum of per-session hashrate estimates in H/s",
		},
	)

	persistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solo_persistence_errors_total",
			Help: "Failed writes to share stores and event sinks",
		},
		[]string{"sink"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solo_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(
		sharesTotal,
		blocksTotal,
		difficulty,
		difficultyAdjustments,
		minersConnected,
		activeConns,
		connectionsTotal,
		jobsIssued,
		nodeErrors,
		poolHashrate,
		persistenceErrors,
		breakerState,
	)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordShare counts a share by status
func RecordShare(status string) {
	if !Enabled() {
		return
	}
	sharesTotal.WithLabelValues(status).Inc()
}

// RecordBlock counts a block submission by outcome
func RecordBlock(accepted bool) {
	if !Enabled() {
		return
	}
	status := StatusRejected
	if accepted {
		status = StatusAccepted
	}
	blocksTotal.WithLabelValues(status).Inc()
}

// RecordDifficulty sets the current difficulty
func RecordDifficulty(d float64, adjusted bool) {
	if !Enabled() {
		return
	}
	difficulty.Set(d)
	if adjusted {
		difficultyAdjustments.Inc()
	}
}

// RecordMiners sets the subscribed session count and aggregate hashrate
func RecordMiners(count int, hashrate float64) {
	if !Enabled() {
		return
	}
	minersConnected.Set(float64(count))
	poolHashrate.Set(hashrate)
}

// RecordConnectionAccepted counts a new connection on transport
func RecordConnectionAccepted(transport string) {
	if !Enabled() {
		return
	}
	connectionsTotal.WithLabelValues(transport).Inc()
	activeConns.WithLabelValues(transport).Inc()
}

// RecordConnectionClosed decrements the open connections on transport
func RecordConnectionClosed(transport string) {
	if !Enabled() {
		return
	}
	activeConns.WithLabelValues(transport).Dec()
}

// RecordJobIssued counts one notify
func RecordJobIssued() {
	if !Enabled() {
		return
	}
	jobsIssued.Inc()
}

// RecordNodeError counts a failed node call
func RecordNodeError(operation string) {
	if !Enabled() {
		return
	}
	nodeErrors.WithLabelValues(operation).Inc()
}

// RecordPersistenceError counts a failed write to sink
func RecordPersistenceError(sink string) {
	if !Enabled() {
		return
	}
	persistenceErrors.WithLabelValues(sink).Inc()
}

// RecordBreakerState sets the state of the named circuit breaker
func RecordBreakerState(name string, state int) {
	if !Enabled() {
		return
	}
	breakerState.WithLabelValues(name).Set(float64(state))
}
