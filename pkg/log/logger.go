// Package log provides structured logging utilities for the solo pool.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const (
	// RequestIDKey is the context key carrying a stratum request id
	RequestIDKey ctxKey = "request_id"
	// SessionIDKey is the context key carrying a miner session id
	SessionIDKey ctxKey = "session_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a textual level to a slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new logger with the specified configuration. Records go to
// stdout unless outputs are given, in which case they are written to all of them.
func New(service, version, level, format string, outputs ...io.Writer) *Logger {
	var out io.Writer = os.Stdout
	switch len(outputs) {
	case 0:
	case 1:
		out = outputs[0]
	default:
		out = io.MultiWriter(outputs...)
	}

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops every record, for tests
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if sessionID := ctx.Value(SessionIDKey); sessionID != nil {
		logger = logger.With("session_id", sessionID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithSession returns a logger scoped to one miner connection
func (l *Logger) WithSession(sessionID, remoteAddr string) *Logger {
	return l.WithFields("session_id", sessionID, "remote_addr", remoteAddr)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(user, jobID string, valid bool, hashrate float64) {
	l.Info("share submission",
		"user", user,
		"job_id", jobID,
		"valid", valid,
		"hashrate", hashrate,
	)
}

// LogBlockFound logs when a share meets the network target
func (l *Logger) LogBlockFound(blockHash, user, jobID string, accepted bool) {
	l.Info("block found",
		"block_hash", blockHash,
		"user", user,
		"job_id", jobID,
		"accepted", accepted,
	)
}

// LogJobIssued logs a freshly issued job
func (l *Logger) LogJobIssued(jobID, bits string, clean bool) {
	l.Debug("job issued",
		"job_id", jobID,
		"bits", bits,
		"clean_jobs", clean,
	)
}

// LogJobDistribution logs a work broadcast
func (l *Logger) LogJobDistribution(clean bool, minerCount int) {
	l.Info("job distributed",
		"clean_jobs", clean,
		"miner_count", minerCount,
	)
}

// LogDifficultyChange logs a retarget of the pool difficulty
func (l *Logger) LogDifficultyChange(previous, current float64, minerCount int) {
	l.Info("difficulty adjusted",
		"previous", previous,
		"current", current,
		"miner_count", minerCount,
	)
}
