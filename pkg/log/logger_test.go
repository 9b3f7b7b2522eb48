package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gomp-solo", "test", "info", "json", &buf)

	logger.WithSession("abc", "127.0.0.1:1").LogShareSubmission("alice", "00ff", true, 42)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		"service":    "gomp-solo",
		"msg":        "share submission",
		"session_id": "abc",
		"user":       "alice",
		"job_id":     "00ff",
		"valid":      true,
	}
	for k, v := range want {
		if record[k] != v {
			t.Errorf("record[%q] = %v, want %v", k, record[k], v)
		}
	}
}

func TestNew_MultipleOutputs(t *testing.T) {
	var a, b bytes.Buffer
	logger := New("gomp-solo", "test", "info", "text", &a, &b)
	logger.LogConnection("connected", "10.0.0.1:4000")

	if !strings.Contains(a.String(), "connection event") || a.String() != b.String() {
		t.Errorf("expected identical records on both outputs, got %q and %q", a.String(), b.String())
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gomp-solo", "test", "warn", "text", &buf)
	logger.LogJobIssued("01", "1d00ffff", true)

	if buf.Len() != 0 {
		t.Errorf("debug record leaked through warn level: %q", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gomp-solo", "test", "info", "json", &buf)

	ctx := context.WithValue(context.Background(), RequestIDKey, 7)
	logger.WithContext(ctx).Info("handled")

	if !strings.Contains(buf.String(), `"request_id":7`) {
		t.Errorf("expected request_id in output, got %q", buf.String())
	}
}

func TestWithError_Nil(t *testing.T) {
	logger := Discard()
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}
