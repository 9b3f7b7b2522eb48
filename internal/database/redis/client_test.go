package redis

import (
	"testing"
	"time"
)

func TestConfigFromURL(t *testing.T) {
	tests := []struct {
		url      string
		wantAddr string
		wantDB   int
		wantPass string
		wantErr  bool
	}{
		{"redis://localhost:6379/0", "localhost:6379", 0, "", false},
		{"redis://:secret@cache:6380/2", "cache:6380", 2, "secret", false},
		{"http://localhost", "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg, err := ConfigFromURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConfigFromURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Addr != tt.wantAddr || cfg.DB != tt.wantDB || cfg.Password != tt.wantPass {
				t.Errorf("ConfigFromURL() = %+v", cfg)
			}
			if cfg.DialTimeout != 5*time.Second {
				t.Errorf("DialTimeout = %v", cfg.DialTimeout)
			}
		})
	}
}

func TestShareCounterKey(t *testing.T) {
	if got := shareCounterKey("alice", true); got != "shares:alice:valid" {
		t.Errorf("valid key = %q", got)
	}
	if got := shareCounterKey("alice", false); got != "shares:alice:invalid" {
		t.Errorf("invalid key = %q", got)
	}
}

func TestParseCounter(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{"42", 42},
		{nil, 0},
		{"x", 0},
		{int64(3), 0},
	}
	for _, tt := range tests {
		if got := parseCounter(tt.in); got != tt.want {
			t.Errorf("parseCounter(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAverageSamples(t *testing.T) {
	tests := []struct {
		name    string
		members []string
		want    float64
	}{
		{"empty", nil, 0},
		{"single", []string{"1:100"}, 100},
		{"mean", []string{"1:100", "2:300"}, 200},
		{"malformed skipped", []string{"1:100", "garbage", "3:abc", "4:200"}, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageSamples(tt.members); got != tt.want {
				t.Errorf("averageSamples() = %v, want %v", got, tt.want)
			}
		})
	}
}
