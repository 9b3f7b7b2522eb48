package postgres

import (
	"testing"
	"time"

	"github.com/bardlex/gompsolo/internal/validation"
)

func TestBlockFromValidation(t *testing.T) {
	found := time.Unix(1_700_000_000, 0)
	b := BlockFromValidation(validation.Block{
		Hash:     "00ab",
		Header:   "0011",
		User:     "alice",
		JobID:    "job-1",
		Accepted: true,
		FoundAt:  found,
	})

	if b.Hash != "00ab" || b.Header != "0011" || b.Username != "alice" || b.JobID != "job-1" || !b.Accepted {
		t.Errorf("BlockFromValidation() = %+v", b)
	}
	if !b.FoundAt.Equal(found) {
		t.Errorf("FoundAt = %v, want %v", b.FoundAt, found)
	}
	if b.ID != 0 {
		t.Errorf("ID = %d, want 0 before insert", b.ID)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("postgres://pool@localhost/pool?sslmode=disable")
	if cfg.URL == "" || cfg.MaxOpenConns < cfg.MaxIdleConns || cfg.MaxLifetime <= 0 {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}
