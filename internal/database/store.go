package database

import (
	"context"
	"fmt"

	"github.com/bardlex/gompsolo/internal/database/postgres"
	"github.com/bardlex/gompsolo/internal/database/sqlite"
	"github.com/bardlex/gompsolo/internal/validation"
)

// Store backends
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// ShareStore is the persistent share log
type ShareStore interface {
	Insert(ctx context.Context, share validation.Share) (int64, error)
	All(ctx context.Context) ([]validation.Share, error)
	Health(ctx context.Context) error
	Close() error
}

// blockRecorder is implemented by stores that also archive blocks
type blockRecorder interface {
	RecordBlock(ctx context.Context, block validation.Block) error
}

// OpenStore opens the configured share store backend
func OpenStore(ctx context.Context, kind, sqlitePath, postgresURL string) (ShareStore, error) {
	switch kind {
	case StoreSQLite, "":
		return sqlite.Open(sqlitePath)
	case StorePostgres:
		return postgres.Open(ctx, postgres.DefaultConfig(postgresURL))
	default:
		return nil, fmt.Errorf("unknown share store %q", kind)
	}
}
