package postgres

import (
	"context"

	"github.com/bardlex/gompsolo/internal/validation"
)

// Store is the pool's share log on PostgreSQL
type Store struct {
	*Client
	Shares *ShareRepository
	Blocks *BlockRepository
}

// Open connects and returns a share log
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		Client: client,
		Shares: NewShareRepository(client.DB()),
		Blocks: NewBlockRepository(client.DB()),
	}, nil
}

// Insert stores a share
func (s *Store) Insert(ctx context.Context, share validation.Share) (int64, error) {
	return s.Shares.Insert(ctx, share)
}

// All returns every stored share
func (s *Store) All(ctx context.Context) ([]validation.Share, error) {
	return s.Shares.All(ctx)
}

// RecordBlock archives a block submission
func (s *Store) RecordBlock(ctx context.Context, block validation.Block) error {
	return s.Blocks.CreateBlock(ctx, BlockFromValidation(block))
}
