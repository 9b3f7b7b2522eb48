package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bardlex/gompsolo/internal/validation"
)

// ShareRepository handles share persistence
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// Insert stores a share and returns its id
func (r *ShareRepository) Insert(ctx context.Context, share validation.Share) (int64, error) {
	query := `
		INSERT INTO shares (submitted_at, valid, username, job_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		share.Timestamp, share.Valid, share.User, share.JobID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create share: %w", err)
	}
	return id, nil
}

// All returns every stored share ordered by id
func (r *ShareRepository) All(ctx context.Context) ([]validation.Share, error) {
	query := `SELECT id, submitted_at, valid, username, job_id FROM shares ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get shares: %w", err)
	}
	defer rows.Close()

	var shares []validation.Share
	for rows.Next() {
		var s validation.Share
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.Valid, &s.User, &s.JobID); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}
	return shares, nil
}

// StatsByUser aggregates valid and invalid share counts per user
func (r *ShareRepository) StatsByUser(ctx context.Context) ([]*UserShareStats, error) {
	query := `
		SELECT username,
		       COUNT(*) FILTER (WHERE valid) AS valid_shares,
		       COUNT(*) FILTER (WHERE NOT valid) AS invalid_shares,
		       MAX(submitted_at) AS last_share_at
		FROM shares
		GROUP BY username
		ORDER BY username`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get share stats: %w", err)
	}
	defer rows.Close()

	var stats []*UserShareStats
	for rows.Next() {
		s := &UserShareStats{}
		if err := rows.Scan(&s.Username, &s.ValidShares, &s.InvalidShares, &s.LastShareAt); err != nil {
			return nil, fmt.Errorf("failed to scan share stats: %w", err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share stats: %w", err)
	}
	return stats, nil
}

// BlockRepository handles block persistence
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock stores a block submission
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (hash, header, username, job_id, accepted, found_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Hash, block.Header, block.Username, block.JobID, block.Accepted, block.FoundAt,
	).Scan(&block.ID)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

// GetRecentBlocks retrieves the most recent blocks
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT id, hash, header, username, job_id, accepted, found_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b := &Block{}
		if err := rows.Scan(&b.ID, &b.Hash, &b.Header, &b.Username, &b.JobID, &b.Accepted, &b.FoundAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}
