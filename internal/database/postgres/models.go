package postgres

import (
	"time"

	"github.com/bardlex/gompsolo/internal/validation"
)

// Block is an archived block submission
type Block struct {
	ID       int64     `db:"id"`
	Hash     string    `db:"hash"`
	Header   string    `db:"header"`
	Username string    `db:"username"`
	JobID    string    `db:"job_id"`
	Accepted bool      `db:"accepted"`
	FoundAt  time.Time `db:"found_at"`
}

// BlockFromValidation converts a pool block record
func BlockFromValidation(b validation.Block) *Block {
	return &Block{
		Hash:     b.Hash,
		Header:   b.Header,
		Username: b.User,
		JobID:    b.JobID,
		Accepted: b.Accepted,
		FoundAt:  b.FoundAt,
	}
}

// UserShareStats aggregates one user's shares
type UserShareStats struct {
	Username      string     `db:"username"`
	ValidShares   int64      `db:"valid_shares"`
	InvalidShares int64      `db:"invalid_shares"`
	LastShareAt   *time.Time `db:"last_share_at"`
}
