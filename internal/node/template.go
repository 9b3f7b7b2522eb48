// Package node talks to the full node: block templates and block submission
// over JSON-RPC, and new-block notifications over ZMQ.
package node

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gompsolo/internal/validation"
)

// Template is the subset of a node block template the pool mines on
type Template struct {
	// HeaderData is the serialized header, last 8 bytes reserved for the nonce space
	HeaderData string
	// Bits is the compact difficulty as hex
	Bits        string
	IsSynced    bool
	BlockReward uint64
}

// CompactBits parses Bits
func (t *Template) CompactBits() (uint32, error) {
	return validation.ParseCompactHex(t.Bits)
}

// Target returns the 64-digit hex target encoded by Bits
func (t *Template) Target() (string, error) {
	bits, err := t.CompactBits()
	if err != nil {
		return "", err
	}
	return validation.CompactToTarget(bits), nil
}

// RewardCoins converts the block reward from base units to whole coins
func (t *Template) RewardCoins() float64 {
	return btcutil.Amount(t.BlockReward).ToBTC()
}

// Client is the node collaborator used by the pool
type Client interface {
	GetBlockTemplate(ctx context.Context) (*Template, error)
	// SubmitBlock returns the block hash reported by the node. A rejected
	// block is an error.
	SubmitBlock(ctx context.Context, headerHex string) (string, error)
}
