// Package validation rebuilds submitted block headers and checks them against
// job targets.
package validation

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/bardlex/gompsolo/pkg/errors"
)

// ReservedBytes is the size of the template tail overwritten by a share
const ReservedBytes = 8

// ShareValidator handles validation of mining shares
type ShareValidator struct {
	extraNonceSize int
}

// Result is the outcome of a proof-of-work check
type Result struct {
	Header    []byte
	HeaderHex string
	Hash      string
	Valid     bool
}

// NewShareValidator creates a validator for sessions whose extra-nonce is
// extraNonceSize bytes wide
func NewShareValidator(extraNonceSize int) *ShareValidator {
	return &ShareValidator{extraNonceSize: extraNonceSize}
}

// ExtraNonceSize returns the configured extra-nonce width in bytes
func (v *ShareValidator) ExtraNonceSize() int {
	return v.extraNonceSize
}

// FormatExtraNonce renders an extra-nonce as zero-padded hex of the configured width
func (v *ShareValidator) FormatExtraNonce(extraNonce uint64) string {
	return FormatExtraNonce(extraNonce, v.extraNonceSize)
}

// FormatExtraNonce renders extraNonce as size*2 lowercase hex digits
func FormatExtraNonce(extraNonce uint64, size int) string {
	return fmt.Sprintf("%0*x", size*2, extraNonce)
}

// Validate rebuilds the header for a share and compares its hash with the
// job target. An error means the share could not be decoded; callers count
// it as an invalid share.
func (v *ShareValidator) Validate(job *Job, extraNonce uint64, extraNonce2, nonce string) (*Result, error) {
	if err := v.validateJob(job); err != nil {
		return nil, err
	}

	header, err := v.ReconstructHeader(job.HeaderHex, extraNonce, extraNonce2, nonce)
	if err != nil {
		return nil, err
	}

	hash := HashHeader(header)
	return &Result{
		Header:    header,
		HeaderHex: hex.EncodeToString(header),
		Hash:      hash,
		Valid:     MeetsTarget(hash, job.Target),
	}, nil
}

// validateJob checks the fields the header rebuild depends on
func (v *ShareValidator) validateJob(job *Job) error {
	if job == nil {
		return errors.New(errors.ErrorTypeJobNotFound, "validate_share", "job is nil")
	}
	if len(job.Target) != 64 {
		return errors.New(errors.ErrorTypeValidation, "validate_share", "target must be 64 hex digits").
			WithContext("job_id", job.ID)
	}
	return nil
}

// ReconstructHeader replaces the reserved tail of the template with the
// session extra-nonce followed by the miner's extraNonce2 and nonce.
func (v *ShareValidator) ReconstructHeader(templateHex string, extraNonce uint64, extraNonce2, nonce string) ([]byte, error) {
	template, err := decodeField("header template", templateHex)
	if err != nil {
		return nil, err
	}
	if len(template) < ReservedBytes {
		return nil, errors.New(errors.ErrorTypeValidation, "reconstruct_header",
			"header template shorter than reserved tail").
			WithContext("length", len(template))
	}

	en, err := decodeField("extra nonce", v.FormatExtraNonce(extraNonce))
	if err != nil {
		return nil, err
	}
	en2, err := decodeField("extra nonce2", extraNonce2)
	if err != nil {
		return nil, err
	}
	n, err := decodeField("nonce", nonce)
	if err != nil {
		return nil, err
	}

	prefix := template[:len(template)-ReservedBytes]
	header := make([]byte, 0, len(prefix)+len(en)+len(en2)+len(n))
	header = append(header, prefix...)
	header = append(header, en...)
	header = append(header, en2...)
	header = append(header, n...)
	return header, nil
}

// HashHeader returns the sha3-256 digest of header as lowercase hex
func HashHeader(header []byte) string {
	sum := sha3.Sum256(header)
	return hex.EncodeToString(sum[:])
}

// MeetsTarget reports whether hash is strictly below target. Both are
// equal-width zero-padded big-endian hex strings, so lexical order matches
// numeric order.
func MeetsTarget(hash, target string) bool {
	return hash < target
}

func decodeField(name, value string) ([]byte, error) {
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_share",
			fmt.Sprintf("%s is not valid hex", name))
	}
	return b, nil
}
