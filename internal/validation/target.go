package validation

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// MaxTarget is the clamp value for targets that overflow 256 bits
var MaxTarget = strings.Repeat("f", 64)

// CompactToTarget expands compact difficulty bits into a 64-digit hex target.
// The top byte is a base-256 exponent and the low 24 bits an unsigned
// mantissa, so target = mantissa * 256^(exponent-3). Results wider than 256
// bits clamp to MaxTarget.
func CompactToTarget(bits uint32) string {
	exponent := int(bits >> 24)
	mantissa := new(big.Int).SetUint64(uint64(bits & 0x00ffffff))

	if exponent >= 3 {
		mantissa.Lsh(mantissa, uint(8*(exponent-3)))
	} else {
		mantissa.Rsh(mantissa, uint(8*(3-exponent)))
	}

	if mantissa.BitLen() > 256 {
		return MaxTarget
	}
	return fmt.Sprintf("%064x", mantissa)
}

// ParseCompactHex parses compact bits written as hex, with or without 0x
func ParseCompactHex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid compact bits %q: %w", s, err)
	}
	return uint32(v), nil
}
