package validation

import (
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
)

func TestCompactToTarget(t *testing.T) {
	tests := []struct {
		name     string
		bits     uint32
		expected string
	}{
		{
			name:     "testnet maximum",
			bits:     0x2000ffff,
			expected: "00ffff" + strings.Repeat("0", 58),
		},
		{
			name:     "bitcoin difficulty one",
			bits:     0x1d00ffff,
			expected: "00000000ffff" + strings.Repeat("0", 52),
		},
		{
			name:     "exactly 256 bits",
			bits:     0x2100ffff,
			expected: "ffff" + strings.Repeat("0", 60),
		},
		{
			name:     "overflowing exponent clamps",
			bits:     0x2200ffff,
			expected: MaxTarget,
		},
		{
			name:     "one bit past 256 clamps",
			bits:     0x2101ffff,
			expected: MaxTarget,
		},
		{
			name:     "exponent three is the bare mantissa",
			bits:     0x03000001,
			expected: strings.Repeat("0", 63) + "1",
		},
		{
			name:     "small exponent shifts right",
			bits:     0x02008000,
			expected: strings.Repeat("0", 62) + "80",
		},
		{
			name:     "zero mantissa",
			bits:     0x1d000000,
			expected: strings.Repeat("0", 64),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompactToTarget(tt.bits)
			if got != tt.expected {
				t.Errorf("CompactToTarget(%08x) = %s, want %s", tt.bits, got, tt.expected)
			}
			if len(got) != 64 {
				t.Errorf("target length = %d, want 64", len(got))
			}
		})
	}
}

func TestCompactToTarget_MatchesBtcd(t *testing.T) {
	// Mantissas without the sign bit, where both encodings agree.
	for _, bits := range []uint32{0x1d00ffff, 0x1b0404cb, 0x207fffff, 0x1a05db8b, 0x03123456, 0x04123456} {
		want := fmt.Sprintf("%064x", blockchain.CompactToBig(bits))
		if got := CompactToTarget(bits); got != want {
			t.Errorf("CompactToTarget(%08x) = %s, btcd = %s", bits, got, want)
		}
	}
}

func TestParseCompactHex(t *testing.T) {
	tests := []struct {
		input   string
		want    uint32
		wantErr bool
	}{
		{"1d00ffff", 0x1d00ffff, false},
		{"0x2000FFFF", 0x2000ffff, false},
		{" 207fffff ", 0x207fffff, false},
		{"zz", 0, true},
		{"1ffffffff", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactHex(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCompactHex(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCompactHex(%q) = %08x, want %08x", tt.input, got, tt.want)
			}
		})
	}
}
