package settlement

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// bpsDenominator is the basis point scale: 10000 bps = 100%.
const bpsDenominator = 10_000

// Amount is a non-negative fixed-width integer quantity of an asset. The zero
// value is a valid zero amount. All arithmetic is checked and fails with
// ErrArithmetic instead of wrapping.
type Amount struct {
	v uint256.Int
}

// NewAmount returns an Amount holding n base units.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ParseAmount parses a base-10 integer string. Signs, fractions and exponents
// are rejected.
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	if trimmed[0] == '+' || trimmed[0] == '-' {
		return Amount{}, fmt.Errorf("%w: %q must be an unsigned integer", ErrInvalidAmount, raw)
	}
	parsed, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	return Amount{v: *parsed}, nil
}

// MustParseAmount is ParseAmount for constants; it panics on malformed input.
func MustParseAmount(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromBig converts a big.Int, rejecting negative values and values that do
// not fit in 256 bits.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}
	converted, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, fmt.Errorf("%w: amount exceeds 256 bits", ErrArithmetic)
	}
	return Amount{v: *converted}, nil
}

// AmountFromBytes32 decodes the big-endian encoding produced by Bytes32.
func AmountFromBytes32(b [32]byte) Amount {
	var a Amount
	a.v.SetBytes32(b[:])
	return a
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Add returns a+b or ErrArithmetic on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, fmt.Errorf("%w: %s + %s overflows", ErrArithmetic, a, b)
	}
	return out, nil
}

// Sub returns a-b or ErrArithmetic when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, fmt.Errorf("%w: %s - %s underflows", ErrArithmetic, a, b)
	}
	return out, nil
}

// MulDiv returns a*num/den truncated toward zero. The intermediate product is
// computed at 512 bits so only a final result wider than 256 bits fails.
func (a Amount) MulDiv(num, den Amount) (Amount, error) {
	if den.IsZero() {
		return Amount{}, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	var out Amount
	if _, overflow := out.v.MulDivOverflow(&a.v, &num.v, &den.v); overflow {
		return Amount{}, fmt.Errorf("%w: %s * %s / %s overflows", ErrArithmetic, a, num, den)
	}
	return out, nil
}

// Uint64 returns the amount as uint64 when it fits.
func (a Amount) Uint64() (uint64, bool) {
	if !a.v.IsUint64() {
		return 0, false
	}
	return a.v.Uint64(), true
}

// Big returns a fresh big.Int copy of the amount.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Bytes32 returns the 32-byte big-endian encoding.
func (a Amount) Bytes32() [32]byte { return a.v.Bytes32() }

// String renders the amount in base 10.
func (a Amount) String() string { return a.v.Dec() }

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalJSON encodes the amount as a decimal string so values above 2^53 survive
// JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

// UnmarshalJSON accepts either a decimal string or a bare JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		var number json.Number
		if numErr := json.Unmarshal(data, &number); numErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
		}
		text = number.String()
	}
	return a.UnmarshalText([]byte(text))
}

// MaxAmount returns the larger of a and b.
func MaxAmount(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
