package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("amount: invalid amount")

// ToBase scales a decimal string such as "9.9" by 10^decimals.
// Fractional digits beyond the asset precision are rejected rather than rounded.
func ToBase(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return DecimalToBase(d, decimals)
}

func DecimalToBase(d decimal.Decimal, decimals int32) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("%w: negative decimals", ErrInvalidAmount)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, d, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBase renders base units as a decimal with the given precision.
func FromBase(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// String renders base units as a trimmed decimal string.
func String(v *big.Int, decimals int32) string {
	return FromBase(v, decimals).String()
}
