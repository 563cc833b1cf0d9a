// Package money handles wallet amounts in minor currency units (paise).
// Storing int64 paise avoids floating-point drift in the ledger; decimal
// strings only appear at the parse/format boundary.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in minor units (1/100 of a rupee).
type Amount = int64

// Parse errors.
var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrTooManyDigits  = errors.New("amount has more than 2 decimal places")
	ErrNotPositive    = errors.New("amount must be positive")
	ErrAmountOverflow = errors.New("amount out of range")
)

var hundred = decimal.NewFromInt(100)

// Parse converts a user-entered decimal string into minor units.
// At most two decimal places are accepted.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.Exponent() < -2 {
		return 0, ErrTooManyDigits
	}
	minor := d.Mul(hundred)
	if !minor.IsInteger() {
		return 0, ErrTooManyDigits
	}
	if !minor.BigInt().IsInt64() {
		return 0, ErrAmountOverflow
	}
	return minor.IntPart(), nil
}

// ParsePositive is Parse restricted to strictly positive amounts.
func ParsePositive(s string) (Amount, error) {
	a, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if a <= 0 {
		return 0, ErrNotPositive
	}
	return a, nil
}

// Format renders an amount as a currency string with two decimal places.
func Format(a Amount) string {
	d := decimal.NewFromInt(a).Div(hundred)
	return fmt.Sprintf("₹%s", d.StringFixed(2))
}

// Fee computes the platform fee for a trade amount at the given percent.
// The result is truncated to the minor unit, matching display formatting.
// Pure function; callers freeze the result on the deal at creation time.
func Fee(amount Amount, percent int64) Amount {
	if amount <= 0 || percent <= 0 {
		return 0
	}
	return amount * percent / 100
}
