// Package money provides decimal amount parsing and validation shared by the
// ledger, offer and trade packages.
//
// Amounts are carried as decimal.Decimal and stored as NUMERIC(30,8). Anything
// finer than Scale decimal places is rejected rather than rounded, so a caller
// never locks a different amount than it asked for.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the maximum number of fractional digits accepted.
const Scale = 8

var (
	ErrInvalid   = errors.New("invalid amount")
	ErrNegative  = errors.New("amount must not be negative")
	ErrZero      = errors.New("amount must be positive")
	ErrPrecision = errors.New("amount has too many decimal places")
)

// Parse converts a decimal string (e.g. "1.50") into a Decimal.
//
// Rules:
//   - Empty string is invalid
//   - Negative amounts are rejected
//   - Exponent notation is rejected
//   - More than Scale fractional digits are rejected
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE") {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	if -d.Exponent() > Scale && !d.Equal(d.Truncate(Scale)) {
		return decimal.Zero, ErrPrecision
	}
	return d, nil
}

// ParsePositive is Parse that additionally rejects zero.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrZero
	}
	return d, nil
}

// Validate checks an already-decoded amount against the same rules as
// ParsePositive.
func Validate(d decimal.Decimal) error {
	if d.IsNegative() {
		return ErrNegative
	}
	if !d.IsPositive() {
		return ErrZero
	}
	if !d.Equal(d.Truncate(Scale)) {
		return ErrPrecision
	}
	return nil
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
