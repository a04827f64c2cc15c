// Package money provides fixed-point helpers for credit amounts.
//
// Amounts carry 2 fractional digits. They are held as decimal.Decimal end to
// end (JSON, SQL NUMERIC, arithmetic) so no float ever touches a balance.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every stored amount carries.
const Places = 2

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrTooManyDecimal = errors.New("amount has more than 2 decimal places")
)

// Tolerance is the slack allowed when comparing refund totals (one cent).
var Tolerance = decimal.New(1, -Places)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "49.99") to an amount.
//
// Rules:
//   - Empty string is invalid
//   - More than 2 fractional digits are rejected, not rounded
//   - Sign is preserved; callers decide whether negatives are allowed
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.Equal(d.Round(Places)) {
		return decimal.Zero, ErrTooManyDecimal
	}
	return d.Round(Places), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: " + err.Error() + ": " + s)
	}
	return d
}

// Round rounds half away from zero to 2 places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Format renders an amount with exactly 2 fractional digits ("150.01").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Positive reports whether d is a usable payment amount: > 0 and at most 2 places.
func Positive(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(Places))
}

// Covers reports whether got reaches want within Tolerance.
func Covers(got, want decimal.Decimal) bool {
	return got.GreaterThanOrEqual(want.Sub(Tolerance))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Percent returns pct percent of d, rounded to 2 places.
func Percent(d decimal.Decimal, pct int64) decimal.Decimal {
	return Round(d.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100)))
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
