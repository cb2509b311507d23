// Package money provides shared amount parsing, rounding and formatting.
//
// All amounts are single-currency decimals with two fractional digits.
// Values are carried as decimal.Decimal internally and as fixed-point
// strings ("10000.00") on the wire and in storage.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for every amount.
const Places = 2

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "99.5") to an amount rounded to
// Places. Returns (Zero, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than Places fractional digits are rejected rather than silently rounded
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if !d.Equal(d.Round(Places)) {
		return decimal.Zero, false
	}
	return d.Round(Places), true
}

// ParsePositive is Parse that additionally requires the amount to be > 0.
func ParsePositive(s string) (decimal.Decimal, bool) {
	d, ok := Parse(s)
	if !ok || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Format renders an amount with exactly Places fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Round rounds half away from zero to Places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Fee returns round(amount × rate, Places).
func Fee(amount, rate decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(rate))
}

// ParseRate parses a fractional rate such as "0.03". Rates must lie in [0, 1).
func ParseRate(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, false
	}
	return d, true
}
