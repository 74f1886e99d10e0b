// Package money converts provider amounts into integer minor units.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultExponent is used for currencies missing from the exponent table.
const DefaultExponent = 2

// ISO 4217 minor-unit exponents that differ from the default.
var exponents = map[string]int{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"CLF": 4, "UYW": 4,
}

var (
	// ErrInexact means the amount has more fractional digits than the currency allows.
	ErrInexact = errors.New("amount is not representable in minor units")
	// ErrOverflow means the amount does not fit in int64 minor units.
	ErrOverflow = errors.New("amount overflows minor units")
)

// Exponent returns the minor-unit exponent for an ISO 4217 currency code.
func Exponent(currency string) int {
	if exp, ok := exponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return DefaultExponent
}

// ToMinor parses a decimal amount string ("12.34", "-0.5", "1e2") and shifts it
// by exponent into integer minor units.
func ToMinor(amount string, exponent int) (int64, error) {
	raw := strings.TrimSpace(amount)
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}
	raw = strings.ReplaceAll(raw, ",", "")
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return DecimalToMinor(d, exponent)
}

// DecimalToMinor shifts d by exponent, refusing to round.
func DecimalToMinor(d decimal.Decimal, exponent int) (int64, error) {
	if exponent < 0 {
		return 0, fmt.Errorf("negative currency exponent %d", exponent)
	}
	shifted := d.Shift(int32(exponent))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%s with exponent %d: %w", d.String(), exponent, ErrInexact)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrOverflow)
	}
	return shifted.IntPart(), nil
}

// Format renders minor units as a decimal string, e.g. -500 with exponent 2 is "-5.00".
func Format(minor int64, exponent int) string {
	return decimal.New(minor, -int32(exponent)).StringFixed(int32(exponent))
}
