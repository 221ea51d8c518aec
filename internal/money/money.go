// Package money holds the fixed-point currency helpers. Amounts are
// shopspring decimals everywhere; float64 never touches a price.
package money

import (
	"github.com/shopspring/decimal"

	"shopcore/internal/apperr"
)

// Zero is the additive identity with two decimal places.
func Zero() decimal.Decimal {
	return decimal.New(0, -2)
}

// Line computes unit price times quantity exactly.
func Line(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// Sum adds amounts without rounding drift.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := Zero()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Parse accepts a decimal string such as "10.00". Anything that does not
// parse, or a negative amount, is a validation error.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, apperr.Wrap(apperr.KindValidation, "InvalidAmount", "amount is not a valid decimal", err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, apperr.New(apperr.KindValidation, "InvalidAmount", "amount must not be negative")
	}
	return d, nil
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}
