package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits an amount may carry.
const MoneyScale = 2

// ParseMoney parses a decimal string such as "12.50" into an exact amount.
// Malformed input is a ValidationError on the "amount" field.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("%q is not a decimal amount", s)}
	}
	if !HasMoneyScale(d) {
		return decimal.Zero, &ValidationError{Field: "amount", Message: "at most two fractional digits allowed"}
	}
	return d, nil
}

// MustMoney is ParseMoney for literals known to be valid.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// HasMoneyScale reports whether d has at most MoneyScale fractional digits.
func HasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}
