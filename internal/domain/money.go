package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the ledger's native currency.
const DefaultCurrency = "HBAR"

// Money is an exact decimal amount in a named currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney builds a Money, defaulting the currency to HBAR.
func NewMoney(amount decimal.Decimal, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: amount, Currency: currency}
}

// HBAR is shorthand for an HBAR amount parsed from a decimal string. It
// panics on malformed input and is meant for constants and tests.
func HBAR(amount string) Money {
	return Money{Amount: decimal.RequireFromString(amount), Currency: DefaultCurrency}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// SameCurrency reports whether both values share a currency.
func (m Money) SameCurrency(o Money) bool {
	return m.Currency == o.Currency
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.String(), m.Currency)
}
