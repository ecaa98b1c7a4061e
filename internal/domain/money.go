package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value in a specific currency.
// Amount is stored as BIGINT micros (10^-6) to avoid floating point errors.
type Money struct {
	Amount   int64  // micros
	Currency string // ISO 4217
}

// NewMoney creates a new Money instance from micros.
func NewMoney(amount int64, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// ToDecimal converts the int64 micros to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Amount).Div(decimal.NewFromInt(1_000_000))
}

// FromDecimal converts a decimal.Decimal to int64 micros, truncating
// sub-micro precision.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(1_000_000)).IntPart()
}

// ApplyRate converts a destination-denominated amount into source units:
// the debit side of a transfer is amount × rate, where rate is the number
// of source units per destination unit.
func ApplyRate(amountMicros int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountMicros).Mul(rate).IntPart()
}

// UnapplyRate inverts ApplyRate: the credit side of a transfer is
// withdrawalAmount ÷ rate, computed at RateDivisionScale then truncated
// to micros.
func UnapplyRate(amountMicros int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountMicros).DivRound(rate, RateDivisionScale).IntPart()
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToDecimal().StringFixed(2), m.Currency)
}
