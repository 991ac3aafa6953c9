package domain

import (
	"fmt"
	"time"
)

// PaymentKind discriminates the two payment models for a work slice.
type PaymentKind string

const (
	// PaymentHourly pays Amount pence per hour worked.
	PaymentHourly PaymentKind = "hourly"
	// PaymentFlat pays Amount pence regardless of duration.
	PaymentFlat PaymentKind = "flat"
)

// Payment is the payment terms of a work slice: an hourly rate or a flat
// amount. Immutable; changing terms means replacing the whole value.
type Payment struct {
	Kind   PaymentKind `json:"kind" yaml:"kind"`
	Amount Money       `json:"amount" yaml:"amount"`
}

// Hourly returns payment terms of rate pence per hour.
func Hourly(rate Money) Payment {
	return Payment{Kind: PaymentHourly, Amount: rate}
}

// Flat returns fixed payment terms of amount pence.
func Flat(amount Money) Payment {
	return Payment{Kind: PaymentFlat, Amount: amount}
}

// Valid reports whether the payment has a known kind.
func (p Payment) Valid() bool {
	return p.Kind == PaymentHourly || p.Kind == PaymentFlat
}

// Owed returns the amount earned over the given duration. Hourly terms
// pro-rate by the second and truncate to whole pence; flat terms ignore
// the duration entirely.
func (p Payment) Owed(d time.Duration) Money {
	switch p.Kind {
	case PaymentHourly:
		if d < 0 {
			d = 0
		}
		return Money(int64(p.Amount) * int64(d/time.Second) / 3600)
	case PaymentFlat:
		return p.Amount
	default:
		return 0
	}
}

func (p Payment) String() string {
	if p.Kind == PaymentHourly {
		return fmt.Sprintf("%s/hour", p.Amount)
	}
	return fmt.Sprintf("%s flat", p.Amount)
}
