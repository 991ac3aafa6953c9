package domain

import "fmt"

// Money is an exact amount in the smallest currency unit (pence).
// Signed so that adjustments and reversals can be represented.
type Money int64

// Pence returns the raw amount.
func (m Money) Pence() int64 { return int64(m) }

// Format renders the amount with the given currency symbol, e.g. "£12.34".
func (m Money) Format(symbol string) string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%s%d.%02d", sign, symbol, m/100, m%100)
}

func (m Money) String() string { return m.Format("£") }
