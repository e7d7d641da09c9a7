// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package domain holds the routing core's entities, their invariants and the typed error taxonomy
// shared by the registry, quota guard, wallet ledger and router.
package domain

import (
	"fmt"
	"math"
)

// Money is an amount in microdollars (1 USD = 1_000_000).
type Money int64

// MicrosPerDollar is the number of Money units in one US dollar.
const MicrosPerDollar Money = 1_000_000

// Dollars converts a dollar amount into Money, rounding to the nearest microdollar.
func Dollars(d float64) Money {
	return Money(math.Round(d * float64(MicrosPerDollar)))
}

// Float returns the amount in dollars.
func (m Money) Float() float64 {
	return float64(m) / float64(MicrosPerDollar)
}

// String renders the amount as dollars with six decimal places.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%06d", sign, v/int64(MicrosPerDollar), v%int64(MicrosPerDollar))
}

// MinMoney returns the smaller of a and b.
func MinMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}
