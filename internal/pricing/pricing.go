// Package pricing implements the pure rental pricing function: a flat
// weekly/daily/hourly rate plus a flat extra charge, rounded to two decimal
// places. It uses shopspring/decimal rather than float64 arithmetic so that
// rounding is exact and reproducible across runs.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

const secondsPerDay = 86400

var (
	tenPerWeek   = decimal.NewFromInt(10)
	twoPerDay    = decimal.NewFromInt(2)
	tenthPerHour = decimal.NewFromFloat(0.1)
)

// Price computes the rental price for the half-open duration [start, end),
// plus a flat extra charge, rounded to two decimal places:
//
//	d := end - start
//	weeks := d.days / 7        (integer division)
//	days  := d.days % 7
//	hours := d.seconds / 3600  (integer division, seconds is the remainder below a day)
//	price := round(weeks*10 + days*2 + hours*0.1 + extra, 2)
//
func Price(start, end time.Time, extra decimal.Decimal) decimal.Decimal {
	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	totalSeconds := int64(elapsed / time.Second)
	days := totalSeconds / secondsPerDay
	remainderSeconds := totalSeconds % secondsPerDay

	weeks := days / 7
	daysRemainder := days % 7
	hours := remainderSeconds / 3600

	total := decimal.NewFromInt(weeks).Mul(tenPerWeek).
		Add(decimal.NewFromInt(daysRemainder).Mul(twoPerDay)).
		Add(decimal.NewFromInt(hours).Mul(tenthPerHour)).
		Add(extra)

	return total.Round(2)
}

// Price64 is a float64 convenience wrapper for callers (the external view
// layer) that do not otherwise deal in decimal.Decimal.
func Price64(start, end time.Time, extra float64) float64 {
	price, _ := Price(start, end, decimal.NewFromFloat(extra)).Float64()
	return price
}
