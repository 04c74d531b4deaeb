// Package megawatt gives power values a fixed-precision form for labels and
// artifact names.
package megawatt

import (
	"github.com/shopspring/decimal"
)

// LabelPlaces is the number of decimals kept when a power value is used in a
// snapshot or artifact name.
const LabelPlaces int32 = 2

// Power represents an active power amount in MW with fixed precision
type Power struct {
	value decimal.Decimal
}

// New creates a Power from a float64 MW value
func New(mw float64) Power {
	return Power{value: decimal.NewFromFloat(mw)}
}

// Round rounds to the given number of decimals, half away from zero
func (p Power) Round(places int32) Power {
	return Power{value: p.value.Round(places)}
}

// Float64 returns the float64 value
func (p Power) Float64() float64 {
	f, _ := p.value.Float64()
	return f
}

// String returns the value with two decimals and its unit
func (p Power) String() string {
	return p.value.StringFixed(LabelPlaces) + " MW"
}

// Label returns the shortest decimal form rounded to LabelPlaces, without unit.
// Labels are stable across float noise below the rounding step.
func (p Power) Label() string {
	return p.value.Round(LabelPlaces).String()
}

// Round rounds a MW value to the given number of decimals
func Round(mw float64, places int32) float64 {
	return New(mw).Round(places).Float64()
}

// Label returns the canonical label of a MW value
func Label(mw float64) string {
	return New(mw).Label()
}
