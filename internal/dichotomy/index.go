// Package dichotomy searches the lowest counter-trading values keeping both
// SWE borders secure, by bisecting each border's interval between a known
// insecure and a known secure value.
package dichotomy

import (
	"fmt"
	"sort"

	"github.com/terminal-bench/csarunner/internal/csa"
)

// Step is one tested value of a border
type Step struct {
	Value  float64
	Result csa.StepResult
}

type borderIndex struct {
	steps           map[float64]csa.StepResult
	values          []float64
	tested          int
	lowestSecure    *Step
	highestUnsecure *Step
}

// record stores a step and tightens the bounds it falls between. A result
// contradicting the current interval is kept in the history but moves no bound.
// A value already tested keeps its first result: re-testing a frozen border
// neither rewrites its history nor its bounds.
func (b *borderIndex) record(value float64, result csa.StepResult) bool {
	b.tested++
	secure := result.IsSecure()
	if _, ok := b.steps[value]; ok {
		return secure
	}
	i := sort.SearchFloat64s(b.values, value)
	b.values = append(b.values, 0)
	copy(b.values[i+1:], b.values[i:])
	b.values[i] = value
	b.steps[value] = result

	step := &Step{Value: value, Result: result}
	if secure {
		if (b.lowestSecure == nil || value < b.lowestSecure.Value) &&
			(b.highestUnsecure == nil || value > b.highestUnsecure.Value) {
			b.lowestSecure = step
		}
	} else {
		if (b.highestUnsecure == nil || value > b.highestUnsecure.Value) &&
			(b.lowestSecure == nil || value < b.lowestSecure.Value) {
			b.highestUnsecure = step
		}
	}
	return secure
}

// Index holds the per-border search intervals and the best jointly secure pair
type Index struct {
	precision     float64
	maxIterations int
	borders       map[csa.Border]*borderIndex
	best          *csa.Pair
}

// NewIndex creates an index. precision is in MW; maxIterations bounds the
// number of tested values per border, bracket values included.
func NewIndex(precision float64, maxIterations int) (*Index, error) {
	if precision <= 0 {
		return nil, fmt.Errorf("precision must be positive, got %v", precision)
	}
	if maxIterations < 1 {
		return nil, fmt.Errorf("max iterations by border must be at least 1, got %d", maxIterations)
	}
	idx := &Index{
		precision:     precision,
		maxIterations: maxIterations,
		borders:       make(map[csa.Border]*borderIndex, len(csa.Borders)),
	}
	for _, b := range csa.Borders {
		idx.borders[b] = &borderIndex{steps: make(map[float64]csa.StepResult)}
	}
	return idx, nil
}

// Record adds the result of a border at value and reports whether it was secure.
// Failed steps count as insecure.
func (i *Index) Record(border csa.Border, value float64, result csa.StepResult) bool {
	return i.borders[border].record(value, result)
}

// RecordPair records both borders of a pair at their own values
func (i *Index) RecordPair(pair csa.Pair) {
	for _, b := range csa.Borders {
		i.Record(b, pair.Values.For(b), pair.For(b))
	}
}

// ExitConditionMet reports whether the search on border is over: its
// interval is narrower than the precision, its iteration budget is spent, or
// it has no interval to bisect.
func (i *Index) ExitConditionMet(border csa.Border) bool {
	b := i.borders[border]
	if b.lowestSecure == nil || b.highestUnsecure == nil {
		return true
	}
	if b.lowestSecure.Value-b.highestUnsecure.Value <= i.precision {
		return true
	}
	return b.tested >= i.maxIterations
}

// Done reports whether both borders met their exit condition
func (i *Index) Done() bool {
	for _, b := range csa.Borders {
		if !i.ExitConditionMet(b) {
			return false
		}
	}
	return true
}

// NextValues returns the next candidate. Each border bisects its own
// interval; a border whose search is over stays at its lowest secure value.
func (i *Index) NextValues() csa.CounterTradingValues {
	var values csa.CounterTradingValues
	for _, border := range csa.Borders {
		b := i.borders[border]
		var v float64
		switch {
		case i.ExitConditionMet(border) && b.lowestSecure != nil:
			v = b.lowestSecure.Value
		case i.ExitConditionMet(border) && b.highestUnsecure != nil:
			v = b.highestUnsecure.Value
		case i.ExitConditionMet(border):
			v = 0
		default:
			v = (b.highestUnsecure.Value + b.lowestSecure.Value) / 2
		}
		values = values.With(border, v)
	}
	return values
}

// SetBestValid replaces the best pair when both borders are secure. The most
// recent jointly secure pair wins even if it is less tight.
func (i *Index) SetBestValid(pair csa.Pair) bool {
	if !pair.BothSecure() {
		return false
	}
	i.best = &pair
	return true
}

// BestValid returns the best jointly secure pair, if any
func (i *Index) BestValid() (csa.Pair, bool) {
	if i.best == nil {
		return csa.Pair{}, false
	}
	return *i.best, true
}

// LowestSecureStep returns the secure bound of a border
func (i *Index) LowestSecureStep(border csa.Border) (Step, bool) {
	s := i.borders[border].lowestSecure
	if s == nil {
		return Step{}, false
	}
	return *s, true
}

// HighestUnsecureStep returns the insecure bound of a border
func (i *Index) HighestUnsecureStep(border csa.Border) (Step, bool) {
	s := i.borders[border].highestUnsecure
	if s == nil {
		return Step{}, false
	}
	return *s, true
}

// Steps returns the recorded steps of a border ordered by value
func (i *Index) Steps(border csa.Border) []Step {
	b := i.borders[border]
	out := make([]Step, 0, len(b.values))
	for _, v := range b.values {
		out = append(out, Step{Value: v, Result: b.steps[v]})
	}
	return out
}

// Tested returns how many results were recorded for a border
func (i *Index) Tested(border csa.Border) int {
	return i.borders[border].tested
}
