package dichotomy

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/csarunner/internal/csa"
)

func secureStep(v float64) csa.StepResult {
	return csa.NewValidationStep(csa.CounterTradingValues{PtEs: v, FrEs: v}, nil, true)
}

func unsecureStep(v float64) csa.StepResult {
	return csa.NewValidationStep(csa.CounterTradingValues{PtEs: v, FrEs: v}, nil, false)
}

type bounds struct {
	Secure   float64
	Unsecure float64
}

func currentBounds(t *testing.T, idx *Index, b csa.Border) bounds {
	t.Helper()
	lo, ok := idx.HighestUnsecureStep(b)
	require.True(t, ok)
	hi, ok := idx.LowestSecureStep(b)
	require.True(t, ok)
	return bounds{Secure: hi.Value, Unsecure: lo.Value}
}

func TestNewIndex(t *testing.T) {
	t.Run("should reject invalid parameters", func(t *testing.T) {
		_, err := NewIndex(0, 10)
		assert.Error(t, err)

		_, err = NewIndex(1, 0)
		assert.Error(t, err)
	})

	t.Run("should start without bounds nor best pair", func(t *testing.T) {
		idx, err := NewIndex(1, 10)
		require.NoError(t, err)

		_, ok := idx.BestValid()
		assert.False(t, ok)
		_, ok = idx.LowestSecureStep(csa.PtEs)
		assert.False(t, ok)
		assert.True(t, idx.Done())
	})
}

func TestIndexRecord(t *testing.T) {
	t.Run("should report the step verdict", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)

		assert.False(t, idx.Record(csa.PtEs, 0, unsecureStep(0)))
		assert.True(t, idx.Record(csa.PtEs, 500, secureStep(500)))
	})

	t.Run("should count failed steps as insecure", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)
		idx.Record(csa.FrEs, 0, unsecureStep(0))
		idx.Record(csa.FrEs, 400, secureStep(400))

		failed := csa.NewFailureStep(csa.ReasonGlskLimitation, "there are GLSK limitation(s) in FR", csa.CounterTradingValues{FrEs: 200})
		assert.False(t, idx.Record(csa.FrEs, 200, failed))

		assert.Equal(t, bounds{Secure: 400, Unsecure: 200}, currentBounds(t, idx, csa.FrEs))
		step, _ := idx.HighestUnsecureStep(csa.FrEs)
		assert.Equal(t, csa.ReasonGlskLimitation, step.Result.Reason)
	})

	t.Run("should keep steps ordered by value", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)
		for _, v := range []float64{0, 800, 400, 600, 500} {
			idx.Record(csa.PtEs, v, secureStep(v))
		}

		var values []float64
		for _, s := range idx.Steps(csa.PtEs) {
			values = append(values, s.Value)
		}
		assert.Equal(t, []float64{0, 400, 500, 600, 800}, values)
		assert.Equal(t, 5, idx.Tested(csa.PtEs))
		assert.Empty(t, idx.Steps(csa.FrEs))
	})

	t.Run("should narrow bounds monotonically", func(t *testing.T) {
		idx, _ := NewIndex(0.1, 100)
		idx.Record(csa.PtEs, 0, unsecureStep(0))
		idx.Record(csa.PtEs, 1000, secureStep(1000))

		boundary := 377.0
		previous := currentBounds(t, idx, csa.PtEs)
		for !idx.ExitConditionMet(csa.PtEs) {
			v := idx.NextValues().PtEs
			if v >= boundary {
				idx.Record(csa.PtEs, v, secureStep(v))
			} else {
				idx.Record(csa.PtEs, v, unsecureStep(v))
			}

			current := currentBounds(t, idx, csa.PtEs)
			assert.LessOrEqual(t, current.Secure, previous.Secure)
			assert.GreaterOrEqual(t, current.Unsecure, previous.Unsecure)
			previous = current
		}
		assert.InDelta(t, boundary, previous.Secure, 0.1)
	})

	t.Run("should not move bounds on contradicting results", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)
		idx.Record(csa.PtEs, 100, unsecureStep(100))
		idx.Record(csa.PtEs, 300, secureStep(300))

		idx.Record(csa.PtEs, 50, secureStep(50))
		idx.Record(csa.PtEs, 350, unsecureStep(350))

		if diff := cmp.Diff(bounds{Secure: 300, Unsecure: 100}, currentBounds(t, idx, csa.PtEs)); diff != "" {
			t.Errorf("bounds mismatch (-want +got):\n%s", diff)
		}
		assert.Len(t, idx.Steps(csa.PtEs), 4)
	})

	t.Run("should keep the first result of a value tested again", func(t *testing.T) {
		idx, _ := NewIndex(10, 20)
		idx.Record(csa.PtEs, 100, unsecureStep(100))
		idx.Record(csa.PtEs, 105, secureStep(105))

		failed := csa.NewFailureStep(csa.ReasonGlskLimitation, "no more margin in ES", csa.CounterTradingValues{PtEs: 105})
		assert.False(t, idx.Record(csa.PtEs, 105, failed))

		steps := idx.Steps(csa.PtEs)
		require.Len(t, steps, 2)
		assert.True(t, steps[1].Result.IsSecure())
		lowest, ok := idx.LowestSecureStep(csa.PtEs)
		require.True(t, ok)
		assert.Equal(t, steps[1], lowest)
		assert.Equal(t, 3, idx.Tested(csa.PtEs))
	})
}

func TestIndexNextValues(t *testing.T) {
	t.Run("should return the exact midpoint of each interval", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)
		idx.Record(csa.PtEs, 100, unsecureStep(100))
		idx.Record(csa.PtEs, 300, secureStep(300))
		idx.Record(csa.FrEs, 0, unsecureStep(0))
		idx.Record(csa.FrEs, 1234.5, secureStep(1234.5))

		want := csa.CounterTradingValues{PtEs: 200, FrEs: 617.25}
		if diff := cmp.Diff(want, idx.NextValues()); diff != "" {
			t.Errorf("next values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("should freeze a finished border at its lowest secure value", func(t *testing.T) {
		idx, _ := NewIndex(10, 20)
		idx.Record(csa.PtEs, 100, unsecureStep(100))
		idx.Record(csa.PtEs, 105, secureStep(105))
		idx.Record(csa.FrEs, 0, unsecureStep(0))
		idx.Record(csa.FrEs, 800, secureStep(800))

		assert.True(t, idx.ExitConditionMet(csa.PtEs))
		assert.False(t, idx.ExitConditionMet(csa.FrEs))
		assert.Equal(t, csa.CounterTradingValues{PtEs: 105, FrEs: 400}, idx.NextValues())
	})

	t.Run("should keep a border secure without counter-trading at zero", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)
		idx.Record(csa.PtEs, 0, secureStep(0))
		idx.Record(csa.FrEs, 0, unsecureStep(0))
		idx.Record(csa.FrEs, 600, secureStep(600))

		assert.True(t, idx.ExitConditionMet(csa.PtEs))
		assert.Equal(t, csa.CounterTradingValues{PtEs: 0, FrEs: 300}, idx.NextValues())
	})
}

func TestIndexExitCondition(t *testing.T) {
	t.Run("should stop once the interval is within precision", func(t *testing.T) {
		idx, _ := NewIndex(1, 100)
		idx.Record(csa.PtEs, 10, unsecureStep(10))
		idx.Record(csa.PtEs, 11, secureStep(11))

		assert.True(t, idx.ExitConditionMet(csa.PtEs))
	})

	t.Run("should stop once the iteration budget is spent", func(t *testing.T) {
		idx, _ := NewIndex(0.001, 4)
		idx.Record(csa.FrEs, 0, unsecureStep(0))
		idx.Record(csa.FrEs, 1000, secureStep(1000))
		idx.Record(csa.FrEs, 500, unsecureStep(500))
		assert.False(t, idx.ExitConditionMet(csa.FrEs))

		idx.Record(csa.FrEs, 750, secureStep(750))
		assert.True(t, idx.ExitConditionMet(csa.FrEs))
	})

	t.Run("should terminate within the budget for any boundary", func(t *testing.T) {
		for _, boundary := range []float64{0.5, 1, 333.3, 999.9} {
			idx, _ := NewIndex(0.5, 12)
			idx.Record(csa.PtEs, 0, unsecureStep(0))
			idx.Record(csa.PtEs, 1000, secureStep(1000))
			idx.Record(csa.FrEs, 0, unsecureStep(0))
			idx.Record(csa.FrEs, 1000, secureStep(1000))

			iterations := 0
			for !idx.Done() {
				values := idx.NextValues()
				for _, b := range csa.Borders {
					v := values.For(b)
					if v >= boundary {
						idx.Record(b, v, secureStep(v))
					} else {
						idx.Record(b, v, unsecureStep(v))
					}
				}
				iterations++
				require.LessOrEqual(t, iterations, 10)
			}
			assert.LessOrEqual(t, idx.Tested(csa.PtEs), 12)
		}
	})
}

func TestIndexBestValid(t *testing.T) {
	t.Run("should only keep jointly secure pairs", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)
		first := csa.Pair{
			Values: csa.CounterTradingValues{PtEs: 400, FrEs: 400},
			PtEs:   secureStep(400),
			FrEs:   secureStep(400),
		}
		require.True(t, idx.SetBestValid(first))

		mixed := csa.Pair{
			Values: csa.CounterTradingValues{PtEs: 200, FrEs: 200},
			PtEs:   secureStep(200),
			FrEs:   unsecureStep(200),
		}
		assert.False(t, idx.SetBestValid(mixed))

		best, ok := idx.BestValid()
		require.True(t, ok)
		assert.Equal(t, first.Values, best.Values)
	})

	t.Run("should let the most recent jointly secure pair win", func(t *testing.T) {
		idx, _ := NewIndex(1, 10)
		tight := csa.Pair{Values: csa.CounterTradingValues{PtEs: 100, FrEs: 100}, PtEs: secureStep(100), FrEs: secureStep(100)}
		loose := csa.Pair{Values: csa.CounterTradingValues{PtEs: 300, FrEs: 300}, PtEs: secureStep(300), FrEs: secureStep(300)}

		idx.SetBestValid(tight)
		idx.SetBestValid(loose)

		best, _ := idx.BestValid()
		assert.Equal(t, loose.Values, best.Values)
	})
}
