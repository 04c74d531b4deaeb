package balance

import (
	"math"

	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
)

// ShiftDispatcher turns counter-trading values into a first per-zone scaling estimate
type ShiftDispatcher struct {
	esFr0 float64
	esPt0 float64
}

// NewShiftDispatcher creates a dispatcher for the given initial exchanges
func NewShiftDispatcher(initialExchanges map[string]float64) ShiftDispatcher {
	return ShiftDispatcher{
		esFr0: initialExchanges[network.ExchangeESFR],
		esPt0: initialExchanges[network.ExchangeESPT],
	}
}

// Dispatch counter-trades against the initial flow direction of each border.
// Spain compensates so that the scaling sums to zero.
func (d ShiftDispatcher) Dispatch(values csa.CounterTradingValues) map[network.Country]float64 {
	fr := signum(d.esFr0) * math.Abs(values.FrEs)
	pt := signum(d.esPt0) * math.Abs(values.PtEs)
	return map[network.Country]float64{
		network.ES: -(fr + pt),
		network.FR: fr,
		network.PT: pt,
	}
}

// TargetExchanges reduces each initial exchange magnitude by its counter-trading value
func TargetExchanges(initialExchanges map[string]float64, values csa.CounterTradingValues) map[string]float64 {
	esFr0 := initialExchanges[network.ExchangeESFR]
	esPt0 := initialExchanges[network.ExchangeESPT]
	return map[string]float64{
		network.ExchangeESFR: esFr0 - signum(esFr0)*math.Abs(values.FrEs),
		network.ExchangeESPT: esPt0 - signum(esPt0)*math.Abs(values.PtEs),
	}
}

func signum(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
