// Package crac models the security rule set of a border: monitored
// constraints and the counter-trade range actions allowed to relieve them.
package crac

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
)

// RangeType tells how a range action's bounds are expressed
type RangeType string

const (
	RangeAbsolute           RangeType = "ABSOLUTE"
	RangeRelativeToPrevious RangeType = "RELATIVE_TO_PREVIOUS_INSTANT"
)

// CounterTradeAction is a counter-trade range action between two zones
type CounterTradeAction struct {
	ID        string          `json:"id"`
	Exporting network.Country `json:"exporting_country"`
	Importing network.Country `json:"importing_country"`
	Min       float64         `json:"min"`
	Max       float64         `json:"max"`
	RangeType RangeType       `json:"range_type,omitempty"`
}

// MinAdmissibleSetpoint returns the lowest set-point reachable from previous
func (a CounterTradeAction) MinAdmissibleSetpoint(previous float64) float64 {
	if a.RangeType == RangeRelativeToPrevious {
		return previous + a.Min
	}
	return a.Min
}

// MaxAdmissibleSetpoint returns the highest set-point reachable from previous
func (a CounterTradeAction) MaxAdmissibleSetpoint(previous float64) float64 {
	if a.RangeType == RangeRelativeToPrevious {
		return previous + a.Max
	}
	return a.Max
}

// FlowConstraint is a monitored branch flow
type FlowConstraint struct {
	ID        string     `json:"id"`
	Border    csa.Border `json:"border"`
	Optimized bool       `json:"optimized"`
	Instant   string     `json:"instant,omitempty"`
}

// Constraint is a monitored angle or voltage limit
type Constraint struct {
	ID     string  `json:"id"`
	Border string  `json:"border,omitempty"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// RuleSet is the security rule set of one border
type RuleSet struct {
	ID                 string               `json:"id"`
	CounterTrades      []CounterTradeAction `json:"counter_trade_range_actions"`
	FlowConstraints    []FlowConstraint     `json:"flow_cnecs"`
	AngleConstraints   []Constraint         `json:"angle_cnecs,omitempty"`
	VoltageConstraints []Constraint         `json:"voltage_cnecs,omitempty"`
}

// InvalidDataError reports input data unusable for the computation
type InvalidDataError struct {
	TaskID  string
	Message string
}

func (e *InvalidDataError) Error() string {
	if e.TaskID == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.TaskID, e.Message)
}

// CounterTradeAction returns the range action exporting from exporting to importing
func (r *RuleSet) CounterTradeAction(exporting, importing network.Country) (CounterTradeAction, error) {
	for _, a := range r.CounterTrades {
		if a.Exporting == exporting && a.Importing == importing {
			return a, nil
		}
	}
	return CounterTradeAction{}, &InvalidDataError{
		Message: fmt.Sprintf("crac should contain 4 counter trading remedial actions for csa swe process, two CT RAs by border, and couldn't find CT RA for '%s' as exporting country and '%s' as importing country", exporting, importing),
	}
}

// BorderFlowConstraints returns the optimized flow constraints of a border
func (r *RuleSet) BorderFlowConstraints(border csa.Border) []FlowConstraint {
	var out []FlowConstraint
	for _, c := range r.FlowConstraints {
		if c.Optimized && c.Border == border {
			out = append(out, c)
		}
	}
	return out
}

// HasAngleConstraints reports whether angle monitoring applies
func (r *RuleSet) HasAngleConstraints() bool {
	return len(r.AngleConstraints) > 0
}

// HasVoltageConstraints reports whether voltage monitoring applies
func (r *RuleSet) HasVoltageConstraints() bool {
	return len(r.VoltageConstraints) > 0
}

// BorderActions holds the two counter-trade directions of a border
type BorderActions struct {
	TowardsES CounterTradeAction
	FromES    CounterTradeAction
}

// Actions resolves both counter-trade directions of a border
func (r *RuleSet) Actions(border csa.Border) (BorderActions, error) {
	neighbour := border.Neighbour()
	towards, err := r.CounterTradeAction(neighbour, network.ES)
	if err != nil {
		return BorderActions{}, err
	}
	from, err := r.CounterTradeAction(network.ES, neighbour)
	if err != nil {
		return BorderActions{}, err
	}
	return BorderActions{TowardsES: towards, FromES: from}, nil
}

// MaxCounterTrading returns the admissible counter-trading magnitude for an
// initial exchange towards Spain: the lower of both device limits, capped by
// the exchange itself.
func (a BorderActions) MaxCounterTrading(initialExchangeTowardsES float64) float64 {
	exp0 := initialExchangeTowardsES
	if exp0 >= 0 {
		return math.Min(math.Min(-a.TowardsES.MinAdmissibleSetpoint(exp0), a.FromES.MaxAdmissibleSetpoint(-exp0)), exp0)
	}
	return math.Min(math.Min(a.TowardsES.MaxAdmissibleSetpoint(exp0), -a.FromES.MinAdmissibleSetpoint(-exp0)), -exp0)
}

// Decode parses a JSON rule set
func Decode(data []byte) (*RuleSet, error) {
	var r RuleSet
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode crac: %w", err)
	}
	return &r, nil
}

// Load reads a JSON rule set from a file
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read crac %q: %w", path, err)
	}
	return Decode(data)
}
