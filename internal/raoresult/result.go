// Package raoresult holds security computation results produced by the remote
// validator, and the overlays layered on top of them by monitoring and
// counter-trading finalization.
package raoresult

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PhysicalParameter is a family of operating limits
type PhysicalParameter string

const (
	Flow    PhysicalParameter = "FLOW"
	Angle   PhysicalParameter = "ANGLE"
	Voltage PhysicalParameter = "VOLTAGE"
)

// AllParameters lists every physical parameter a result can report on
var AllParameters = []PhysicalParameter{Flow, Angle, Voltage}

// CounterTradeSetpoint is the final set-point of a counter-trade range action
type CounterTradeSetpoint struct {
	RangeActionID   string   `json:"range_action_id"`
	Setpoint        float64  `json:"setpoint"`
	FlowConstraints []string `json:"flow_cnecs"`
}

// Artifact is a read-only view over a security result
type Artifact interface {
	// IsSecure reports whether every given parameter is within limits.
	// With no parameter, all of them are checked.
	IsSecure(params ...PhysicalParameter) bool
	// Margin returns the margin of a constraint, in A for flows
	Margin(param PhysicalParameter, constraintID string) (float64, bool)
	CounterTrading() []CounterTradeSetpoint
	// Snapshot flattens the artifact and its overlays into a plain Result
	Snapshot() Result
}

// Result is the serialized form of a security computation
type Result struct {
	ID                string                                   `json:"id"`
	ComputationStatus string                                   `json:"computation_status"`
	Secure            map[PhysicalParameter]bool               `json:"secure"`
	Margins           map[PhysicalParameter]map[string]float64 `json:"margins,omitempty"`
	CounterTrades     []CounterTradeSetpoint                   `json:"counter_trading,omitempty"`
}

var _ Artifact = Result{}

// IsSecure implements Artifact. A missing flow verdict counts as insecure;
// a missing angle or voltage verdict means nothing was monitored.
func (r Result) IsSecure(params ...PhysicalParameter) bool {
	if len(params) == 0 {
		params = AllParameters
	}
	for _, p := range params {
		secure, ok := r.Secure[p]
		if !ok {
			if p == Flow {
				return false
			}
			continue
		}
		if !secure {
			return false
		}
	}
	return true
}

// Margin implements Artifact
func (r Result) Margin(param PhysicalParameter, constraintID string) (float64, bool) {
	m, ok := r.Margins[param][constraintID]
	return m, ok
}

// CounterTrading implements Artifact
func (r Result) CounterTrading() []CounterTradeSetpoint {
	return append([]CounterTradeSetpoint(nil), r.CounterTrades...)
}

// Snapshot implements Artifact
func (r Result) Snapshot() Result {
	out := Result{
		ID:                r.ID,
		ComputationStatus: r.ComputationStatus,
		Secure:            make(map[PhysicalParameter]bool, len(r.Secure)),
		CounterTrades:     r.CounterTrading(),
	}
	for p, s := range r.Secure {
		out.Secure[p] = s
	}
	if len(r.Margins) > 0 {
		out.Margins = make(map[PhysicalParameter]map[string]float64, len(r.Margins))
		for p, margins := range r.Margins {
			out.Margins[p] = copyMargins(margins)
		}
	}
	return out
}

// MonitoringResult is the outcome of a post-hoc monitoring pass
type MonitoringResult struct {
	Parameter PhysicalParameter  `json:"parameter"`
	Secure    bool               `json:"secure"`
	Margins   map[string]float64 `json:"margins,omitempty"`
}

type monitoringOverlay struct {
	base       Artifact
	monitoring MonitoringResult
}

// WithMonitoring layers a monitoring verdict on top of base. base is left untouched.
func WithMonitoring(base Artifact, m MonitoringResult) Artifact {
	return monitoringOverlay{base: base, monitoring: m}
}

func (o monitoringOverlay) IsSecure(params ...PhysicalParameter) bool {
	if len(params) == 0 {
		params = AllParameters
	}
	rest := make([]PhysicalParameter, 0, len(params))
	for _, p := range params {
		if p == o.monitoring.Parameter {
			if !o.monitoring.Secure {
				return false
			}
			continue
		}
		rest = append(rest, p)
	}
	if len(rest) == 0 {
		return true
	}
	return o.base.IsSecure(rest...)
}

func (o monitoringOverlay) Margin(param PhysicalParameter, constraintID string) (float64, bool) {
	if param == o.monitoring.Parameter {
		if m, ok := o.monitoring.Margins[constraintID]; ok {
			return m, true
		}
	}
	return o.base.Margin(param, constraintID)
}

func (o monitoringOverlay) CounterTrading() []CounterTradeSetpoint {
	return o.base.CounterTrading()
}

func (o monitoringOverlay) Snapshot() Result {
	out := o.base.Snapshot()
	out.Secure[o.monitoring.Parameter] = o.monitoring.Secure
	if len(o.monitoring.Margins) > 0 {
		if out.Margins == nil {
			out.Margins = make(map[PhysicalParameter]map[string]float64)
		}
		merged := copyMargins(out.Margins[o.monitoring.Parameter])
		for id, m := range o.monitoring.Margins {
			merged[id] = m
		}
		out.Margins[o.monitoring.Parameter] = merged
	}
	return out
}

type counterTradingOverlay struct {
	base     Artifact
	setpoint []CounterTradeSetpoint
}

// WithCounterTrading layers counter-trade set-points on top of base, replacing
// any set-point base already reports for the same range action.
func WithCounterTrading(base Artifact, setpoints []CounterTradeSetpoint) Artifact {
	sorted := append([]CounterTradeSetpoint(nil), setpoints...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RangeActionID < sorted[j].RangeActionID })
	return counterTradingOverlay{base: base, setpoint: sorted}
}

func (o counterTradingOverlay) IsSecure(params ...PhysicalParameter) bool {
	return o.base.IsSecure(params...)
}

func (o counterTradingOverlay) Margin(param PhysicalParameter, constraintID string) (float64, bool) {
	return o.base.Margin(param, constraintID)
}

func (o counterTradingOverlay) CounterTrading() []CounterTradeSetpoint {
	overridden := make(map[string]bool, len(o.setpoint))
	out := make([]CounterTradeSetpoint, 0, len(o.setpoint))
	for _, s := range o.setpoint {
		overridden[s.RangeActionID] = true
		out = append(out, s)
	}
	for _, s := range o.base.CounterTrading() {
		if !overridden[s.RangeActionID] {
			out = append(out, s)
		}
	}
	return out
}

func (o counterTradingOverlay) Snapshot() Result {
	out := o.base.Snapshot()
	out.CounterTrades = o.CounterTrading()
	return out
}

// Encode serializes an artifact, overlays included
func Encode(a Artifact) ([]byte, error) {
	data, err := json.MarshalIndent(a.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return data, nil
}

// Decode parses a serialized result
func Decode(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("failed to decode result: %w", err)
	}
	if r.Secure == nil {
		r.Secure = make(map[PhysicalParameter]bool)
	}
	return r, nil
}

func copyMargins(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
