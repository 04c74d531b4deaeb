// Package simulation runs counter-trading tasks offline against the
// in-memory grid, with a validator declaring a border secure while its flow
// towards Spain stays within a limit.
package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terminal-bench/csarunner/internal/artifacts"
	"github.com/terminal-bench/csarunner/internal/crac"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
	"github.com/terminal-bench/csarunner/internal/network/memnet"
)

// BorderCase describes one border of a simulation
type BorderCase struct {
	// LimitMW is the highest flow towards Spain the border stays secure with
	LimitMW float64 `yaml:"limit_mw"`
	// CounterTradeMaxMW bounds the counter-trade devices. Zero leaves the
	// border without devices.
	CounterTradeMaxMW float64 `yaml:"counter_trade_max_mw"`
}

// DichotomyCase holds the search parameters of a simulation
type DichotomyCase struct {
	Precision             float64 `yaml:"precision"`
	MaxIterationsByBorder int     `yaml:"max_iterations_by_border"`
}

// Case is a simulation input file
type Case struct {
	TaskID            string                    `yaml:"task_id"`
	BusinessTimestamp time.Time                 `yaml:"business_timestamp"`
	Dichotomy         DichotomyCase             `yaml:"dichotomy"`
	Network           memnet.Case               `yaml:"network"`
	Borders           map[csa.Border]BorderCase `yaml:"borders"`
}

// DecodeCase parses and checks a YAML case
func DecodeCase(data []byte) (Case, error) {
	var c Case
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Case{}, fmt.Errorf("failed to decode simulation case: %w", err)
	}
	if c.TaskID == "" {
		c.TaskID = "simulation"
	}
	if c.BusinessTimestamp.IsZero() {
		return Case{}, fmt.Errorf("simulation case %q: business_timestamp is required", c.TaskID)
	}
	for _, b := range csa.Borders {
		if _, ok := c.Borders[b]; !ok {
			return Case{}, fmt.Errorf("simulation case %q: missing border %s", c.TaskID, b)
		}
	}
	return c, nil
}

// LoadCase reads a YAML case file
func LoadCase(path string) (Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Case{}, fmt.Errorf("failed to read simulation case %q: %w", path, err)
	}
	return DecodeCase(data)
}

// Limits returns the secure flow limit of each border
func (c Case) Limits() map[csa.Border]float64 {
	out := make(map[csa.Border]float64, len(c.Borders))
	for b, bc := range c.Borders {
		out[b] = bc.LimitMW
	}
	return out
}

// RuleSet builds the rule set of a border: one monitored line and, unless
// disabled, a counter-trade device in each direction.
func (c Case) RuleSet(b csa.Border) *crac.RuleSet {
	n := b.Neighbour()
	rules := &crac.RuleSet{
		ID:              fmt.Sprintf("%s-crac-%s", c.TaskID, b),
		FlowConstraints: []crac.FlowConstraint{{ID: LineID(b), Border: b, Optimized: true}},
	}
	if limit := c.Borders[b].CounterTradeMaxMW; limit > 0 {
		rules.CounterTrades = []crac.CounterTradeAction{
			{ID: fmt.Sprintf("ct-%s-%s", n, network.ES), Exporting: n, Importing: network.ES, Min: -limit, Max: limit, RangeType: crac.RangeAbsolute},
			{ID: fmt.Sprintf("ct-%s-%s", network.ES, n), Exporting: network.ES, Importing: n, Min: -limit, Max: limit, RangeType: crac.RangeAbsolute},
		}
	}
	return rules
}

// LineID names the monitored line of a border
func LineID(b csa.Border) string {
	return string(b) + "-line"
}

// Stage writes the task inputs to the store and returns the request pointing at them
func (c Case) Stage(ctx context.Context, store artifacts.Store) (csa.Request, error) {
	grid, err := yaml.Marshal(c.Network)
	if err != nil {
		return csa.Request{}, fmt.Errorf("failed to encode network: %w", err)
	}
	req := csa.Request{
		ID:                c.TaskID,
		BusinessTimestamp: c.BusinessTimestamp,
		GridModelURI:      fmt.Sprintf("inputs/%s/network.yaml", c.TaskID),
		PtEsCracFileURI:   fmt.Sprintf("inputs/%s/crac-%s.json", c.TaskID, csa.PtEs),
		FrEsCracFileURI:   fmt.Sprintf("inputs/%s/crac-%s.json", c.TaskID, csa.FrEs),
	}
	if err := store.Put(ctx, req.GridModelURI, grid); err != nil {
		return csa.Request{}, err
	}

	uris := map[csa.Border]string{csa.PtEs: req.PtEsCracFileURI, csa.FrEs: req.FrEsCracFileURI}
	for _, b := range csa.Borders {
		data, err := json.Marshal(c.RuleSet(b))
		if err != nil {
			return csa.Request{}, fmt.Errorf("failed to encode %s crac: %w", b, err)
		}
		if err := store.Put(ctx, uris[b], data); err != nil {
			return csa.Request{}, err
		}
	}
	return req, nil
}
