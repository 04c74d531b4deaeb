// Package memnet is an in-memory grid engine implementing network.Model.
//
// The grid is reduced to the three SWE zones on a radial PT-ES-FR topology.
// Each zone carries aggregated generation and load; Spain is the slack zone.
// A load-flow derives the boundary flows from the zone net positions through a
// linear sensitivity:
//
//	ES_FR = -k * NP(FR)
//	ES_PT = -k * NP(PT)
//
// With k < 1 a scaling never lands exactly on its target, which is what the
// balancing loop has to compensate for.
package memnet

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/terminal-bench/csarunner/internal/network"
)

// InitialVariant is the name of the variant a network is created with
const InitialVariant = "InitialState"

// Zone is the aggregated state of one bidding zone
type Zone struct {
	Generation   float64 `yaml:"generation"`
	Load         float64 `yaml:"load"`
	Pmin         float64 `yaml:"pmin"`
	Pmax         float64 `yaml:"pmax"`
	Connected    bool    `yaml:"connected"`
	LimitsLifted bool    `yaml:"limits_lifted,omitempty"`
}

// NetPosition returns generation minus load, counting disconnected generation as zero
func (z Zone) NetPosition() float64 {
	if !z.Connected {
		return -z.Load
	}
	return z.Generation - z.Load
}

// Case is the serialized form of a network
type Case struct {
	ID                    string                     `yaml:"id"`
	Sensitivity           float64                    `yaml:"sensitivity"`
	DivergenceThresholdMW float64                    `yaml:"divergence_threshold_mw,omitempty"`
	Zones                 map[network.Country]Zone `yaml:"zones"`
}

type variant struct {
	zones     map[network.Country]Zone
	flows     map[string]float64
	positions map[network.Country]float64
}

func (v *variant) clone() *variant {
	c := &variant{zones: make(map[network.Country]Zone, len(v.zones))}
	for k, z := range v.zones {
		c.zones[k] = z
	}
	if v.flows != nil {
		c.flows = make(map[string]float64, len(v.flows))
		for k, f := range v.flows {
			c.flows[k] = f
		}
	}
	if v.positions != nil {
		c.positions = make(map[network.Country]float64, len(v.positions))
		for k, p := range v.positions {
			c.positions[k] = p
		}
	}
	return c
}

func (v *variant) invalidate() {
	v.flows = nil
	v.positions = nil
}

// Network is an in-memory network.Model. All methods are safe for concurrent use.
type Network struct {
	mu          sync.Mutex
	id          string
	sensitivity float64
	divergence  float64
	variants    map[string]*variant
	working     string
	loadFlows   int
}

var _ network.Model = (*Network)(nil)

// New creates a network from a case
func New(c Case) (*Network, error) {
	for _, zone := range network.Zones {
		if _, ok := c.Zones[zone]; !ok {
			return nil, fmt.Errorf("case %q: missing zone %s: %w", c.ID, zone, network.ErrUnknownZone)
		}
	}
	sensitivity := c.Sensitivity
	if sensitivity == 0 {
		sensitivity = 1
	}
	initial := &variant{zones: make(map[network.Country]Zone, len(c.Zones))}
	for k, z := range c.Zones {
		initial.zones[k] = z
	}
	return &Network{
		id:          c.ID,
		sensitivity: sensitivity,
		divergence:  c.DivergenceThresholdMW,
		variants:    map[string]*variant{InitialVariant: initial},
		working:     InitialVariant,
	}, nil
}

// Decode creates a network from its YAML form
func Decode(data []byte) (*Network, error) {
	var c Case
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode network: %w", err)
	}
	return New(c)
}

// Load reads a network from a YAML file
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network file %q: %w", path, err)
	}
	return Decode(data)
}

// ID returns the network identifier
func (n *Network) ID() string {
	return n.id
}

// WorkingVariant returns the current working variant
func (n *Network) WorkingVariant() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.working
}

// SetWorkingVariant switches the working variant
func (n *Network) SetWorkingVariant(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.variants[id]; !ok {
		return fmt.Errorf("%q: %w", id, network.ErrVariantNotFound)
	}
	n.working = id
	return nil
}

// CloneVariant copies source into target
func (n *Network) CloneVariant(source, target string, overwrite bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	src, ok := n.variants[source]
	if !ok {
		return fmt.Errorf("%q: %w", source, network.ErrVariantNotFound)
	}
	if _, exists := n.variants[target]; exists && !overwrite {
		return fmt.Errorf("%q: %w", target, network.ErrVariantExists)
	}
	n.variants[target] = src.clone()
	return nil
}

// RemoveVariant deletes a variant. The initial and working variants cannot be removed.
func (n *Network) RemoveVariant(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.variants[id]; !ok {
		return fmt.Errorf("%q: %w", id, network.ErrVariantNotFound)
	}
	if id == InitialVariant {
		return fmt.Errorf("cannot remove initial variant")
	}
	if id == n.working {
		return fmt.Errorf("cannot remove working variant %q", id)
	}
	delete(n.variants, id)
	return nil
}

// Variants returns the variant names, sorted
func (n *Network) Variants() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.variants))
	for id := range n.variants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectGenerators reconnects the generation of the given zones on the working variant
func (n *Network) ConnectGenerators(zones ...network.Country) error {
	return n.updateZones(zones, func(z *Zone) { z.Connected = true })
}

// LiftGenerationLimits removes Pmin/Pmax bounds of the given zones on the working variant
func (n *Network) LiftGenerationLimits(zones ...network.Country) error {
	return n.updateZones(zones, func(z *Zone) { z.LimitsLifted = true })
}

func (n *Network) updateZones(zones []network.Country, update func(z *Zone)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.variants[n.working]
	for _, id := range zones {
		z, ok := v.zones[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, network.ErrUnknownZone)
		}
		update(&z)
		v.zones[id] = z
	}
	v.invalidate()
	return nil
}

// Scale shifts the generation of a zone on the working variant and returns
// the volume actually applied.
func (n *Network) Scale(zone network.Country, askedMW float64, params network.ScalingParameters) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.variants[n.working]
	z, ok := v.zones[zone]
	if !ok {
		return 0, fmt.Errorf("%s: %w", zone, network.ErrUnknownZone)
	}
	if !z.Connected {
		if !params.Reconnect {
			return 0, nil
		}
		z.Connected = true
	}

	target := z.Generation + askedMW
	if !z.LimitsLifted {
		target = math.Max(z.Pmin, math.Min(z.Pmax, target))
	}
	done := target - z.Generation
	if params.Priority == network.RespectOfDistribution && math.Abs(done) < math.Abs(askedMW) {
		// distribution-preserving scaling stops short at the saturated unit
		done = 0
		target = z.Generation
	}
	z.Generation = target
	v.zones[zone] = z
	v.invalidate()
	return done, nil
}

// RunLoadFlow computes net positions and boundary flows of a variant
func (n *Network) RunLoadFlow(ctx context.Context, id string) (network.LoadFlowResult, error) {
	if err := ctx.Err(); err != nil {
		return network.LoadFlowResult{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.variants[id]
	if !ok {
		return network.LoadFlowResult{}, fmt.Errorf("%q: %w", id, network.ErrVariantNotFound)
	}
	n.loadFlows++

	positions := make(map[network.Country]float64, len(v.zones))
	for k, z := range v.zones {
		positions[k] = z.NetPosition()
	}
	// Spain balances the system
	positions[network.ES] = -(positions[network.FR] + positions[network.PT])

	if n.divergence > 0 {
		for _, p := range positions {
			if math.Abs(p) > n.divergence {
				v.invalidate()
				return network.LoadFlowResult{Converged: false, Iterations: 1, Status: "MAX_ITERATION_REACHED"}, nil
			}
		}
	}

	v.positions = positions
	v.flows = map[string]float64{
		network.ExchangeESFR: -n.sensitivity * positions[network.FR],
		network.ExchangeESPT: -n.sensitivity * positions[network.PT],
	}
	return network.LoadFlowResult{Converged: true, Iterations: 1, Status: "CONVERGED"}, nil
}

// BorderExchanges returns the flows computed by the last load-flow on the variant
func (n *Network) BorderExchanges(id string) (map[string]float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.variants[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, network.ErrVariantNotFound)
	}
	if v.flows == nil {
		return nil, fmt.Errorf("no load-flow results on variant %q", id)
	}
	out := make(map[string]float64, len(v.flows))
	for k, f := range v.flows {
		out[k] = f
	}
	return out, nil
}

// NetPositions returns the net positions computed by the last load-flow on the variant
func (n *Network) NetPositions(id string) (map[network.Country]float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.variants[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, network.ErrVariantNotFound)
	}
	if v.positions == nil {
		return nil, fmt.Errorf("no load-flow results on variant %q", id)
	}
	out := make(map[network.Country]float64, len(v.positions))
	for k, p := range v.positions {
		out[k] = p
	}
	return out, nil
}

// Export serializes a variant as a standalone case
func (n *Network) Export(id string) ([]byte, error) {
	n.mu.Lock()
	v, ok := n.variants[id]
	if !ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("%q: %w", id, network.ErrVariantNotFound)
	}
	c := Case{
		ID:                    n.id,
		Sensitivity:           n.sensitivity,
		DivergenceThresholdMW: n.divergence,
		Zones:                 v.clone().zones,
	}
	n.mu.Unlock()
	return yaml.Marshal(c)
}

// Zone returns the state of a zone on a variant
func (n *Network) Zone(id string, zone network.Country) (Zone, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.variants[id]
	if !ok {
		return Zone{}, false
	}
	z, ok := v.zones[zone]
	return z, ok
}

// SetDivergenceThreshold makes load-flows diverge whenever a net position
// magnitude exceeds mw. Zero disables divergence.
func (n *Network) SetDivergenceThreshold(mw float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.divergence = mw
}

// LoadFlowCount returns how many load-flows were run
func (n *Network) LoadFlowCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loadFlows
}
