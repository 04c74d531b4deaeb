// Package network defines the contract of the physical grid model consumed by
// the balancing and validation layers. Implementations hold named variants
// (snapshots) of one grid state; the in-memory engine lives in memnet.
package network

import (
	"context"
	"errors"
	"fmt"
)

// Country identifies a bidding zone of the SWE region
type Country string

const (
	ES Country = "ES"
	FR Country = "FR"
	PT Country = "PT"
)

// Zones lists the SWE zones in a stable order
var Zones = []Country{ES, FR, PT}

// Boundary flow identifiers, oriented from Spain
const (
	ExchangeESFR = "ES_FR"
	ExchangeESPT = "ES_PT"
)

var (
	ErrVariantNotFound  = errors.New("variant not found")
	ErrVariantExists    = errors.New("variant already exists")
	ErrUnknownZone      = errors.New("unknown zone")
	ErrLoadFlowDiverged = errors.New("load-flow diverged")
)

// ScalingPriority selects how a zone scaling handles unreachable volumes
type ScalingPriority string

const (
	// RespectOfVolumeAsked spreads the asked volume across the zone and reports
	// what could actually be applied.
	RespectOfVolumeAsked ScalingPriority = "RESPECT_OF_VOLUME_ASKED"
	// RespectOfDistribution keeps the generation shares and stops at the first
	// saturated unit.
	RespectOfDistribution ScalingPriority = "RESPECT_OF_DISTRIBUTION"
)

// ScalingParameters controls a zonal generation scaling
type ScalingParameters struct {
	Priority  ScalingPriority
	Reconnect bool
}

// LoadFlowResult is the outcome of an equilibrium computation
type LoadFlowResult struct {
	Converged  bool
	Iterations int
	Status     string
}

// Model is a grid state holding named, independently mutable variants.
//
// Scaling and generator pre-processing act on the working variant. Load-flow,
// measurement and export take an explicit variant so that concurrent readers
// never depend on the shared working variant.
type Model interface {
	ID() string
	WorkingVariant() string
	SetWorkingVariant(id string) error
	CloneVariant(source, target string, overwrite bool) error
	RemoveVariant(id string) error
	Variants() []string

	ConnectGenerators(zones ...Country) error
	LiftGenerationLimits(zones ...Country) error
	Scale(zone Country, askedMW float64, params ScalingParameters) (float64, error)

	RunLoadFlow(ctx context.Context, variant string) (LoadFlowResult, error)
	BorderExchanges(variant string) (map[string]float64, error)
	NetPositions(variant string) (map[Country]float64, error)
	Export(variant string) ([]byte, error)
}

// Snapshot designates one variant of a model
type Snapshot struct {
	Model   Model
	Variant string
}

// String implements fmt.Stringer
func (s Snapshot) String() string {
	if s.Model == nil {
		return s.Variant
	}
	return fmt.Sprintf("%s@%s", s.Model.ID(), s.Variant)
}

// Export serializes the snapshot's variant
func (s Snapshot) Export() ([]byte, error) {
	return s.Model.Export(s.Variant)
}

// Branch clones the working variant into target and makes it the working
// variant. The returned func restores the previous working variant and removes
// target.
func Branch(m Model, target string) (func() error, error) {
	previous := m.WorkingVariant()
	if err := m.CloneVariant(previous, target, true); err != nil {
		return nil, fmt.Errorf("failed to clone variant %q into %q: %w", previous, target, err)
	}
	if err := m.SetWorkingVariant(target); err != nil {
		_ = m.RemoveVariant(target)
		return nil, fmt.Errorf("failed to switch to variant %q: %w", target, err)
	}
	return func() error {
		if err := m.SetWorkingVariant(previous); err != nil {
			return fmt.Errorf("failed to restore variant %q: %w", previous, err)
		}
		if err := m.RemoveVariant(target); err != nil {
			return fmt.Errorf("failed to remove variant %q: %w", target, err)
		}
		return nil
	}, nil
}

// Measure runs a load-flow on variant and returns the resulting border
// exchanges and net positions.
func Measure(ctx context.Context, m Model, variant string) (map[string]float64, map[Country]float64, error) {
	lf, err := m.RunLoadFlow(ctx, variant)
	if err != nil {
		return nil, nil, err
	}
	if !lf.Converged {
		return nil, nil, fmt.Errorf("network %q variant %q (%s): %w", m.ID(), variant, lf.Status, ErrLoadFlowDiverged)
	}
	exchanges, err := m.BorderExchanges(variant)
	if err != nil {
		return nil, nil, err
	}
	positions, err := m.NetPositions(variant)
	if err != nil {
		return nil, nil, err
	}
	return exchanges, positions, nil
}
