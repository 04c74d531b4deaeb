// Package balance realizes a counter-trading candidate on the network by
// iteratively scaling zonal generation until the border exchanges reach their
// targets.
package balance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
)

const (
	DefaultTolerance     = 1.0 // MW
	DefaultMaxIterations = 10
)

var ErrOutOfTolerance = errors.New("balancing adjustment out of tolerances")

// GlskLimitationError reports zones unable to absorb their requested scaling
type GlskLimitationError struct {
	Zones []network.Country
}

func (e *GlskLimitationError) Error() string {
	zones := make([]string, len(e.Zones))
	for i, z := range e.Zones {
		zones[i] = string(z)
	}
	return "there are GLSK limitation(s) in " + strings.Join(zones, ", ")
}

// ShiftingError reports a balancing adjustment that could not reach its targets,
// either because the load-flow diverged or because the iteration cap was hit.
type ShiftingError struct {
	Mismatch map[string]float64
	Err      error
}

func (e *ShiftingError) Error() string {
	if e.Err != nil {
		return "balancing adjustment failed: " + e.Err.Error()
	}
	return fmt.Sprintf("%s: mismatch on ES-PT = %.2f, mismatch on ES-FR = %.2f",
		ErrOutOfTolerance, e.Mismatch[network.ExchangeESPT], e.Mismatch[network.ExchangeESFR])
}

func (e *ShiftingError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrOutOfTolerance
}

// Shifter drives border exchanges towards their counter-traded targets
type Shifter struct {
	initial       map[string]float64
	dispatcher    ShiftDispatcher
	tolerance     float64
	maxIterations int
	logger        *zap.Logger
}

// NewShifter creates a shifter for a network whose initial border exchanges are given
func NewShifter(initialExchanges map[string]float64, logger *zap.Logger) *Shifter {
	if logger == nil {
		logger = zap.NewNop()
	}
	initial := map[string]float64{
		network.ExchangeESFR: initialExchanges[network.ExchangeESFR],
		network.ExchangeESPT: initialExchanges[network.ExchangeESPT],
	}
	return &Shifter{
		initial:       initial,
		dispatcher:    NewShiftDispatcher(initial),
		tolerance:     DefaultTolerance,
		maxIterations: DefaultMaxIterations,
		logger:        logger,
	}
}

// ApplyCounterTrading scales the working variant of m so that both border
// exchanges are reduced by the given counter-trading values.
func (s *Shifter) ApplyCounterTrading(ctx context.Context, m network.Model, values csa.CounterTradingValues) error {
	s.logger.Info("starting shift", zap.String("variant", m.WorkingVariant()))

	estimate := s.dispatcher.Dispatch(values)
	targets := TargetExchanges(s.initial, values)
	s.logger.Info("target exchanges",
		zap.Float64("pt_to_es", -targets[network.ExchangeESPT]),
		zap.Float64("fr_to_es", -targets[network.ExchangeESFR]))

	return s.ShiftExchangeValues(ctx, m, targets, estimate)
}

// ShiftExchangeValues iterates scaling, load-flow and estimate correction until
// every exchange is within tolerance of its target. On success the converged
// state replaces the working variant. Temporary variants are removed on every path.
func (s *Shifter) ShiftExchangeValues(ctx context.Context, m network.Model, targets map[string]float64, estimate map[network.Country]float64) (err error) {
	initial := m.WorkingVariant()
	processed := initial + " PROCESSED COPY"
	working := initial + " WORKING COPY"

	defer func() {
		if cleanupErr := cleanup(m, initial, processed, working); cleanupErr != nil && err == nil {
			err = cleanupErr
		}
	}()

	if err := preProcess(m, initial, processed, working); err != nil {
		return err
	}

	scaling := make(map[network.Country]float64, len(estimate))
	for zone, v := range estimate {
		scaling[zone] = v
	}

	var mismatch map[string]float64
	for iteration := 1; iteration <= s.maxIterations; iteration++ {
		if err := s.shiftNetPositions(m, scaling); err != nil {
			return err
		}

		mismatch, err = s.exchangeMismatch(ctx, m, working, targets)
		if err != nil {
			return err
		}

		if s.withinTolerance(mismatch) {
			s.logger.Info("shift succeeded",
				zap.Float64("tolerance", s.tolerance),
				zap.Int("iterations", iteration))
			if err := m.CloneVariant(working, initial, true); err != nil {
				return fmt.Errorf("failed to apply balanced state: %w", err)
			}
			return nil
		}

		// start the next attempt from the pre-processed state
		if err := m.CloneVariant(processed, working, true); err != nil {
			return fmt.Errorf("failed to reset working variant: %w", err)
		}
		s.logger.Info("adjusting target shifts to reduce mismatch")
		UpdateScalingValuesWithMismatch(scaling, mismatch)
	}

	shiftErr := &ShiftingError{Mismatch: mismatch}
	s.logger.Error(shiftErr.Error())
	return shiftErr
}

func (s *Shifter) shiftNetPositions(m network.Model, scaling map[network.Country]float64) error {
	s.logger.Info("target shifts by country",
		zap.Float64("ES", scaling[network.ES]),
		zap.Float64("FR", scaling[network.FR]),
		zap.Float64("PT", scaling[network.PT]))

	params := network.ScalingParameters{Priority: network.RespectOfVolumeAsked, Reconnect: true}
	var limiting []network.Country
	for _, zone := range network.Zones {
		asked, ok := scaling[zone]
		if !ok {
			continue
		}
		done, err := m.Scale(zone, asked, params)
		if err != nil {
			return fmt.Errorf("failed to scale zone %s: %w", zone, err)
		}
		if math.Abs(done-asked) > s.tolerance {
			s.logger.Warn("incomplete variation on zone",
				zap.String("zone", string(zone)),
				zap.Float64("target", asked),
				zap.Float64("done", done))
			limiting = append(limiting, zone)
		}
	}
	if len(limiting) > 0 {
		glskErr := &GlskLimitationError{Zones: limiting}
		s.logger.Warn(glskErr.Error())
		return glskErr
	}
	return nil
}

func (s *Shifter) exchangeMismatch(ctx context.Context, m network.Model, variant string, targets map[string]float64) (map[string]float64, error) {
	exchanges, _, err := network.Measure(ctx, m, variant)
	if err != nil {
		if errors.Is(err, network.ErrLoadFlowDiverged) {
			return nil, &ShiftingError{Err: err}
		}
		return nil, err
	}
	mismatch := map[string]float64{
		network.ExchangeESFR: targets[network.ExchangeESFR] - exchanges[network.ExchangeESFR],
		network.ExchangeESPT: targets[network.ExchangeESPT] - exchanges[network.ExchangeESPT],
	}
	s.logger.Info("resulting exchanges",
		zap.Float64("pt_to_es", -exchanges[network.ExchangeESPT]),
		zap.Float64("fr_to_es", -exchanges[network.ExchangeESFR]),
		zap.Float64("mismatch_es_pt", mismatch[network.ExchangeESPT]),
		zap.Float64("mismatch_es_fr", mismatch[network.ExchangeESFR]))
	return mismatch, nil
}

func (s *Shifter) withinTolerance(mismatch map[string]float64) bool {
	for _, v := range mismatch {
		if math.Abs(v) >= s.tolerance {
			return false
		}
	}
	return true
}

// UpdateScalingValuesWithMismatch corrects the scaling estimate: the
// neighbours absorb their own border mismatch and Spain balances both.
func UpdateScalingValuesWithMismatch(scaling map[network.Country]float64, mismatch map[string]float64) {
	esFr := mismatch[network.ExchangeESFR]
	esPt := mismatch[network.ExchangeESPT]
	scaling[network.FR] -= esFr
	scaling[network.PT] -= esPt
	scaling[network.ES] += esFr + esPt
}

func preProcess(m network.Model, initial, processed, working string) error {
	if err := m.CloneVariant(initial, processed, true); err != nil {
		return fmt.Errorf("failed to create processed variant: %w", err)
	}
	if err := m.SetWorkingVariant(processed); err != nil {
		return err
	}
	if err := m.ConnectGenerators(network.ES, network.FR, network.PT); err != nil {
		return fmt.Errorf("failed to connect generators: %w", err)
	}
	if err := m.LiftGenerationLimits(network.ES, network.PT); err != nil {
		return fmt.Errorf("failed to lift generation limits: %w", err)
	}
	if err := m.CloneVariant(processed, working, true); err != nil {
		return fmt.Errorf("failed to create working variant: %w", err)
	}
	return m.SetWorkingVariant(working)
}

func cleanup(m network.Model, initial string, temporary ...string) error {
	if err := m.SetWorkingVariant(initial); err != nil {
		return fmt.Errorf("failed to restore variant %q: %w", initial, err)
	}
	var errs []error
	for _, id := range temporary {
		if err := m.RemoveVariant(id); err != nil && !errors.Is(err, network.ErrVariantNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
