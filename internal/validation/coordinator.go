package validation

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
)

// Validator validates one border of a candidate
type Validator interface {
	Border() csa.Border
	Validate(ctx context.Context, snap network.Snapshot, values csa.CounterTradingValues) (csa.StepResult, error)
}

var _ Validator = (*BorderValidator)(nil)

// BorderError ties a validation error to its border
type BorderError struct {
	Border csa.Border
	Values csa.CounterTradingValues
	Err    error
}

func (e *BorderError) Error() string {
	return fmt.Sprintf("%s border validation at %s: %v", e.Border, e.Values, e.Err)
}

func (e *BorderError) Unwrap() error {
	return e.Err
}

// Coordinator validates both borders of a candidate concurrently
type Coordinator struct {
	ptEs Validator
	frEs Validator
}

// NewCoordinator creates a coordinator
func NewCoordinator(ptEs, frEs Validator) *Coordinator {
	return &Coordinator{ptEs: ptEs, frEs: frEs}
}

// Validate runs both border validations on private copies of the working
// variant and waits for both. Both copies exist before either task starts and
// are removed once both have finished. When either border fails, the joined
// border errors are returned with whatever results were obtained.
func (c *Coordinator) Validate(ctx context.Context, m network.Model, values csa.CounterTradingValues) (csa.Pair, error) {
	working := m.WorkingVariant()
	ptEsSnap, err := c.branch(m, working, csa.PtEs)
	if err != nil {
		return csa.Pair{}, err
	}
	frEsSnap, err := c.branch(m, working, csa.FrEs)
	if err != nil {
		_ = m.RemoveVariant(ptEsSnap.Variant)
		return csa.Pair{}, err
	}

	pair := csa.Pair{Values: values}
	var ptEsErr, frEsErr error

	var g errgroup.Group
	g.Go(func() error {
		pair.PtEs, ptEsErr = c.ptEs.Validate(ctx, ptEsSnap, values)
		return nil
	})
	g.Go(func() error {
		pair.FrEs, frEsErr = c.frEs.Validate(ctx, frEsSnap, values)
		return nil
	})
	_ = g.Wait()

	var errs []error
	if ptEsErr != nil {
		errs = append(errs, &BorderError{Border: csa.PtEs, Values: values, Err: ptEsErr})
	}
	if frEsErr != nil {
		errs = append(errs, &BorderError{Border: csa.FrEs, Values: values, Err: frEsErr})
	}
	for _, snap := range []network.Snapshot{ptEsSnap, frEsSnap} {
		if err := m.RemoveVariant(snap.Variant); err != nil && !errors.Is(err, network.ErrVariantNotFound) {
			errs = append(errs, err)
		}
	}
	return pair, errors.Join(errs...)
}

func (c *Coordinator) branch(m network.Model, working string, border csa.Border) (network.Snapshot, error) {
	variant := working + " " + string(border)
	if err := m.CloneVariant(working, variant, true); err != nil {
		return network.Snapshot{}, fmt.Errorf("failed to copy variant %q for %s border: %w", working, border, err)
	}
	return network.Snapshot{Model: m, Variant: variant}, nil
}
