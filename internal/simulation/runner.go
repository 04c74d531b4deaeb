package simulation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/terminal-bench/csarunner/internal/artifacts"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
	"github.com/terminal-bench/csarunner/internal/network/memnet"
	"github.com/terminal-bench/csarunner/internal/raoresult"
	"github.com/terminal-bench/csarunner/internal/raorunner"
	"github.com/terminal-bench/csarunner/internal/validation"
)

// ThresholdRunner plays the remote security computation. It reads the
// submitted network back from a MemoryStore and writes a flow verdict for the
// border named by the request event prefix.
type ThresholdRunner struct {
	store  artifacts.Store
	limits map[csa.Border]float64
	now    func() time.Time
}

var (
	_ validation.Runner  = (*ThresholdRunner)(nil)
	_ validation.Monitor = (*ThresholdRunner)(nil)
)

// NewThresholdRunner creates a runner with a flow limit per border
func NewThresholdRunner(store artifacts.Store, limits map[csa.Border]float64) *ThresholdRunner {
	return &ThresholdRunner{store: store, limits: limits, now: time.Now}
}

// Run implements validation.Runner
func (r *ThresholdRunner) Run(ctx context.Context, req raorunner.Request) (raorunner.Response, error) {
	start := r.now()
	border := csa.Border(req.EventPrefix)
	limit, ok := r.limits[border]
	if !ok {
		return failed(req, fmt.Sprintf("no flow limit for border %q", req.EventPrefix)), nil
	}
	path, ok := artifacts.MemoryPath(req.NetworkFileURL)
	if !ok {
		return failed(req, fmt.Sprintf("unsupported network url %q", req.NetworkFileURL)), nil
	}

	data, err := r.store.Get(ctx, path)
	if err != nil {
		return raorunner.Response{}, err
	}
	grid, err := memnet.Decode(data)
	if err != nil {
		return failed(req, err.Error()), nil
	}
	exchanges, _, err := network.Measure(ctx, grid, grid.WorkingVariant())
	if err != nil {
		return failed(req, err.Error()), nil
	}

	margin := limit - math.Abs(exchanges[border.Exchange()])
	result := raoresult.Result{
		ID:                req.ID,
		ComputationStatus: "DEFAULT",
		Secure:            map[raoresult.PhysicalParameter]bool{raoresult.Flow: margin >= 0},
		Margins: map[raoresult.PhysicalParameter]map[string]float64{
			raoresult.Flow: {LineID(border): margin},
		},
	}
	encoded, err := raoresult.Encode(result)
	if err != nil {
		return raorunner.Response{}, err
	}
	if err := r.store.Put(ctx, req.ResultsDestination, encoded); err != nil {
		return raorunner.Response{}, err
	}

	return raorunner.Response{
		ID:                 req.ID,
		ResultsDestination: req.ResultsDestination,
		ComputationStart:   start,
		ComputationEnd:     r.now(),
	}, nil
}

// Monitor implements validation.Monitor. Simulated grids have no angle nor
// voltage limit.
func (r *ThresholdRunner) Monitor(ctx context.Context, req raorunner.MonitoringRequest) (raoresult.MonitoringResult, error) {
	if err := ctx.Err(); err != nil {
		return raoresult.MonitoringResult{}, err
	}
	return raoresult.MonitoringResult{Parameter: req.Parameter, Secure: true}, nil
}

func failed(req raorunner.Request, message string) raorunner.Response {
	return raorunner.Response{ID: req.ID, Failed: true, ErrorMessage: message}
}
