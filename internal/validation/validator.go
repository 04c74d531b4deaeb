// Package validation assesses the security of a candidate network on each
// border through the remote computation service, and runs both borders of a
// candidate in parallel.
package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/artifacts"
	"github.com/terminal-bench/csarunner/internal/crac"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
	"github.com/terminal-bench/csarunner/internal/raoresult"
	"github.com/terminal-bench/csarunner/internal/raorunner"
	"github.com/terminal-bench/csarunner/pkg/circuit"
)

var (
	// ErrValidationFailed marks a computation that ended without a verdict
	ErrValidationFailed = errors.New("validation failed")
	// ErrValidationInterrupted marks a computation stopped by an interruption request
	ErrValidationInterrupted = errors.New("validation interrupted")
)

// Runner submits security computations
type Runner interface {
	Run(ctx context.Context, req raorunner.Request) (raorunner.Response, error)
}

// Monitor runs post-hoc monitoring passes
type Monitor interface {
	Monitor(ctx context.Context, req raorunner.MonitoringRequest) (raoresult.MonitoringResult, error)
}

// Scenario identifies the task a validation belongs to
type Scenario struct {
	TaskID           string
	Timestamp        time.Time
	RaoParametersURL string
}

// BorderConfig describes what a border validator checks
type BorderConfig struct {
	Border      csa.Border
	Rules       *crac.RuleSet
	CracFileURL string
}

// BorderValidator validates candidates on one border
type BorderValidator struct {
	border      csa.Border
	rules       *crac.RuleSet
	cracFileURL string
	scenario    Scenario
	runner      Runner
	monitor     Monitor
	store       artifacts.Store
	breaker     *circuit.Breaker
	logger      *zap.Logger
}

// NewBorderValidator creates a validator. breaker may be nil.
func NewBorderValidator(cfg BorderConfig, scenario Scenario, runner Runner, monitor Monitor, store artifacts.Store, breaker *circuit.Breaker, logger *zap.Logger) *BorderValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BorderValidator{
		border:      cfg.Border,
		rules:       cfg.Rules,
		cracFileURL: cfg.CracFileURL,
		scenario:    scenario,
		runner:      runner,
		monitor:     monitor,
		store:       store,
		breaker:     breaker,
		logger:      logger.With(zap.String("border", string(cfg.Border))),
	}
}

// Border returns the validated border
func (v *BorderValidator) Border() csa.Border {
	return v.border
}

// Validate exports snap, submits it and reduces the outcome to a step result.
// Flow, angle and voltage verdicts are evaluated in order and stop at the
// first insecure one.
func (v *BorderValidator) Validate(ctx context.Context, snap network.Snapshot, values csa.CounterTradingValues) (csa.StepResult, error) {
	step := values.String()
	req, err := v.buildRequest(ctx, snap, step)
	if err != nil {
		return csa.StepResult{}, err
	}

	resp, err := v.run(ctx, req)
	if err != nil {
		return csa.StepResult{}, err
	}
	if resp.Failed {
		v.logger.Error("rao computation failed", zap.String("error", resp.ErrorMessage))
		return csa.StepResult{}, fmt.Errorf("%w: %s", ErrValidationFailed, resp.ErrorMessage)
	}
	if resp.Interrupted {
		return csa.StepResult{}, fmt.Errorf("[%s] : rao computation related to task %s stopped due to interruption request: %w",
			v.border, v.scenario.TaskID, ErrValidationInterrupted)
	}

	data, err := v.store.Get(ctx, resp.ResultsDestination)
	if err != nil {
		return csa.StepResult{}, fmt.Errorf("failed to load rao result: %w", err)
	}
	result, err := raoresult.Decode(data)
	if err != nil {
		return csa.StepResult{}, err
	}

	v.logBorderOverload(result)

	var artifact raoresult.Artifact = result
	secure := artifact.IsSecure(raoresult.Flow)

	if secure && v.rules.HasAngleConstraints() {
		v.logger.Info("crac contains angle cnecs, angle monitoring will be run")
		artifact, err = v.runMonitoring(ctx, raoresult.Angle, artifact, snap, step)
		if err != nil {
			return csa.StepResult{}, err
		}
		secure = artifact.IsSecure(raoresult.Flow, raoresult.Angle)
		v.logger.Info("angle monitoring done", zap.Bool("secure", secure))
	}

	if secure && v.rules.HasVoltageConstraints() {
		v.logger.Info("crac contains voltage cnecs, voltage monitoring will be run")
		artifact, err = v.runMonitoring(ctx, raoresult.Voltage, artifact, snap, step)
		if err != nil {
			return csa.StepResult{}, err
		}
		secure = artifact.IsSecure(raoresult.Flow, raoresult.Voltage)
		v.logger.Info("voltage monitoring done", zap.Bool("secure", secure))
	}

	return csa.NewValidationStep(values, artifact, secure), nil
}

func (v *BorderValidator) buildRequest(ctx context.Context, snap network.Snapshot, step string) (raorunner.Request, error) {
	data, err := snap.Export()
	if err != nil {
		return raorunner.Request{}, fmt.Errorf("failed to export network %s: %w", snap, err)
	}
	networkPath := artifacts.NetworkPath(v.scenario.Timestamp, step, snap.Variant)
	if err := v.store.Put(ctx, networkPath, data); err != nil {
		return raorunner.Request{}, err
	}
	networkURL, err := v.store.PresignedURL(ctx, networkPath)
	if err != nil {
		return raorunner.Request{}, err
	}

	return raorunner.Request{
		ID:                   v.scenario.TaskID,
		RunID:                v.scenario.TaskID,
		NetworkFileURL:       networkURL,
		CracFileURL:          v.cracFileURL,
		RaoParametersFileURL: v.scenario.RaoParametersURL,
		ResultsDestination:   artifacts.BorderResultPath(v.scenario.Timestamp, step, string(v.border)),
		EventPrefix:          string(v.border),
	}, nil
}

// run calls the remote service. Transport errors and an open breaker count
// as validation failures.
func (v *BorderValidator) run(ctx context.Context, req raorunner.Request) (raorunner.Response, error) {
	var resp raorunner.Response
	call := func(ctx context.Context) error {
		var err error
		resp, err = v.runner.Run(ctx, req)
		return err
	}

	var err error
	if v.breaker != nil {
		err = v.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return raorunner.Response{}, ctxErr
		}
		return raorunner.Response{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return resp, nil
}

func (v *BorderValidator) runMonitoring(ctx context.Context, param raoresult.PhysicalParameter, artifact raoresult.Artifact, snap network.Snapshot, step string) (raoresult.Artifact, error) {
	networkPath := artifacts.NetworkPath(v.scenario.Timestamp, step, snap.Variant)
	networkURL, err := v.store.PresignedURL(ctx, networkPath)
	if err != nil {
		return nil, err
	}
	result, err := v.monitor.Monitor(ctx, raorunner.MonitoringRequest{
		ID:             v.scenario.TaskID,
		Border:         string(v.border),
		Parameter:      param,
		NetworkFileURL: networkURL,
		NetworkPath:    networkPath,
		CracFileURL:    v.cracFileURL,
		Result:         artifact.Snapshot(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s monitoring on %s border: %w", param, v.border, err)
	}
	result.Parameter = param
	return raoresult.WithMonitoring(artifact, result), nil
}

// logBorderOverload names the most limiting optimized flow constraint of an
// insecure border. It never affects the verdict.
func (v *BorderValidator) logBorderOverload(result raoresult.Result) {
	if result.IsSecure(raoresult.Flow) {
		v.logger.Info("there is no overload on border")
		return
	}
	id, margin, ok := SmallestMargin(result, v.rules.BorderFlowConstraints(v.border))
	if !ok {
		v.logger.Info("there are overloads on border, network is not secure")
		return
	}
	v.logger.Info("there are overloads on border, network is not secure",
		zap.String("most_limiting_cnec", id),
		zap.Float64("margin", margin))
}

// SmallestMargin returns the flow constraint with the lowest margin
func SmallestMargin(result raoresult.Artifact, constraints []crac.FlowConstraint) (string, float64, bool) {
	id := ""
	smallest := math.MaxFloat64
	for _, c := range constraints {
		m, ok := result.Margin(raoresult.Flow, c.ID)
		if !ok {
			continue
		}
		if m < smallest {
			id = c.ID
			smallest = m
		}
	}
	return id, smallest, id != ""
}
