package dichotomy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/artifacts"
	"github.com/terminal-bench/csarunner/internal/balance"
	"github.com/terminal-bench/csarunner/internal/crac"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/network"
	"github.com/terminal-bench/csarunner/internal/raoresult"
	"github.com/terminal-bench/csarunner/internal/validation"
)

const (
	DefaultPrecision             = 50.0 // MW
	DefaultMaxIterationsByBorder = 10
)

var errInterrupted = errors.New("dichotomy interrupted")

// CandidateValidator validates both borders of the working variant of a network
type CandidateValidator interface {
	Validate(ctx context.Context, m network.Model, values csa.CounterTradingValues) (csa.Pair, error)
}

var _ CandidateValidator = (*validation.Coordinator)(nil)

// Balancer realizes counter-trading values on the working variant of a network
type Balancer interface {
	ApplyCounterTrading(ctx context.Context, m network.Model, values csa.CounterTradingValues) error
}

// BalancerFactory creates the balancer of a task from its initial border exchanges
type BalancerFactory func(initialExchanges map[string]float64, logger *zap.Logger) Balancer

// DefaultBalancer balances with the iterative exchange shifter
func DefaultBalancer(initialExchanges map[string]float64, logger *zap.Logger) Balancer {
	return balance.NewShifter(initialExchanges, logger)
}

// Notifier publishes intermediate task responses
type Notifier interface {
	Notify(ctx context.Context, resp csa.Response) error
}

// Interruptions tells whether a task was asked to stop. Consuming an
// interruption clears it.
type Interruptions interface {
	Consume(ctx context.Context, taskID string) (bool, error)
}

// Recorder keeps the history of tested steps
type Recorder interface {
	RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error
}

// Config holds the search parameters
type Config struct {
	Precision             float64
	MaxIterationsByBorder int
}

// Task is one counter-trading computation
type Task struct {
	ID        string
	Timestamp time.Time
	Network   network.Model
	Rules     map[csa.Border]*crac.RuleSet
	Validator CandidateValidator
}

// BorderOutcome is the final result of a border
type BorderOutcome struct {
	Values     csa.CounterTradingValues
	Artifact   raoresult.Artifact
	Status     csa.Status
	ResultPath string
	ResultURL  string
}

// FinalResult is the outcome of both borders
type FinalResult struct {
	PtEs BorderOutcome
	FrEs BorderOutcome
}

// For returns the outcome of one border
func (r FinalResult) For(b csa.Border) BorderOutcome {
	if b == csa.PtEs {
		return r.PtEs
	}
	return r.FrEs
}

func (r *FinalResult) set(b csa.Border, o BorderOutcome) {
	if b == csa.PtEs {
		r.PtEs = o
	} else {
		r.FrEs = o
	}
}

// Response builds the task response of the result
func (r FinalResult) Response(taskID string) csa.Response {
	return csa.Response{
		ID:            taskID,
		PtEsStatus:    r.PtEs.Status,
		PtEsResultURL: r.PtEs.ResultURL,
		FrEsStatus:    r.FrEs.Status,
		FrEsResultURL: r.FrEs.ResultURL,
	}
}

// Controller drives the dichotomy of a task
type Controller struct {
	config        Config
	store         artifacts.Store
	notifier      Notifier
	interruptions Interruptions
	recorder      Recorder
	balancer      BalancerFactory
	logger        *zap.Logger
}

// Option customizes a controller
type Option func(*Controller)

// WithNotifier publishes a STILL_RUNNING_SECURE response on every jointly secure step
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithInterruptions polls r once per iteration
func WithInterruptions(r Interruptions) Option {
	return func(c *Controller) { c.interruptions = r }
}

// WithRecorder records every tested step
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithBalancer replaces the balancer factory
func WithBalancer(f BalancerFactory) Option {
	return func(c *Controller) { c.balancer = f }
}

// NewController creates a controller persisting results to store
func NewController(cfg Config, store artifacts.Store, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if cfg.Precision == 0 {
		cfg.Precision = DefaultPrecision
	}
	if cfg.MaxIterationsByBorder == 0 {
		cfg.MaxIterationsByBorder = DefaultMaxIterationsByBorder
	}
	if _, err := NewIndex(cfg.Precision, cfg.MaxIterationsByBorder); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		config:   cfg,
		store:    store,
		balancer: DefaultBalancer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// run is the state of one task
type run struct {
	*Controller
	task    Task
	logger  *zap.Logger
	shifter Balancer
	initial map[string]float64
	actions map[csa.Border]crac.BorderActions
}

// Run searches the lowest counter-trading keeping both borders secure.
// Recoverable failures are folded into the search; only internal errors are
// returned.
func (c *Controller) Run(ctx context.Context, task Task) (FinalResult, error) {
	logger := c.logger.With(zap.String("task_id", task.ID))
	r := &run{Controller: c, task: task, logger: logger}

	exchanges, _, err := network.Measure(ctx, task.Network, task.Network.WorkingVariant())
	if err != nil {
		return FinalResult{}, &csa.InternalError{Err: fmt.Errorf("initial load-flow: %w", err)}
	}
	r.initial = exchanges
	r.shifter = c.balancer(exchanges, logger)

	r.actions, err = resolveActions(task)
	if err != nil {
		var invalid *crac.InvalidDataError
		if !errors.As(err, &invalid) {
			return FinalResult{}, &csa.InternalError{Err: err}
		}
		logger.Warn("counter trading remedial actions are missing, running a single validation", zap.Error(err))
		return r.runDegraded(ctx)
	}
	return r.runDichotomy(ctx)
}

func resolveActions(task Task) (map[csa.Border]crac.BorderActions, error) {
	actions := make(map[csa.Border]crac.BorderActions, len(csa.Borders))
	for _, b := range csa.Borders {
		rules := task.Rules[b]
		if rules == nil {
			return nil, fmt.Errorf("no crac for %s border", b)
		}
		a, err := rules.Actions(b)
		if err != nil {
			var invalid *crac.InvalidDataError
			if errors.As(err, &invalid) {
				invalid.TaskID = task.ID
			}
			return nil, err
		}
		actions[b] = a
	}
	return actions, nil
}

// runDegraded validates the unmodified network once
func (r *run) runDegraded(ctx context.Context) (FinalResult, error) {
	pair, err := r.evaluate(ctx, csa.CounterTradingValues{}, csa.NoCounterTradingVariant, false)
	if errors.Is(err, errInterrupted) {
		return r.unsecureWithoutResult(), nil
	}
	if err != nil {
		return FinalResult{}, err
	}
	r.record(ctx, 0, pair)
	return r.finalizePerBorder(ctx, pair)
}

func (r *run) runDichotomy(ctx context.Context) (FinalResult, error) {
	zero := csa.CounterTradingValues{}
	noCt, err := r.evaluate(ctx, zero, csa.NoCounterTradingVariant, false)
	if errors.Is(err, errInterrupted) {
		return r.unsecureWithoutResult(), nil
	}
	if err != nil {
		return FinalResult{}, err
	}
	r.record(ctx, 0, noCt)

	if noCt.BothSecure() {
		r.logger.Info("both borders are secure without counter trading")
		return r.finalize(ctx, noCt, csa.StatusFinishedSecure)
	}

	maxValues := r.maxCounterTrading(noCt)
	maxPair, err := r.evaluate(ctx, maxValues, maxValues.VariantName(), true)
	if errors.Is(err, errInterrupted) {
		return r.unsecureWithoutResult(), nil
	}
	if err != nil {
		return FinalResult{}, err
	}
	r.record(ctx, 1, maxPair)

	// security is assumed to grow with counter-trading, so a border unsecure at
	// its maximum has no secure interior point
	if !maxPair.BothSecure() {
		for _, b := range csa.Borders {
			if !maxPair.For(b).IsSecure() {
				r.logger.Info("border is not secure at maximum counter trading, no dichotomy is run",
					zap.String("border", string(b)),
					zap.Float64("ct", maxValues.For(b)),
					zap.String("reason", string(maxPair.For(b).Reason)))
			}
		}
		return r.finalizePerBorder(ctx, maxPair)
	}

	idx, err := NewIndex(r.config.Precision, r.config.MaxIterationsByBorder)
	if err != nil {
		return FinalResult{}, err
	}
	idx.RecordPair(noCt)
	idx.RecordPair(maxPair)
	idx.SetBestValid(maxPair)

	interrupted := false
	for iteration := 2; !idx.Done(); iteration++ {
		if r.interrupted(ctx) {
			interrupted = true
			break
		}

		values := idx.NextValues()
		r.logger.Info("next counter trading values",
			zap.Float64("pt_es_ct", values.PtEs),
			zap.Float64("fr_es_ct", values.FrEs))

		pair, err := r.evaluate(ctx, values, values.VariantName(), true)
		if errors.Is(err, errInterrupted) {
			interrupted = true
			break
		}
		if err != nil {
			return FinalResult{}, err
		}

		idx.RecordPair(pair)
		r.record(ctx, iteration, pair)
		if idx.SetBestValid(pair) {
			if err := r.notifyStillRunning(ctx, pair); err != nil {
				return FinalResult{}, err
			}
		}
	}

	best, _ := idx.BestValid()
	status := csa.StatusFinishedSecure
	if interrupted {
		r.logger.Info("dichotomy stopped by interruption, returning best secure result", zap.String("values", best.Values.String()))
		status = csa.StatusInterruptedSecure
	}
	for _, b := range csa.Borders {
		lo, _ := idx.HighestUnsecureStep(b)
		hi, _ := idx.LowestSecureStep(b)
		r.logger.Info("dichotomy finished on border",
			zap.String("border", string(b)),
			zap.Int("tested", idx.Tested(b)),
			zap.Float64("highest_unsecure_ct", lo.Value),
			zap.Float64("lowest_secure_ct", hi.Value))
	}
	return r.finalize(ctx, best, status)
}

// maxCounterTrading returns the upper bracket. A border already secure
// without counter-trading is not counter-traded.
func (r *run) maxCounterTrading(noCt csa.Pair) csa.CounterTradingValues {
	var values csa.CounterTradingValues
	for _, b := range csa.Borders {
		if noCt.For(b).IsSecure() {
			continue
		}
		// exchanges are measured from Spain, counter-trading is sized towards it
		towardsES := -r.initial[b.Exchange()]
		ctMax := math.Max(0, r.actions[b].MaxCounterTrading(towardsES))
		if math.Abs(ctMax-math.Abs(towardsES)) > 1e-9 {
			r.logger.Warn("maximum counter trading differs from the initial exchange",
				zap.String("border", string(b)),
				zap.Float64("ct_max", ctMax),
				zap.Float64("initial_exchange", towardsES))
		}
		values = values.With(b, ctMax)
	}
	return values
}

// evaluate realizes values on a fresh variant of the network and validates
// it. The variant is removed before returning. Balancing and validation
// failures become failed steps.
func (r *run) evaluate(ctx context.Context, values csa.CounterTradingValues, variant string, shift bool) (pair csa.Pair, err error) {
	m := r.task.Network
	restore, err := network.Branch(m, variant)
	if err != nil {
		return csa.Pair{}, &csa.InternalError{Values: values, Err: err}
	}
	defer func() {
		if restoreErr := restore(); restoreErr != nil && err == nil {
			err = &csa.InternalError{Values: values, Err: restoreErr}
		}
	}()

	if shift {
		if failed, ok, err := r.shift(ctx, values); err != nil || ok {
			return failed, err
		}
	}

	pair, err = r.task.Validator.Validate(ctx, m, values)
	if err == nil {
		return pair, nil
	}
	return r.classifyValidationError(ctx, pair, values, err)
}

// shift balances the working variant. ok is set when balancing failed and
// the returned pair holds the failure.
func (r *run) shift(ctx context.Context, values csa.CounterTradingValues) (csa.Pair, bool, error) {
	err := r.shifter.ApplyCounterTrading(ctx, r.task.Network, values)
	if err == nil {
		return csa.Pair{}, false, nil
	}

	var glsk *balance.GlskLimitationError
	var shifting *balance.ShiftingError
	switch {
	case ctx.Err() != nil:
		return csa.Pair{}, false, errInterrupted
	case errors.As(err, &glsk):
		r.logger.Warn("glsk limitation, candidate counted as unsecure", zap.String("values", values.String()), zap.Error(err))
		return csa.FailedPair(values, csa.ReasonGlskLimitation, err), true, nil
	case errors.As(err, &shifting):
		reason := csa.ReasonBalanceOutOfTolerance
		if errors.Is(err, network.ErrLoadFlowDiverged) {
			reason = csa.ReasonBalanceLoadflowDiverged
		}
		r.logger.Warn("balancing failed, candidate counted as unsecure",
			zap.String("values", values.String()),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return csa.FailedPair(values, reason, err), true, nil
	default:
		return csa.Pair{}, false, &csa.InternalError{Values: values, Err: err}
	}
}

func (r *run) classifyValidationError(ctx context.Context, pair csa.Pair, values csa.CounterTradingValues, err error) (csa.Pair, error) {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	pair.Values = values
	interrupted := false
	for _, e := range errs {
		var borderErr *validation.BorderError
		if !errors.As(e, &borderErr) {
			return csa.Pair{}, &csa.InternalError{Values: values, Err: e}
		}
		switch {
		case errors.Is(borderErr.Err, validation.ErrValidationInterrupted),
			errors.Is(borderErr.Err, context.Canceled),
			errors.Is(borderErr.Err, context.DeadlineExceeded):
			interrupted = true
		case errors.Is(borderErr.Err, validation.ErrValidationFailed):
			r.logger.Warn("validation failed, border counted as unsecure",
				zap.String("border", string(borderErr.Border)),
				zap.String("values", values.String()),
				zap.Error(borderErr.Err))
			step := csa.NewFailureStep(csa.ReasonValidationFailed,
				fmt.Sprintf("%s border: %v", borderErr.Border, borderErr.Err), values)
			if borderErr.Border == csa.PtEs {
				pair.PtEs = step
			} else {
				pair.FrEs = step
			}
		default:
			return csa.Pair{}, &csa.InternalError{Border: borderErr.Border, Values: values, Err: borderErr.Err}
		}
	}
	if interrupted || ctx.Err() != nil {
		return csa.Pair{}, errInterrupted
	}
	return pair, nil
}

// interrupted polls the interruption registry. Registry errors are logged
// and do not stop the search.
func (r *run) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if r.interruptions == nil {
		return false
	}
	stop, err := r.interruptions.Consume(ctx, r.task.ID)
	if err != nil {
		r.logger.Error("failed to check interruption", zap.Error(err))
		return false
	}
	return stop
}

func (r *run) record(ctx context.Context, iteration int, pair csa.Pair) {
	if r.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, b := range csa.Borders {
		if err := r.recorder.RecordStep(ctx, r.task.ID, b, iteration, pair.For(b)); err != nil {
			r.logger.Error("failed to record step", zap.String("border", string(b)), zap.Int("iteration", iteration), zap.Error(err))
		}
	}
}

func (r *run) notifyStillRunning(ctx context.Context, pair csa.Pair) error {
	result, err := r.finalize(ctx, pair, csa.StatusStillRunningSecure)
	if err != nil {
		return err
	}
	if r.notifier == nil {
		return nil
	}
	if err := r.notifier.Notify(context.WithoutCancel(ctx), result.Response(r.task.ID)); err != nil {
		r.logger.Error("failed to send intermediate response", zap.Error(err))
	}
	return nil
}

// finalize persists both borders of pair under the same status
func (r *run) finalize(ctx context.Context, pair csa.Pair, status csa.Status) (FinalResult, error) {
	var result FinalResult
	for _, b := range csa.Borders {
		outcome, err := r.upload(ctx, b, pair, status)
		if err != nil {
			return FinalResult{}, err
		}
		result.set(b, outcome)
	}
	return result, nil
}

// finalizePerBorder persists both borders of pair, each with its own verdict
func (r *run) finalizePerBorder(ctx context.Context, pair csa.Pair) (FinalResult, error) {
	var result FinalResult
	for _, b := range csa.Borders {
		outcome, err := r.upload(ctx, b, pair, csa.StepStatus(pair.For(b)))
		if err != nil {
			return FinalResult{}, err
		}
		result.set(b, outcome)
	}
	return result, nil
}

func (r *run) unsecureWithoutResult() FinalResult {
	r.logger.Info("task interrupted before a secure state was found")
	return FinalResult{
		PtEs: BorderOutcome{Status: csa.StatusFinishedUnsecure},
		FrEs: BorderOutcome{Status: csa.StatusFinishedUnsecure},
	}
}

// upload persists the result of an already validated step. It outlives a
// cancelled run so that an interrupted search still reports its best result.
func (r *run) upload(ctx context.Context, b csa.Border, pair csa.Pair, status csa.Status) (BorderOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	step := pair.For(b)
	outcome := BorderOutcome{Values: pair.Values, Status: status}
	if step.Artifact == nil {
		return outcome, nil
	}

	artifact := step.Artifact
	if actions, ok := r.actions[b]; ok {
		artifact = raoresult.WithCounterTrading(artifact, r.setpoints(b, actions, pair.Values.For(b)))
	}
	data, err := raoresult.Encode(artifact)
	if err != nil {
		return BorderOutcome{}, &csa.InternalError{Border: b, Values: pair.Values, Err: err}
	}

	path := artifacts.FinalResultPath(r.task.Timestamp, r.task.ID, string(b))
	if err := r.store.Put(ctx, path, data); err != nil {
		return BorderOutcome{}, &csa.InternalError{Border: b, Values: pair.Values, Err: err}
	}
	url, err := r.store.PresignedURL(ctx, path)
	if err != nil {
		return BorderOutcome{}, &csa.InternalError{Border: b, Values: pair.Values, Err: err}
	}

	outcome.Artifact = artifact
	outcome.ResultPath = path
	outcome.ResultURL = url
	return outcome, nil
}

// setpoints exports ct towards Spain on one device and the opposite on the other
func (r *run) setpoints(b csa.Border, actions crac.BorderActions, ct float64) []raoresult.CounterTradeSetpoint {
	var constraints []string
	for _, c := range r.task.Rules[b].BorderFlowConstraints(b) {
		constraints = append(constraints, c.ID)
	}
	return []raoresult.CounterTradeSetpoint{
		{RangeActionID: actions.TowardsES.ID, Setpoint: ct, FlowConstraints: constraints},
		{RangeActionID: actions.FromES.ID, Setpoint: -ct, FlowConstraints: constraints},
	}
}
