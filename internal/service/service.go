// Package service runs counter-trading tasks end to end: it loads the task
// inputs, drives the dichotomy and reports the outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/artifacts"
	"github.com/terminal-bench/csarunner/internal/crac"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/dichotomy"
	"github.com/terminal-bench/csarunner/internal/history"
	"github.com/terminal-bench/csarunner/internal/interruption"
	"github.com/terminal-bench/csarunner/internal/lease"
	"github.com/terminal-bench/csarunner/internal/network/memnet"
	"github.com/terminal-bench/csarunner/internal/notify"
	"github.com/terminal-bench/csarunner/internal/validation"
	"github.com/terminal-bench/csarunner/pkg/circuit"
	"github.com/terminal-bench/csarunner/pkg/messaging"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrShuttingDown   = errors.New("service is shutting down")
)

// Config holds the task parameters shared by every run
type Config struct {
	Dichotomy        dichotomy.Config
	RaoParametersURL string
}

// Dependencies are the collaborators of the service. Store, Runner and
// Monitor are required; the others fall back to in-process implementations.
type Dependencies struct {
	Store         artifacts.Store
	Runner        validation.Runner
	Monitor       validation.Monitor
	History       history.Store
	Recorders     []history.StepRecorder
	Interruptions interruption.Registry
	Notifier      notify.Notifier
	Locker        lease.Locker
	Breakers      *circuit.BreakerGroup
	Logger        *zap.Logger
}

// Service runs counter-trading tasks
type Service struct {
	config        Config
	store         artifacts.Store
	runner        validation.Runner
	monitor       validation.Monitor
	history       history.Store
	recorder      history.StepRecorder
	interruptions interruption.Registry
	notifier      notify.Notifier
	locker        lease.Locker
	breakers      *circuit.BreakerGroup
	logger        *zap.Logger

	mu       sync.Mutex
	closed   bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates a service
func New(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Store == nil || deps.Runner == nil || deps.Monitor == nil {
		return nil, errors.New("store, runner and monitor are required")
	}
	if _, err := dichotomy.NewController(cfg.Dichotomy, deps.Store, nil); err != nil {
		return nil, fmt.Errorf("invalid dichotomy parameters: %w", err)
	}

	s := &Service{
		config:        cfg,
		store:         deps.Store,
		runner:        deps.Runner,
		monitor:       deps.Monitor,
		history:       deps.History,
		interruptions: deps.Interruptions,
		notifier:      deps.Notifier,
		locker:        deps.Locker,
		breakers:      deps.Breakers,
		logger:        deps.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.history == nil {
		s.history = history.NewMemoryStore()
	}
	if s.interruptions == nil {
		s.interruptions = interruption.NewMemoryRegistry()
	}
	if s.notifier == nil {
		s.notifier = notify.Logging{Logger: s.logger}
	}
	if s.locker == nil {
		s.locker = lease.NewMemoryLocker()
	}
	s.recorder = append(history.Multi{s.history}, deps.Recorders...)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Run computes a task and waits for its final response. Failures of the
// computation are reported in the response; the error is only set when the
// task could not start.
func (s *Service) Run(ctx context.Context, req csa.Request) (csa.Response, error) {
	if err := req.Validate(); err != nil {
		return csa.Response{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	release, err := s.locker.Acquire(ctx, req.ID)
	if err != nil {
		return csa.Response{}, err
	}
	return s.execute(ctx, req, release), nil
}

// Submit starts a task in the background
func (s *Service) Submit(ctx context.Context, req csa.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}

	release, err := s.locker.Acquire(ctx, req.ID)
	if err != nil {
		return err
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.execute(s.baseCtx, req, release)
	}()
	return nil
}

// Interrupt asks a running task to stop at its next iteration
func (s *Service) Interrupt(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidRequest)
	}
	return s.interruptions.Interrupt(ctx, taskID)
}

// Task returns the stored state of a task and its tested steps
func (s *Service) Task(ctx context.Context, id string) (history.TaskRecord, []history.StepRecord, error) {
	task, err := s.history.GetTask(ctx, id)
	if err != nil {
		return history.TaskRecord{}, nil, err
	}
	steps, err := s.history.Steps(ctx, id)
	if err != nil {
		return history.TaskRecord{}, nil, err
	}
	return task, steps, nil
}

// Subscriber is the subscription capability of the messaging client
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
	QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error
}

var _ Subscriber = (*messaging.Client)(nil)

// Listen takes tasks from csa.request, shared among runners of the queue
// group, and interruptions from csa.interrupt, seen by every runner.
func (s *Service) Listen(sub Subscriber, queue string) error {
	if err := sub.QueueSubscribe(messaging.SubjectCsaRequest, queue, s.handleRequest); err != nil {
		return err
	}
	return sub.Subscribe(messaging.SubjectCsaInterrupt, s.handleInterrupt)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	event, err := messaging.DecodeEvent(msg.Data)
	if err != nil {
		s.logger.Error("dropping malformed task request", zap.Error(err))
		return
	}
	req, err := messaging.ParseEventData[csa.Request](event)
	if err != nil {
		s.logger.Error("dropping malformed task request", zap.String("event_id", event.ID.String()), zap.Error(err))
		return
	}
	if err := s.Submit(s.baseCtx, *req); err != nil {
		s.logger.Error("task rejected", zap.String("task_id", req.ID), zap.Error(err))
	}
}

func (s *Service) handleInterrupt(msg *nats.Msg) {
	event, err := messaging.DecodeEvent(msg.Data)
	if err != nil {
		s.logger.Error("dropping malformed interruption", zap.Error(err))
		return
	}
	data, err := messaging.ParseEventData[messaging.InterruptEvent](event)
	if err != nil {
		s.logger.Error("dropping malformed interruption", zap.String("event_id", event.ID.String()), zap.Error(err))
		return
	}
	taskID := data.TaskID
	if taskID == "" {
		taskID = event.TaskID
	}
	if err := s.Interrupt(s.baseCtx, taskID); err != nil {
		s.logger.Error("failed to register interruption", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Shutdown stops accepting tasks and waits for the running ones. When ctx
// ends first, running tasks are cancelled and still get to report.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) execute(ctx context.Context, req csa.Request, release lease.Release) csa.Response {
	logger := s.logger.With(zap.String("task_id", req.ID))
	defer func() {
		if err := release(context.Background()); err != nil {
			logger.Warn("failed to release task lease", zap.Error(err))
		}
	}()

	if err := s.history.StartTask(ctx, req); err != nil {
		logger.Warn("failed to record task start", zap.Error(err))
	}
	logger.Info("task started", zap.Time("business_timestamp", req.BusinessTimestamp))

	resp := s.compute(ctx, req, logger)

	// the run may have been cancelled, reporting must still go through
	reportCtx := context.WithoutCancel(ctx)
	if err := s.history.FinishTask(reportCtx, resp); err != nil {
		logger.Warn("failed to record task end", zap.Error(err))
	}
	if err := s.notifier.Notify(reportCtx, resp); err != nil {
		logger.Warn("failed to publish task response", zap.Error(err))
	}
	logger.Info("task finished",
		zap.String("pt_es_status", string(resp.PtEsStatus)),
		zap.String("fr_es_status", string(resp.FrEsStatus)))
	return resp
}

func (s *Service) compute(ctx context.Context, req csa.Request, logger *zap.Logger) csa.Response {
	task, err := s.loadTask(ctx, req, logger)
	if err != nil {
		logger.Error("failed to load task inputs", zap.Error(err))
		return errorResponse(req.ID, err)
	}

	controller, err := dichotomy.NewController(s.config.Dichotomy, s.store, logger,
		dichotomy.WithNotifier(s.notifier),
		dichotomy.WithInterruptions(s.interruptions),
		dichotomy.WithRecorder(s.recorder),
	)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	result, err := controller.Run(ctx, task)
	if err != nil {
		logger.Error("dichotomy failed", zap.Error(err))
		return errorResponse(req.ID, err)
	}
	return result.Response(req.ID)
}

func (s *Service) loadTask(ctx context.Context, req csa.Request, logger *zap.Logger) (dichotomy.Task, error) {
	data, err := s.store.Get(ctx, req.GridModelURI)
	if err != nil {
		return dichotomy.Task{}, &crac.InvalidDataError{TaskID: req.ID, Message: fmt.Sprintf("cannot read grid model: %v", err)}
	}
	grid, err := memnet.Decode(data)
	if err != nil {
		return dichotomy.Task{}, &crac.InvalidDataError{TaskID: req.ID, Message: err.Error()}
	}

	scenario := validation.Scenario{
		TaskID:           req.ID,
		Timestamp:        req.BusinessTimestamp,
		RaoParametersURL: s.config.RaoParametersURL,
	}
	uris := map[csa.Border]string{csa.PtEs: req.PtEsCracFileURI, csa.FrEs: req.FrEsCracFileURI}
	rules := make(map[csa.Border]*crac.RuleSet, len(uris))
	validators := make(map[csa.Border]*validation.BorderValidator, len(uris))

	for _, b := range csa.Borders {
		ruleSet, url, err := s.loadRules(ctx, uris[b])
		if err != nil {
			return dichotomy.Task{}, &crac.InvalidDataError{TaskID: req.ID, Message: fmt.Sprintf("%s crac: %v", b, err)}
		}
		rules[b] = ruleSet

		var breaker *circuit.Breaker
		if s.breakers != nil {
			breaker = s.breakers.Get(string(b))
		}
		validators[b] = validation.NewBorderValidator(
			validation.BorderConfig{Border: b, Rules: ruleSet, CracFileURL: url},
			scenario, s.runner, s.monitor, s.store, breaker, logger,
		)
	}

	return dichotomy.Task{
		ID:        req.ID,
		Timestamp: req.BusinessTimestamp,
		Network:   grid,
		Rules:     rules,
		Validator: validation.NewCoordinator(validators[csa.PtEs], validators[csa.FrEs]),
	}, nil
}

func (s *Service) loadRules(ctx context.Context, uri string) (*crac.RuleSet, string, error) {
	data, err := s.store.Get(ctx, uri)
	if err != nil {
		return nil, "", err
	}
	rules, err := crac.Decode(data)
	if err != nil {
		return nil, "", err
	}
	url, err := s.store.PresignedURL(ctx, uri)
	if err != nil {
		return nil, "", err
	}
	return rules, url, nil
}

func errorResponse(taskID string, err error) csa.Response {
	return csa.Response{
		ID:         taskID,
		PtEsStatus: csa.StatusError,
		FrEsStatus: csa.StatusError,
		Error:      err.Error(),
	}
}
