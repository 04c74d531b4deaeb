// Package history keeps track of counter-trading tasks and of every step
// tested during their search.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/csa"
)

var ErrTaskNotFound = errors.New("task not found")

// TaskState is the lifecycle state of a task
type TaskState string

const (
	StateRunning  TaskState = "RUNNING"
	StateFinished TaskState = "FINISHED"
	StateError    TaskState = "ERROR"
)

// TaskRecord is the stored state of a task
type TaskRecord struct {
	ID                string       `json:"id"`
	BusinessTimestamp time.Time    `json:"business_timestamp"`
	State             TaskState    `json:"state"`
	Response          csa.Response `json:"response"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// StepRecord is one tested border value
type StepRecord struct {
	TaskID         string            `json:"task_id"`
	Border         csa.Border        `json:"border"`
	Iteration      int               `json:"iteration"`
	Value          float64           `json:"ct"`
	Validated      bool              `json:"validated"`
	Secure         bool              `json:"secure"`
	Reason         csa.ReasonInvalid `json:"reason,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	RecordedAt     time.Time         `json:"recorded_at"`
}

// NewStepRecord flattens a step result
func NewStepRecord(taskID string, border csa.Border, iteration int, step csa.StepResult, at time.Time) StepRecord {
	return StepRecord{
		TaskID:         taskID,
		Border:         border,
		Iteration:      iteration,
		Value:          step.Values.For(border),
		Validated:      step.Validated,
		Secure:         step.IsSecure(),
		Reason:         step.Reason,
		FailureMessage: step.FailureMessage,
		RecordedAt:     at,
	}
}

// Store persists tasks and their steps
type Store interface {
	StartTask(ctx context.Context, req csa.Request) error
	FinishTask(ctx context.Context, resp csa.Response) error
	RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	Steps(ctx context.Context, taskID string) ([]StepRecord, error)
}

// StepRecorder is the write side of step history
type StepRecorder interface {
	RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error
}

// Multi fans a step out to several recorders. Every recorder is called and
// the errors are joined.
type Multi []StepRecorder

// RecordStep implements StepRecorder
func (m Multi) RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordStep(ctx, taskID, border, iteration, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logging records steps in the business log
type Logging struct {
	Logger *zap.Logger
}

// RecordStep implements StepRecorder
func (l Logging) RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error {
	l.Logger.Info("dichotomy step",
		zap.String("task_id", taskID),
		zap.String("border", string(border)),
		zap.Int("iteration", iteration),
		zap.Float64("ct", step.Values.For(border)),
		zap.Bool("secure", step.IsSecure()),
		zap.String("reason", string(step.Reason)))
	return nil
}

// MemoryStore keeps the history in memory
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]TaskRecord
	steps map[string][]StepRecord
	now   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]TaskRecord),
		steps: make(map[string][]StepRecord),
		now:   time.Now,
	}
}

// StartTask registers a running task, resetting any previous run of the same id
func (s *MemoryStore) StartTask(ctx context.Context, req csa.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.tasks[req.ID] = TaskRecord{
		ID:                req.ID,
		BusinessTimestamp: req.BusinessTimestamp,
		State:             StateRunning,
		Response:          csa.Response{ID: req.ID},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	delete(s.steps, req.ID)
	return nil
}

// FinishTask stores the final response of a task
func (s *MemoryStore) FinishTask(ctx context.Context, resp csa.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[resp.ID]
	if !ok {
		return ErrTaskNotFound
	}
	task.State = stateOf(resp)
	task.Response = resp
	task.UpdatedAt = s.now()
	s.tasks[resp.ID] = task
	return nil
}

// RecordStep implements StepRecorder
func (s *MemoryStore) RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[taskID] = append(s.steps[taskID], NewStepRecord(taskID, border, iteration, step, s.now()))
	return nil
}

// GetTask returns a task
func (s *MemoryStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, ErrTaskNotFound
	}
	return task, nil
}

// Steps returns the steps of a task ordered by iteration then border
func (s *MemoryStore) Steps(ctx context.Context, taskID string) ([]StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]StepRecord(nil), s.steps[taskID]...)
	sortSteps(out)
	return out, nil
}

func sortSteps(steps []StepRecord) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Iteration != steps[j].Iteration {
			return steps[i].Iteration < steps[j].Iteration
		}
		return steps[i].Border > steps[j].Border
	})
}

func stateOf(resp csa.Response) TaskState {
	if resp.Error != "" || resp.PtEsStatus == csa.StatusError || resp.FrEsStatus == csa.StatusError {
		return StateError
	}
	return StateFinished
}
