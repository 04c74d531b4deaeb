package history

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/terminal-bench/csarunner/internal/csa"
)

var businessTime = time.Date(2023, 8, 8, 15, 30, 0, 0, time.UTC)

func pairAt(pt, fr float64, ptSecure, frSecure bool) csa.Pair {
	values := csa.CounterTradingValues{PtEs: pt, FrEs: fr}
	return csa.Pair{
		Values: values,
		PtEs:   csa.NewValidationStep(values, nil, ptSecure),
		FrEs:   csa.NewValidationStep(values, nil, frSecure),
	}
}

type failingRecorder struct{ err error }

func (f failingRecorder) RecordStep(context.Context, string, csa.Border, int, csa.StepResult) error {
	return f.err
}

func TestNewStepRecord(t *testing.T) {
	t.Run("should flatten a validated step", func(t *testing.T) {
		pair := pairAt(120, 340.5, true, false)

		pt := NewStepRecord("task-1", csa.PtEs, 3, pair.PtEs, businessTime)
		assert.Equal(t, 120.0, pt.Value)
		assert.True(t, pt.Validated)
		assert.True(t, pt.Secure)
		assert.Empty(t, pt.Reason)

		fr := NewStepRecord("task-1", csa.FrEs, 3, pair.FrEs, businessTime)
		assert.Equal(t, 340.5, fr.Value)
		assert.False(t, fr.Secure)
		assert.Equal(t, csa.ReasonUnsecureAfterValidation, fr.Reason)
	})

	t.Run("should keep the failure message of a failed step", func(t *testing.T) {
		pair := csa.FailedPair(csa.CounterTradingValues{FrEs: 64}, csa.ReasonGlskLimitation, errors.New("no more margin in FR"))

		r := NewStepRecord("task-1", csa.FrEs, 4, pair.FrEs, businessTime)
		assert.False(t, r.Validated)
		assert.False(t, r.Secure)
		assert.Equal(t, csa.ReasonGlskLimitation, r.Reason)
		assert.Contains(t, r.FailureMessage, "no more margin in FR")
	})
}

func TestMulti(t *testing.T) {
	t.Run("should call every recorder and join errors", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.StartTask(context.Background(), csa.Request{ID: "task-1", BusinessTimestamp: businessTime}))
		boom := errors.New("influx unreachable")

		multi := Multi{failingRecorder{err: boom}, store}
		err := multi.RecordStep(context.Background(), "task-1", csa.PtEs, 0, pairAt(0, 0, false, false).PtEs)

		assert.ErrorIs(t, err, boom)
		steps, err := store.Steps(context.Background(), "task-1")
		require.NoError(t, err)
		assert.Len(t, steps, 1)
	})

	t.Run("should succeed when every recorder succeeds", func(t *testing.T) {
		multi := Multi{NewMemoryStore(), NewMemoryStore()}
		assert.NoError(t, multi.RecordStep(context.Background(), "task-1", csa.FrEs, 1, pairAt(0, 1, true, true).FrEs))
	})
}

func TestLogging(t *testing.T) {
	t.Run("should log the step of a border", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		recorder := Logging{Logger: zap.New(core)}

		require.NoError(t, recorder.RecordStep(context.Background(), "task-1", csa.FrEs, 2, pairAt(0, 128, true, false).FrEs))

		entries := logs.FilterMessage("dichotomy step").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "FR-ES", fields["border"])
		assert.Equal(t, 128.0, fields["ct"])
		assert.Equal(t, false, fields["secure"])
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should track a task from start to finish", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.StartTask(ctx, csa.Request{ID: "task-1", BusinessTimestamp: businessTime}))

		task, err := store.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, StateRunning, task.State)
		assert.Equal(t, businessTime, task.BusinessTimestamp)

		resp := csa.Response{ID: "task-1", PtEsStatus: csa.StatusFinishedSecure, FrEsStatus: csa.StatusFinishedUnsecure}
		require.NoError(t, store.FinishTask(ctx, resp))

		task, err = store.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, StateFinished, task.State)
		assert.Equal(t, resp, task.Response)
	})

	t.Run("should mark errored tasks", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.StartTask(ctx, csa.Request{ID: "task-1", BusinessTimestamp: businessTime}))

		require.NoError(t, store.FinishTask(ctx, csa.Response{ID: "task-1", PtEsStatus: csa.StatusError, FrEsStatus: csa.StatusError, Error: "boom"}))

		task, _ := store.GetTask(ctx, "task-1")
		assert.Equal(t, StateError, task.State)
	})

	t.Run("should fail on unknown tasks", func(t *testing.T) {
		store := NewMemoryStore()

		_, err := store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.ErrorIs(t, store.FinishTask(ctx, csa.Response{ID: "missing"}), ErrTaskNotFound)
	})

	t.Run("should order steps by iteration then border", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.StartTask(ctx, csa.Request{ID: "task-1", BusinessTimestamp: businessTime}))

		second := pairAt(0, 256, true, true)
		first := pairAt(0, 0, true, false)
		require.NoError(t, store.RecordStep(ctx, "task-1", csa.FrEs, 1, second.FrEs))
		require.NoError(t, store.RecordStep(ctx, "task-1", csa.PtEs, 1, second.PtEs))
		require.NoError(t, store.RecordStep(ctx, "task-1", csa.FrEs, 0, first.FrEs))
		require.NoError(t, store.RecordStep(ctx, "task-1", csa.PtEs, 0, first.PtEs))

		steps, err := store.Steps(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, steps, 4)

		type key struct {
			Iteration int
			Border    csa.Border
		}
		var got []key
		for _, s := range steps {
			got = append(got, key{s.Iteration, s.Border})
		}
		assert.Equal(t, []key{{0, csa.PtEs}, {0, csa.FrEs}, {1, csa.PtEs}, {1, csa.FrEs}}, got)
	})

	t.Run("should reset steps when a task restarts", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.StartTask(ctx, csa.Request{ID: "task-1", BusinessTimestamp: businessTime}))
		require.NoError(t, store.RecordStep(ctx, "task-1", csa.PtEs, 0, pairAt(0, 0, true, true).PtEs))

		require.NoError(t, store.StartTask(ctx, csa.Request{ID: "task-1", BusinessTimestamp: businessTime}))

		steps, err := store.Steps(ctx, "task-1")
		require.NoError(t, err)
		assert.Empty(t, steps)
	})
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("CSA_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CSA_TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	id := "it-" + time.Now().Format("20060102150405.000000")

	t.Run("should persist a task and its steps", func(t *testing.T) {
		require.NoError(t, store.StartTask(ctx, csa.Request{ID: id, BusinessTimestamp: businessTime}))

		pair := pairAt(0, 128, true, false)
		require.NoError(t, store.RecordStep(ctx, id, csa.FrEs, 2, pair.FrEs))
		require.NoError(t, store.RecordStep(ctx, id, csa.PtEs, 2, pair.PtEs))

		require.NoError(t, store.FinishTask(ctx, csa.Response{ID: id, PtEsStatus: csa.StatusFinishedSecure, FrEsStatus: csa.StatusFinishedSecure}))

		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateFinished, task.State)
		assert.Equal(t, csa.StatusFinishedSecure, task.Response.FrEsStatus)

		steps, err := store.Steps(ctx, id)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, csa.PtEs, steps[0].Border)
		assert.Equal(t, 128.0, steps[1].Value)
	})

	t.Run("should report unknown tasks", func(t *testing.T) {
		_, err := store.GetTask(ctx, id+"-missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}
