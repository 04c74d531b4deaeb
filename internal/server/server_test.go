package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/csarunner/internal/auth"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/history"
	"github.com/terminal-bench/csarunner/internal/lease"
	"github.com/terminal-bench/csarunner/internal/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeTasks struct {
	submitted   []csa.Request
	interrupted []string
	submitErr   error
	records     map[string]history.TaskRecord
	steps       map[string][]history.StepRecord
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{records: map[string]history.TaskRecord{}, steps: map[string][]history.StepRecord{}}
}

func (f *fakeTasks) Submit(ctx context.Context, req csa.Request) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeTasks) Interrupt(ctx context.Context, taskID string) error {
	f.interrupted = append(f.interrupted, taskID)
	return nil
}

func (f *fakeTasks) Task(ctx context.Context, id string) (history.TaskRecord, []history.StepRecord, error) {
	task, ok := f.records[id]
	if !ok {
		return history.TaskRecord{}, nil, history.ErrTaskNotFound
	}
	return task, f.steps[id], nil
}

func validRequest() csa.Request {
	return csa.Request{
		ID:                "task-1",
		BusinessTimestamp: time.Date(2024, 3, 12, 14, 30, 0, 0, time.UTC),
		GridModelURI:      "inputs/network.yaml",
		PtEsCracFileURI:   "inputs/crac-PT-ES.json",
		FrEsCracFileURI:   "inputs/crac-FR-ES.json",
	}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	t.Run("should report healthy without authentication", func(t *testing.T) {
		s := New(Config{}, newFakeTasks(), nil, auth.NewVerifier("secret"), nil)

		w := do(t, s.Handler(), http.MethodGet, "/health", nil, "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	})

	t.Run("should include backend checks", func(t *testing.T) {
		s := New(Config{Health: func() (gin.H, bool) {
			return gin.H{"nats": gin.H{"connected": true}}, true
		}}, newFakeTasks(), nil, nil, nil)

		w := do(t, s.Handler(), http.MethodGet, "/health", nil, "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy","checks":{"nats":{"connected":true}}}`, w.Body.String())
	})

	t.Run("should answer unavailable when a backend is down", func(t *testing.T) {
		s := New(Config{Health: func() (gin.H, bool) {
			return gin.H{"nats": gin.H{"connected": false}}, false
		}}, newFakeTasks(), nil, nil, nil)

		w := do(t, s.Handler(), http.MethodGet, "/health", nil, "")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "unhealthy")
	})
}

func TestSubmitTask(t *testing.T) {
	t.Run("should accept a task", func(t *testing.T) {
		tasks := newFakeTasks()
		s := New(Config{}, tasks, nil, nil, nil)

		w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", validRequest(), "")

		assert.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, tasks.submitted, 1)
		assert.Equal(t, "task-1", tasks.submitted[0].ID)
	})

	t.Run("should generate a missing task id", func(t *testing.T) {
		tasks := newFakeTasks()
		s := New(Config{}, tasks, nil, nil, nil)
		req := validRequest()
		req.ID = ""

		w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", req, "")

		require.Equal(t, http.StatusAccepted, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tasks.submitted[0].ID, body["id"])
		assert.Len(t, body["id"], 36)
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		s := New(Config{}, newFakeTasks(), nil, nil, nil)

		w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", "not an object", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"should map invalid requests to 400", fmt.Errorf("%w: grid model uri is required", service.ErrInvalidRequest), http.StatusBadRequest},
		{"should map running tasks to 409", fmt.Errorf("task-1: %w", lease.ErrTaskLocked), http.StatusConflict},
		{"should map shutdown to 503", service.ErrShuttingDown, http.StatusServiceUnavailable},
		{"should hide internal errors", errors.New("etcd: no leader"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := newFakeTasks()
			tasks.submitErr = tt.err
			s := New(Config{}, tasks, nil, nil, nil)

			w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", validRequest(), "")

			assert.Equal(t, tt.want, w.Code)
			assert.NotContains(t, w.Body.String(), "etcd")
		})
	}
}

func TestInterruptTask(t *testing.T) {
	t.Run("should register the interruption", func(t *testing.T) {
		tasks := newFakeTasks()
		s := New(Config{}, tasks, nil, nil, nil)

		w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks/task-1/interrupt", nil, "")

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, []string{"task-1"}, tasks.interrupted)
	})
}

func TestGetTask(t *testing.T) {
	t.Run("should return the task and its steps", func(t *testing.T) {
		tasks := newFakeTasks()
		tasks.records["task-1"] = history.TaskRecord{ID: "task-1", State: history.StateFinished}
		tasks.steps["task-1"] = []history.StepRecord{{TaskID: "task-1", Border: csa.FrEs, Iteration: 0}}
		s := New(Config{}, tasks, nil, nil, nil)

		w := do(t, s.Handler(), http.MethodGet, "/api/v1/tasks/task-1", nil, "")

		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Task  history.TaskRecord   `json:"task"`
			Steps []history.StepRecord `json:"steps"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, history.StateFinished, body.Task.State)
		assert.Len(t, body.Steps, 1)
	})

	t.Run("should return 404 for unknown tasks", func(t *testing.T) {
		s := New(Config{}, newFakeTasks(), nil, nil, nil)

		w := do(t, s.Handler(), http.MethodGet, "/api/v1/tasks/missing", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAuthentication(t *testing.T) {
	verifier := auth.NewVerifier("secret")
	reader, err := verifier.Issue("viewer", time.Hour, auth.ScopeRead)
	require.NoError(t, err)
	writer, err := verifier.Issue("operator", time.Hour, auth.ScopeRead, auth.ScopeWrite)
	require.NoError(t, err)

	t.Run("should require a token", func(t *testing.T) {
		s := New(Config{}, newFakeTasks(), nil, verifier, nil)

		w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", validRequest(), "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject foreign tokens", func(t *testing.T) {
		s := New(Config{}, newFakeTasks(), nil, verifier, nil)
		foreign, err := auth.NewVerifier("other").Issue("operator", time.Hour, auth.ScopeWrite)
		require.NoError(t, err)

		w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", validRequest(), foreign)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should check scopes", func(t *testing.T) {
		tasks := newFakeTasks()
		s := New(Config{}, tasks, nil, verifier, nil)

		w := do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", validRequest(), reader)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = do(t, s.Handler(), http.MethodPost, "/api/v1/tasks", validRequest(), writer)
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Len(t, tasks.submitted, 1)
	})
}

func TestStream(t *testing.T) {
	t.Run("should serve the stream behind authentication", func(t *testing.T) {
		verifier := auth.NewVerifier("secret")
		token, err := verifier.Issue("viewer", time.Hour, auth.ScopeRead)
		require.NoError(t, err)
		served := 0
		stream := func(w http.ResponseWriter, r *http.Request) {
			served++
			w.WriteHeader(http.StatusSwitchingProtocols)
		}
		s := New(Config{}, newFakeTasks(), stream, verifier, nil)

		w := do(t, s.Handler(), http.MethodGet, "/ws/tasks", nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		do(t, s.Handler(), http.MethodGet, "/ws/tasks", nil, token)
		assert.Equal(t, 1, served)
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("should limit requests within the window", func(t *testing.T) {
		now := time.Date(2024, 3, 12, 14, 30, 0, 0, time.UTC)
		rl := &RateLimiter{requests: map[string][]time.Time{}, limit: 2, window: time.Minute, now: func() time.Time { return now }}

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.1"))
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))

		now = now.Add(2 * time.Minute)
		assert.True(t, rl.Allow("10.0.0.1"))
	})

	t.Run("should answer 429 once the limit is hit", func(t *testing.T) {
		s := New(Config{RateLimitMax: 1, RateLimitWindow: time.Minute}, newFakeTasks(), nil, nil, nil)

		assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/health", nil, "").Code)
		assert.Equal(t, http.StatusTooManyRequests, do(t, s.Handler(), http.MethodGet, "/health", nil, "").Code)
	})
}
