// Package server exposes the runner over HTTP: task submission,
// interruption, inspection and a websocket stream of task responses.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/auth"
	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/internal/history"
	"github.com/terminal-bench/csarunner/internal/lease"
	"github.com/terminal-bench/csarunner/internal/service"
)

// Tasks is what the API needs from the runner
type Tasks interface {
	Submit(ctx context.Context, req csa.Request) error
	Interrupt(ctx context.Context, taskID string) error
	Task(ctx context.Context, id string) (history.TaskRecord, []history.StepRecord, error)
}

var _ Tasks = (*service.Service)(nil)

// Config holds API configuration
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
	// Health reports the state of the backends on /health. A false ok
	// answers 503.
	Health func() (details gin.H, ok bool)
}

// Server is the runner API
type Server struct {
	router      *gin.Engine
	tasks       Tasks
	stream      http.HandlerFunc
	verifier    *auth.Verifier
	rateLimiter *RateLimiter
	health      func() (gin.H, bool)
	logger      *zap.Logger
}

// New creates the API. A nil verifier leaves the API open; a nil stream
// disables the websocket route.
func New(cfg Config, tasks Tasks, stream http.HandlerFunc, verifier *auth.Verifier, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	s := &Server{
		router:   gin.New(),
		tasks:    tasks,
		stream:   stream,
		verifier: verifier,
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
			now:      time.Now,
		},
		health: cfg.Health,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.rateLimitMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/tasks", s.authMiddleware(auth.ScopeWrite), s.submitTask)
		v1.GET("/tasks/:id", s.authMiddleware(auth.ScopeRead), s.getTask)
		v1.POST("/tasks/:id/interrupt", s.authMiddleware(auth.ScopeWrite), s.interruptTask)
	}

	if s.stream != nil {
		s.router.GET("/ws/tasks", s.authMiddleware(auth.ScopeRead), gin.WrapF(s.stream))
	}
}

// Middleware

func (s *Server) authMiddleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}

		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		if !strings.HasPrefix(token, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization scheme"})
			return
		}

		claims, err := s.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if !claims.Allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope " + scope})
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)

		start := time.Now()
		c.Next()
		s.logger.Debug("request served",
			zap.String("correlation_id", correlationID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Handlers

func (s *Server) healthCheck(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	details, ok := s.health()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": details})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "checks": details})
}

func (s *Server) submitTask(c *gin.Context) {
	var req csa.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := s.tasks.Submit(c.Request.Context(), req); err != nil {
		s.writeError(c, req.ID, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": req.ID})
}

func (s *Server) interruptTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.tasks.Interrupt(c.Request.Context(), id); err != nil {
		s.writeError(c, id, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "message": "interruption requested"})
}

func (s *Server) getTask(c *gin.Context) {
	id := c.Param("id")
	task, steps, err := s.tasks.Task(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, id, err)
		return
	}
	if steps == nil {
		steps = []history.StepRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "steps": steps})
}

func (s *Server) writeError(c *gin.Context, taskID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, history.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lease.ErrTaskLocked):
		status = http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("task_id", taskID), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// RateLimiter is a sliding window limiter keyed by client
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// Allow checks if a request is allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}
