package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	halfOpenMax int
	now         func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCount int
	openedAt      time.Time
	onStateChange func(name string, from, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(name string, from, to State)
}

// NewBreaker creates a new circuit breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		timeout:       cfg.Timeout,
		halfOpenMax:   cfg.HalfOpenMax,
		now:           time.Now,
		state:         StateClosed,
		onStateChange: cfg.OnStateChange,
	}
}

// Execute runs fn with circuit breaker protection. Context errors are
// returned without being counted as failures.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		b.release()
	default:
		b.recordFailure()
	}
	return err
}

func (b *Breaker) allowRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) <= b.timeout {
			return ErrCircuitOpen
		}
		b.transitionTo(StateHalfOpen)
		b.halfOpenCount = 1
		return nil

	case StateHalfOpen:
		if b.halfOpenCount >= b.halfOpenMax {
			return ErrTooManyRequests
		}
		b.halfOpenCount++
		return nil

	default:
		return errors.New("unknown state")
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.transitionTo(StateClosed)
		}
	}
}

// release frees a half-open slot taken by a call that neither failed nor succeeded
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCount > 0 {
		b.halfOpenCount--
	}
}

// open must be called with mu held
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transitionTo(StateOpen)
}

// transitionTo must be called with mu held
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}

	b.state = newState
	b.failures = 0
	b.successes = 0
	b.halfOpenCount = 0

	if b.onStateChange != nil {
		b.onStateChange(b.name, oldState, newState)
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns current failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failures = 0
}

// ForceOpen forces the circuit breaker to open state
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open()
}

// BreakerGroup manages multiple circuit breakers
type BreakerGroup struct {
	breakers map[string]*Breaker
	mu       sync.Mutex
	config   Config
}

// NewBreakerGroup creates a new breaker group
func NewBreakerGroup(defaultConfig Config) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

// Get returns or creates a circuit breaker for the given name
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, exists := g.breakers[name]; exists {
		return b
	}

	cfg := g.config
	cfg.Name = name
	b := NewBreaker(cfg)
	g.breakers[name] = b
	return b
}

// Execute executes with the named circuit breaker
func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return g.Get(name).Execute(ctx, fn)
}

// States returns all breaker states
func (g *BreakerGroup) States() map[string]State {
	g.mu.Lock()
	breakers := make(map[string]*Breaker, len(g.breakers))
	for name, b := range g.breakers {
		breakers[name] = b
	}
	g.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for name, b := range breakers {
		states[name] = b.State()
	}
	return states
}
