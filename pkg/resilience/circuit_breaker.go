package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError carries the breaker name and the remaining cool-down.
// It matches ErrCircuitOpen with errors.Is.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) true.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows calls through normally.
	StateClosed State = iota

	// StateOpen rejects all calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen allows a single trial call.
	StateHalfOpen
)

// String returns the human-readable name for the state.
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

// BreakerConfig configures circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within MonitoringPeriod that opens the breaker.
	FailureThreshold int

	// MonitoringPeriod is the sliding window failures are counted in.
	MonitoringPeriod time.Duration

	// ResetTimeout is how long the breaker stays open before allowing a trial call.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns 5 failures per 60s, 60s open.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		MonitoringPeriod: 60 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// WithDefaults replaces non-positive fields with their defaults.
func (c BreakerConfig) WithDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = def.MonitoringPeriod
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	return c
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateChangeHook registers fn to be called on every state transition.
// fn runs with the breaker lock held and must not call back into the breaker.
func WithStateChangeHook(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// CircuitBreaker implements the closed / open / half-open pattern.
// Safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	trialInFlight bool

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config.WithDefaults(),
		state:  StateClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the key this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, promoting open to half-open once the
// reset timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Allow reserves permission for one call. It returns an *OpenError when the
// call must be rejected.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := now.Sub(cb.openedAt)
		if elapsed < cb.config.ResetTimeout {
			return &OpenError{Name: cb.name, RetryAfter: cb.config.ResetTimeout - elapsed}
		}
		cb.transition(StateHalfOpen)
		cb.trialInFlight = true
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return &OpenError{Name: cb.name}
		}
		cb.trialInFlight = true
		return nil
	}
	return &OpenError{Name: cb.name}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.failures = nil
		cb.trialInFlight = false
		cb.transition(StateClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.openedAt = now
		cb.transition(StateOpen)
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.failures = nil
			cb.openedAt = now
			cb.transition(StateOpen)
		}
	}
}

// release gives back a half-open trial without judging the outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// Cancellation of ctx is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled):
		cb.release()
	default:
		cb.RecordFailure()
	}
	return err
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = nil
	cb.trialInFlight = false
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.MonitoringPeriod)
	keep := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	cb.failures = keep
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// BreakerRegistry hands out one breaker per key.
type BreakerRegistry struct {
	config BreakerConfig
	opts   []BreakerOption

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry whose breakers share config and opts.
func NewBreakerRegistry(config BreakerConfig, opts ...BreakerOption) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, r.config, r.opts...)
		r.breakers[key] = cb
	}
	return cb
}

// States returns a snapshot of every known breaker's state.
func (r *BreakerRegistry) States() map[string]State {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for _, cb := range breakers {
		states[cb.Name()] = cb.State()
	}
	return states
}
