package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("track-a", DefaultBreakerConfig(), WithClock(clock.Now))

	failN(t, cb, 4)
	assert.Equal(t, StateClosed, cb.State())

	failN(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke the action")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "track-a", openErr.Name)
	assert.Equal(t, 60*time.Second, openErr.RetryAfter)
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("track-a", DefaultBreakerConfig(), WithClock(clock.Now))

	failN(t, cb, 4)
	clock.Advance(61 * time.Second)
	failN(t, cb, 4)
	assert.Equal(t, StateClosed, cb.State())

	failN(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	cfg := BreakerConfig{FailureThreshold: 2, MonitoringPeriod: time.Minute, ResetTimeout: 10 * time.Second}

	t.Run("success closes", func(t *testing.T) {
		cb := NewCircuitBreaker("a", cfg, WithClock(clock.Now))
		failN(t, cb, 2)
		require.Equal(t, StateOpen, cb.State())

		clock.Advance(10 * time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())

		err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker("b", cfg, WithClock(clock.Now))
		failN(t, cb, 2)
		clock.Advance(10 * time.Second)

		failN(t, cb, 1)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	})

	t.Run("only one trial at a time", func(t *testing.T) {
		cb := NewCircuitBreaker("c", cfg, WithClock(clock.Now))
		failN(t, cb, 2)
		clock.Advance(10 * time.Second)

		require.NoError(t, cb.Allow())
		assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

		cb.RecordSuccess()
		assert.NoError(t, cb.Allow())
	})
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker("a", BreakerConfig{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeHookAndReset(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("a", BreakerConfig{FailureThreshold: 1},
		WithStateChangeHook(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}))

	failN(t, cb, 1)
	cb.Reset()

	assert.Equal(t, []string{"a:closed->open", "a:open->closed"}, transitions)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerRegistry(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1})

	a := reg.Get("a")
	assert.Same(t, a, reg.Get("a"))
	assert.NotSame(t, a, reg.Get("b"))

	failN(t, a, 1)
	states := reg.States()
	assert.Equal(t, StateOpen, states["a"])
	assert.Equal(t, StateClosed, states["b"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
