package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/mattsolo1/grove-tracks/pkg/resilience"
)

// AttemptRunner runs a single execution attempt of a track.
type AttemptRunner interface {
	RunAttempt(ctx context.Context, track *Track, ec *ExecutionContext) error
}

// AttemptFunc adapts a function to AttemptRunner.
type AttemptFunc func(ctx context.Context, track *Track, ec *ExecutionContext) error

// RunAttempt calls f.
func (f AttemptFunc) RunAttempt(ctx context.Context, track *Track, ec *ExecutionContext) error {
	return f(ctx, track, ec)
}

// TrackOutcome is what a TrackRunner reports for one track.
type TrackOutcome struct {
	Err        error
	Reason     FailureReason
	Attempts   int
	RetryCount int
	Duration   time.Duration
}

// TrackRunner runs a track until it succeeds or gives up.
type TrackRunner interface {
	RunTrack(ctx context.Context, track *Track, ec *ExecutionContext) TrackOutcome
}

// ResilientRunner retries breaker-guarded attempts. An open breaker ends the
// track immediately.
type ResilientRunner struct {
	attempts AttemptRunner
	policy   resilience.RetryPolicy
	breakers *resilience.BreakerRegistry
	metrics  *Metrics
	logger   Logger
}

// NewResilientRunner composes attempts with policy and one breaker per track
// from breakers. metrics may be nil.
func NewResilientRunner(attempts AttemptRunner, policy resilience.RetryPolicy, breakers *resilience.BreakerRegistry, metrics *Metrics, logger Logger) *ResilientRunner {
	if breakers == nil {
		breakers = resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}

	policy = policy.WithDefaults()
	retryable := policy.Retryable
	policy.Retryable = func(err error) bool {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return false
		}
		return retryable(err)
	}

	return &ResilientRunner{
		attempts: attempts,
		policy:   policy,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
	}
}

// Breakers returns the registry backing the runner.
func (r *ResilientRunner) Breakers() *resilience.BreakerRegistry {
	return r.breakers
}

// RunTrack implements TrackRunner.
func (r *ResilientRunner) RunTrack(ctx context.Context, track *Track, ec *ExecutionContext) TrackOutcome {
	breaker := r.breakers.Get(track.ID)

	result, err := resilience.Retry(ctx, r.policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			r.logger.Info("retrying track", "track", track.ID, "attempt", attempt, "max_attempts", r.policy.MaxAttempts)
		}
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			r.metrics.attempt(track.ID, attempt)
			return r.attempts.RunAttempt(ctx, track, ec)
		})
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			r.logger.Warn("attempt failed", "track", track.ID, "attempt", attempt,
				"retryable", r.policy.Retryable(err), "error", err)
		}
		return err
	})

	outcome := TrackOutcome{
		Attempts:   result.Attempts,
		RetryCount: result.Retries(),
		Duration:   result.TotalDuration,
	}

	switch {
	case err == nil:
		outcome.Reason = ReasonNone
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.metrics.circuitRejected(track.ID)
		outcome.Reason = ReasonCircuitOpen
		outcome.Err = newTrackError(KindCircuitOpen, track.ID, "attempt", err)
	case ctx.Err() != nil:
		outcome.Reason = ReasonCancelled
		outcome.Err = newTrackError(KindCancelled, track.ID, "attempt", errors.Join(ErrCancelled, err))
	default:
		outcome.Reason = ReasonError
		outcome.Err = err
	}
	return outcome
}
