// Package resilience provides the retry and circuit breaker policies used to
// guard track execution attempts. The two policies are independent and are
// composed at the call site: retries wrap a breaker-guarded call.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after every retry.
	BackoffFactor float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Jitter is the maximum relative jitter applied to each delay (0.2 = ±20%).
	// A jittered delay never exceeds MaxDelay.
	Jitter float64

	// Retryable decides whether an error is worth another attempt.
	// IsRetryable is used when nil.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the default retry behavior: 3 attempts,
// 1s initial delay doubling up to 30s, ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
		Jitter:        0.2,
	}
}

// WithDefaults fills zero or invalid fields from DefaultRetryPolicy.
// Jitter is kept as configured since zero means no jitter.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	return p
}

// Delay returns the un-jittered wait before retry number n (0-based):
// min(InitialDelay * BackoffFactor^n, MaxDelay).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(n))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// jittered spreads d uniformly over [d*(1-Jitter), d*(1+Jitter)], clamped to
// [0, MaxDelay].
func (p RetryPolicy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	factor := 1.0 + (rand.Float64()*2-1)*p.Jitter
	j := time.Duration(float64(d) * factor)
	if p.MaxDelay > 0 && j > p.MaxDelay {
		j = p.MaxDelay
	}
	if j < 0 {
		j = 0
	}
	return j
}

// RetryResult describes how a retried operation went.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// LastError is the error from the last attempt (nil on success).
	LastError error

	// TotalDuration includes time spent waiting between attempts.
	TotalDuration time.Duration
}

// Retries returns the number of attempts beyond the first.
func (r RetryResult) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// RetryFunc is an operation that can be retried. attempt starts at 1.
type RetryFunc func(ctx context.Context, attempt int) error

// Retry runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. Non-retryable errors return immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn RetryFunc) (RetryResult, error) {
	policy = policy.WithDefaults()
	start := time.Now()
	result := RetryResult{}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !policy.Retryable(err) || attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.jittered(policy.Delay(attempt - 1)))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.TotalDuration = time.Since(start)
			return result, result.LastError
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}
