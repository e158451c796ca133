package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
)

// transientSignatures are matched case-insensitively against error messages.
var transientSignatures = []string{
	"connection refused",
	"connection reset",
	"reset by peer",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"rate limit",
	"rate-limit",
	"too many requests",
}

type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err looks like a transient failure.
// Circuit breaker rejections and cancellations are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

type classifiedError struct {
	err       error
	retryable bool
}

func (e *classifiedError) Error() string   { return e.err.Error() }
func (e *classifiedError) Unwrap() error   { return e.err }
func (e *classifiedError) Retryable() bool { return e.retryable }

// Permanent marks err as fatal regardless of its message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retryable: false}
}

// Transient marks err as retryable regardless of its message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retryable: true}
}
