package orchestration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency is matched by validation errors caused by a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrStalledExecution is the cause recorded on tracks swept by stall detection.
	ErrStalledExecution = errors.New("stalled execution")

	// ErrCancelled is the cause recorded on tracks stopped by cancellation.
	ErrCancelled = errors.New("execution cancelled")

	// ErrInconsistentGraph means partitioning found no candidates although
	// tracks remain, which a validated DAG cannot produce.
	ErrInconsistentGraph = errors.New("inconsistent dependency graph")
)

// ValidationKind classifies plan validation failures.
type ValidationKind string

const (
	ValidationCyclic    ValidationKind = "cyclic"
	ValidationMalformed ValidationKind = "malformed"
	ValidationDuplicate ValidationKind = "duplicate"
	ValidationEmpty     ValidationKind = "empty"
)

// ValidationError is returned when a plan cannot be built. No partial plan
// accompanies it.
type ValidationError struct {
	Kind   ValidationKind
	Tracks []string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid plan")
	if e.Kind != "" {
		fmt.Fprintf(&b, " (%s)", e.Kind)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches ErrCyclicDependency for cycle errors.
func (e *ValidationError) Is(target error) bool {
	return target == ErrCyclicDependency && e.Kind == ValidationCyclic
}

// ErrorKind classifies attempt- and scheduler-level track failures.
type ErrorKind string

const (
	KindWorkspace   ErrorKind = "workspace"
	KindExecutor    ErrorKind = "executor"
	KindTool        ErrorKind = "tool"
	KindCommit      ErrorKind = "commit"
	KindMerge       ErrorKind = "merge"
	KindStalled     ErrorKind = "stalled"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindCancelled   ErrorKind = "cancelled"
	KindInternal    ErrorKind = "internal"
)

// TrackError is a failure scoped to one track.
type TrackError struct {
	Kind    ErrorKind
	TrackID string
	Op      string
	Err     error
}

func (e *TrackError) Error() string {
	msg := fmt.Sprintf("track %s: %s", e.TrackID, e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TrackError) Unwrap() error {
	return e.Err
}

func newTrackError(kind ErrorKind, trackID, op string, err error) *TrackError {
	return &TrackError{Kind: kind, TrackID: trackID, Op: op, Err: err}
}

// FailureReason is the terminal reason attached to a failed track.
type FailureReason string

const (
	ReasonNone        FailureReason = ""
	ReasonError       FailureReason = "error"
	ReasonStalled     FailureReason = "stalled"
	ReasonCircuitOpen FailureReason = "circuit_open"
	ReasonCancelled   FailureReason = "cancelled"
)
