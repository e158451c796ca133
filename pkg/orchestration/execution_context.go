package orchestration

import (
	"context"
	"sync"
	"time"
)

type release struct {
	name string
	fn   func(context.Context) error
}

// ExecutionContext tracks the resources held by one running track. Resources
// are released in reverse acquisition order, each at most once.
type ExecutionContext struct {
	TrackID   string
	StartedAt time.Time

	logger Logger

	mu        sync.Mutex
	attempt   int
	aborted   bool
	workspace *Workspace
	executor  *ExecutorHandle
	releases  []release
}

// NewExecutionContext creates the context for a track about to start.
func NewExecutionContext(trackID string, logger Logger) *ExecutionContext {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &ExecutionContext{
		TrackID:   trackID,
		StartedAt: time.Now(),
		logger:    logger,
	}
}

// BeginAttempt increments the attempt counter and returns the new value.
func (ec *ExecutionContext) BeginAttempt() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.attempt++
	ec.workspace = nil
	ec.executor = nil
	return ec.attempt
}

// Attempt returns the number of attempts begun.
func (ec *ExecutionContext) Attempt() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.attempt
}

// Aborted reports whether Abort has been called.
func (ec *ExecutionContext) Aborted() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.aborted
}

// Workspace returns the workspace held by the current attempt, if any.
func (ec *ExecutionContext) Workspace() *Workspace {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.workspace
}

// Executor returns the executor held by the current attempt, if any.
func (ec *ExecutionContext) Executor() *ExecutorHandle {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.executor
}

// HoldWorkspace records ws and its release. It returns false and releases
// immediately if the context was aborted.
func (ec *ExecutionContext) HoldWorkspace(ws *Workspace, fn func(context.Context) error) bool {
	ec.mu.Lock()
	ec.workspace = ws
	ec.mu.Unlock()
	return ec.push("workspace", fn)
}

// HoldExecutor records handle and its release.
func (ec *ExecutionContext) HoldExecutor(handle *ExecutorHandle, fn func(context.Context) error) bool {
	ec.mu.Lock()
	ec.executor = handle
	ec.mu.Unlock()
	return ec.push("executor", fn)
}

// HoldChannel records the release of an open tool channel.
func (ec *ExecutionContext) HoldChannel(fn func(context.Context) error) bool {
	return ec.push("tool_channel", fn)
}

func (ec *ExecutionContext) push(name string, fn func(context.Context) error) bool {
	ec.mu.Lock()
	if ec.aborted {
		ec.mu.Unlock()
		ec.run(context.Background(), release{name: name, fn: fn})
		return false
	}
	ec.releases = append(ec.releases, release{name: name, fn: fn})
	ec.mu.Unlock()
	return true
}

// Teardown releases every held resource in reverse order. Errors are logged
// and swallowed. Safe to call repeatedly and concurrently.
func (ec *ExecutionContext) Teardown(ctx context.Context) {
	ec.mu.Lock()
	pending := ec.releases
	ec.releases = nil
	ec.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		ec.run(ctx, pending[i])
	}
}

// Abort tears down held resources and makes later acquisitions release
// immediately.
func (ec *ExecutionContext) Abort(ctx context.Context) {
	ec.mu.Lock()
	ec.aborted = true
	ec.mu.Unlock()
	ec.Teardown(ctx)
}

func (ec *ExecutionContext) run(ctx context.Context, r release) {
	if r.fn == nil {
		return
	}
	if err := r.fn(ctx); err != nil {
		ec.logger.Warn("teardown failed", "track", ec.TrackID, "resource", r.name, "error", err)
		return
	}
	ec.logger.Debug("released resource", "track", ec.TrackID, "resource", r.name)
}
