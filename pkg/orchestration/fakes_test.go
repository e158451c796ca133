package orchestration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func newTestLogger() (Logger, *logrustest.Hook) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewLogrusLogger(logrus.NewEntry(logger)), hook
}

// callLog records provider calls across fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeWorkspaces struct {
	log       *callLog
	root      string
	createErr error
	partial   bool
	commitErr error
	mergeErrs map[string]error
}

func (f *fakeWorkspaces) CreateWorkspace(ctx context.Context, branch, path string) (*Workspace, error) {
	f.log.add("create %s", branch)
	ws := &Workspace{
		TrackID:   filepath.Base(branch),
		Branch:    branch,
		Path:      filepath.Join(f.root, filepath.Base(branch)),
		CreatedAt: time.Now(),
	}
	if f.createErr != nil {
		if f.partial {
			return ws, f.createErr
		}
		return nil, f.createErr
	}
	return ws, nil
}

func (f *fakeWorkspaces) CommitAll(ctx context.Context, ws *Workspace, message string) error {
	f.log.add("commit %s", message)
	return f.commitErr
}

func (f *fakeWorkspaces) RemoveWorkspace(ctx context.Context, ws *Workspace) error {
	f.log.add("remove %s", ws.Branch)
	return nil
}

func (f *fakeWorkspaces) MergeBranch(ctx context.Context, branch, target string) error {
	f.log.add("merge %s into %s", branch, target)
	if err, ok := f.mergeErrs[branch]; ok {
		return err
	}
	return nil
}

type fakeExecutors struct {
	mu       sync.Mutex
	log      *callLog
	startErr error
	stopErr  error
	specs    []ExecutorSpec
}

func (f *fakeExecutors) StartExecutor(ctx context.Context, spec ExecutorSpec) (*ExecutorHandle, error) {
	f.log.add("start %s", spec.TrackID)
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &ExecutorHandle{ID: "exec-" + spec.TrackID, Name: spec.Name, Address: "127.0.0.1:0", StartedAt: time.Now()}, nil
}

func (f *fakeExecutors) StopExecutor(ctx context.Context, handle *ExecutorHandle) error {
	f.log.add("stop %s", handle.ID)
	return f.stopErr
}

type fakeChannels struct {
	log     *callLog
	openErr error
	// results keyed by tool; missing tools succeed
	results map[string]*ToolResult
	errs    map[string]error
	// block makes every Invoke wait for its context
	block bool
}

func (f *fakeChannels) Open(ctx context.Context, ws *Workspace, handle *ExecutorHandle) (ToolChannel, error) {
	f.log.add("open %s", handle.ID)
	if f.openErr != nil {
		return nil, f.openErr
	}
	endpoint, err := ReadToolEndpoint(ws.Path)
	if err != nil {
		return nil, err
	}
	if endpoint.ExecutorID != handle.ID {
		return nil, fmt.Errorf("stale endpoint")
	}
	return &fakeChannel{parent: f}, nil
}

type fakeChannel struct {
	parent *fakeChannels
}

func (c *fakeChannel) Invoke(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	c.parent.log.add("invoke %s", tool)
	if c.parent.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := c.parent.errs[tool]; ok {
		return nil, err
	}
	if res, ok := c.parent.results[tool]; ok {
		return res, nil
	}
	return &ToolResult{Tool: tool}, nil
}

func (c *fakeChannel) Close() error {
	c.parent.log.add("close")
	return nil
}

// funcRunner adapts a function to TrackRunner.
type funcRunner func(ctx context.Context, track *Track, ec *ExecutionContext) TrackOutcome

func (f funcRunner) RunTrack(ctx context.Context, track *Track, ec *ExecutionContext) TrackOutcome {
	return f(ctx, track, ec)
}

func specs(defs ...TrackSpec) []TrackSpec {
	return defs
}

func spec(id string, deps ...string) TrackSpec {
	return TrackSpec{ID: id, Name: "Track " + id, DependsOn: deps}
}

func testSchedulerConfig(concurrency int) SchedulerConfig {
	return SchedulerConfig{
		Concurrency:  concurrency,
		PassInterval: time.Millisecond,
		CancelGrace:  time.Second,
	}
}
