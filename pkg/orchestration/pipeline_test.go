package orchestration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	log        *callLog
	workspaces *fakeWorkspaces
	executors  *fakeExecutors
	channels   *fakeChannels
	pipeline   *Pipeline
}

func newPipelineFixture(t *testing.T, config PipelineConfig) *pipelineFixture {
	t.Helper()
	log := &callLog{}
	f := &pipelineFixture{
		log:        log,
		workspaces: &fakeWorkspaces{log: log, root: t.TempDir()},
		executors:  &fakeExecutors{log: log},
		channels:   &fakeChannels{log: log},
	}
	logger, _ := newTestLogger()
	if config.Image == "" {
		config.Image = "golang:1.24"
	}
	f.pipeline = NewPipeline(f.workspaces, f.executors, f.channels, config, logger)
	return f
}

func (f *pipelineFixture) run(t *testing.T, track *Track) error {
	t.Helper()
	logger, _ := newTestLogger()
	return f.pipeline.RunAttempt(context.Background(), track, NewExecutionContext(track.ID, logger))
}

func TestPipeline_RunAttemptSuccess(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	track := NewTrack(TrackSpec{ID: "api", Name: "Build API"})

	require.NoError(t, f.run(t, track))

	assert.Equal(t, []string{
		"create work/api",
		"start api",
		"open exec-api",
		"invoke build.project",
		"invoke test.run",
		"invoke lint.fix",
		"commit track(api): Build API",
		"close",
		"stop exec-api",
		"remove work/api",
	}, f.log.list())

	require.Len(t, f.executors.specs, 1)
	spec := f.executors.specs[0]
	assert.Equal(t, "golang:1.24", spec.Image)
	assert.Equal(t, DefaultSecurityProfile(), spec.Security)
	assert.Equal(t, filepath.Join(f.workspaces.root, "api"), spec.WorkspacePath)

	endpoint, err := ReadToolEndpoint(spec.WorkspacePath)
	require.NoError(t, err)
	assert.Equal(t, "exec-api", endpoint.ExecutorID)
	assert.Equal(t, "api", endpoint.TrackID)
}

func TestPipeline_ToolFailureSkipsRemainingSteps(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	f.channels.results = map[string]*ToolResult{
		ToolTestRun: {Tool: ToolTestRun, ExitCode: 1, Output: "FAIL: TestHandler"},
	}
	track := NewTrack(TrackSpec{ID: "api", Name: "Build API"})

	err := f.run(t, track)
	var terr *TrackError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindTool, terr.Kind)
	assert.Equal(t, ToolTestRun, terr.Op)
	assert.Contains(t, err.Error(), "FAIL: TestHandler")

	calls := f.log.list()
	assert.NotContains(t, calls, "invoke lint.fix")
	assert.NotContains(t, calls, "commit track(api): Build API")
	assert.Equal(t, []string{"close", "stop exec-api", "remove work/api"}, calls[len(calls)-3:])
}

func TestPipeline_ToolTransportErrorIsRetryable(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	f.channels.errs = map[string]error{ToolBuildProject: errors.New("read tcp: connection reset by peer")}

	err := f.run(t, NewTrack(spec("x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPipeline_WorkspaceFailure(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	f.workspaces.createErr = errors.New("fatal: invalid reference")
	f.workspaces.partial = true

	err := f.run(t, NewTrack(spec("x")))
	var terr *TrackError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindWorkspace, terr.Kind)

	// The partial checkout is removed and nothing else starts.
	assert.Equal(t, []string{"create work/x", "remove work/x"}, f.log.list())
}

func TestPipeline_ExecutorFailureRemovesWorkspace(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	f.executors.startErr = errors.New("Cannot connect to the Docker daemon")

	err := f.run(t, NewTrack(spec("x")))
	var terr *TrackError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindExecutor, terr.Kind)
	assert.Equal(t, []string{"create work/x", "start x", "remove work/x"}, f.log.list())
}

func TestPipeline_CommitFailure(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	f.workspaces.commitErr = errors.New("index.lock exists")

	err := f.run(t, NewTrack(spec("x")))
	var terr *TrackError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindCommit, terr.Kind)
}

func TestPipeline_TeardownErrorsAreSwallowed(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{})
	f.executors.stopErr = errors.New("container busy")

	logger, hook := newTestLogger()
	track := NewTrack(spec("x"))
	err := f.pipeline.RunAttempt(context.Background(), track, NewExecutionContext(track.ID, logger))
	require.NoError(t, err)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "teardown failed" && entry.Data["resource"] == "executor" {
			warned = true
		}
	}
	assert.True(t, warned, "teardown failure should be logged")
	assert.Contains(t, f.log.list(), "remove work/x")
}

func TestPipeline_RetainWorkspace(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{RetainWorkspace: true})

	require.NoError(t, f.run(t, NewTrack(spec("keep"))))
	assert.NotContains(t, f.log.list(), "remove work/keep")
}

func TestPipeline_RewritesEndpointPerAttempt(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{RetainWorkspace: true})
	track := NewTrack(spec("again"))

	path := filepath.Join(f.workspaces.root, "again", ToolEndpointFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"address":"old:1","executor_id":"stale"}`), 0644))

	require.NoError(t, f.run(t, track))

	endpoint, err := ReadToolEndpoint(filepath.Join(f.workspaces.root, "again"))
	require.NoError(t, err)
	assert.Equal(t, "exec-again", endpoint.ExecutorID)
}
