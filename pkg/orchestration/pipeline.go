package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tools invoked on every attempt, in order.
const (
	ToolBuildProject = "build.project"
	ToolTestRun      = "test.run"
	ToolLintFix      = "lint.fix"
)

// DefaultToolSequence is the fixed build, test and lint-fix sequence.
var DefaultToolSequence = []string{ToolBuildProject, ToolTestRun, ToolLintFix}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Image           string
	Security        SecurityProfile
	ToolTimeout     time.Duration
	TeardownTimeout time.Duration
	RetainWorkspace bool
}

// WithDefaults fills zero fields.
func (c PipelineConfig) WithDefaults() PipelineConfig {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	c.Security = c.Security.WithDefaults()
	return c
}

// Pipeline runs one execution attempt of a track: workspace, executor, tool
// channel, the tool sequence and a commit, then teardown.
type Pipeline struct {
	workspaces WorkspaceProvider
	executors  ExecutorProvider
	channels   ToolChannelFactory
	config     PipelineConfig
	logger     Logger
}

// NewPipeline creates a pipeline over the given providers.
func NewPipeline(workspaces WorkspaceProvider, executors ExecutorProvider, channels ToolChannelFactory, config PipelineConfig, logger Logger) *Pipeline {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &Pipeline{
		workspaces: workspaces,
		executors:  executors,
		channels:   channels,
		config:     config.WithDefaults(),
		logger:     logger,
	}
}

// Workspaces returns the workspace provider, used by the merge phase.
func (p *Pipeline) Workspaces() WorkspaceProvider {
	return p.workspaces
}

// RunAttempt executes one attempt. Resources acquired by the attempt are
// released before it returns, whatever the outcome.
func (p *Pipeline) RunAttempt(ctx context.Context, track *Track, ec *ExecutionContext) error {
	attempt := ec.BeginAttempt()
	p.logger.Info("starting attempt", "track", track.ID, "attempt", attempt)

	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.TeardownTimeout)
		defer cancel()
		ec.Teardown(tctx)
	}()

	ws, err := p.workspaces.CreateWorkspace(ctx, track.Branch(), "")
	if err != nil {
		if ws != nil {
			p.removePartial(ctx, ws)
		}
		return newTrackError(KindWorkspace, track.ID, "create workspace", err)
	}
	if !ec.HoldWorkspace(ws, p.releaseWorkspace(ws)) {
		return newTrackError(KindCancelled, track.ID, "create workspace", ErrCancelled)
	}

	handle, err := p.executors.StartExecutor(ctx, ExecutorSpec{
		Name:          fmt.Sprintf("tracks-%s-a%d-%d", sanitizeForPath(track.ID), attempt, time.Now().UnixNano()),
		Image:         p.config.Image,
		TrackID:       track.ID,
		WorkspacePath: ws.Path,
		Security:      p.config.Security,
	})
	if err != nil {
		return newTrackError(KindExecutor, track.ID, "start executor", err)
	}
	if !ec.HoldExecutor(handle, func(ctx context.Context) error {
		return p.executors.StopExecutor(ctx, handle)
	}) {
		return newTrackError(KindCancelled, track.ID, "start executor", ErrCancelled)
	}

	if _, err := WriteToolEndpoint(ws, handle); err != nil {
		return newTrackError(KindExecutor, track.ID, "write tool endpoint", err)
	}

	channel, err := p.channels.Open(ctx, ws, handle)
	if err != nil {
		return newTrackError(KindTool, track.ID, "open tool channel", err)
	}
	if !ec.HoldChannel(func(context.Context) error { return channel.Close() }) {
		return newTrackError(KindCancelled, track.ID, "open tool channel", ErrCancelled)
	}

	for _, tool := range DefaultToolSequence {
		if err := p.invoke(ctx, channel, track, tool, attempt); err != nil {
			return err
		}
	}

	message := fmt.Sprintf("track(%s): %s", track.ID, track.Name)
	if err := p.workspaces.CommitAll(ctx, ws, message); err != nil {
		return newTrackError(KindCommit, track.ID, "commit", err)
	}

	p.logger.Info("attempt succeeded", "track", track.ID, "attempt", attempt)
	return nil
}

func (p *Pipeline) invoke(ctx context.Context, channel ToolChannel, track *Track, tool string, attempt int) error {
	callCtx, cancel := context.WithTimeout(ctx, p.config.ToolTimeout)
	defer cancel()

	args := map[string]any{
		"track":   track.ID,
		"attempt": attempt,
	}
	if len(track.Files) > 0 {
		args["files"] = track.Files
	}

	result, err := channel.Invoke(callCtx, tool, args)
	if err != nil {
		return newTrackError(KindTool, track.ID, tool, err)
	}
	if !result.Succeeded() {
		return newTrackError(KindTool, track.ID, tool,
			fmt.Errorf("exit code %d: %s", result.ExitCode, truncateOutput(result.Output, 512)))
	}
	p.logger.Debug("tool succeeded", "track", track.ID, "tool", tool, "duration", result.Duration)
	return nil
}

func (p *Pipeline) releaseWorkspace(ws *Workspace) func(context.Context) error {
	return func(ctx context.Context) error {
		if p.config.RetainWorkspace {
			p.logger.Info("retaining workspace", "track", ws.TrackID, "path", ws.Path)
			return nil
		}
		return p.workspaces.RemoveWorkspace(ctx, ws)
	}
}

func (p *Pipeline) removePartial(ctx context.Context, ws *Workspace) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.TeardownTimeout)
	defer cancel()
	if err := p.workspaces.RemoveWorkspace(tctx, ws); err != nil {
		p.logger.Warn("failed to remove partial workspace", "path", ws.Path, "error", err)
	}
}

func truncateOutput(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
