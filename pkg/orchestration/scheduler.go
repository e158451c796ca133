package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Concurrency is the maximum number of tracks running at once.
	Concurrency int

	// PassInterval is the minimum time between scheduling passes.
	PassInterval time.Duration

	// CancelGrace bounds how long cancellation waits for in-flight tracks.
	CancelGrace time.Duration
}

// DefaultSchedulerConfig returns the default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Concurrency:  3,
		PassInterval: time.Second,
		CancelGrace:  5 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultSchedulerConfig.
func (c SchedulerConfig) WithDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PassInterval <= 0 {
		c.PassInterval = def.PassInterval
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = def.CancelGrace
	}
	return c
}

// TrackResult is the terminal record of one track.
type TrackResult struct {
	TrackID    string        `json:"track_id"`
	Name       string        `json:"name"`
	Status     TrackStatus   `json:"status"`
	Reason     FailureReason `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	Err        error         `json:"-"`
	Attempts   int           `json:"attempts"`
	RetryCount int           `json:"retry_count"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	MergeError string        `json:"merge_error,omitempty"`
}

// Duration returns the wall time the track ran.
func (r *TrackResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExecutionReport is the outcome of Scheduler.Execute.
type ExecutionReport struct {
	PlanID    string                  `json:"plan_id"`
	Order     []string                `json:"order"`
	Results   map[string]*TrackResult `json:"results"`
	Completed int                     `json:"completed"`
	Merged    int                     `json:"merged"`
	Failed    int                     `json:"failed"`
	Stalled   int                     `json:"stalled"`
	Cancelled int                     `json:"cancelled"`
	StartedAt time.Time               `json:"started_at"`
	Duration  time.Duration           `json:"duration"`
}

// Succeeded reports whether no track failed.
func (r *ExecutionReport) Succeeded() bool {
	return r.Failed == 0
}

func (r *ExecutionReport) tally() {
	r.Completed, r.Merged, r.Failed, r.Stalled, r.Cancelled = 0, 0, 0, 0, 0
	for _, res := range r.Results {
		switch res.Status {
		case TrackStatusCompleted:
			r.Completed++
		case TrackStatusMerged:
			r.Completed++
			r.Merged++
		case TrackStatusFailed:
			r.Failed++
			switch res.Reason {
			case ReasonStalled:
				r.Stalled++
			case ReasonCancelled:
				r.Cancelled++
			}
		}
	}
}

// SchedulerOption configures optional Scheduler collaborators.
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics the scheduler records to.
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

type trackDone struct {
	id      string
	outcome TrackOutcome
}

// Scheduler executes a plan under a concurrency ceiling. The completed,
// failed, running and active tables are owned by the Execute loop.
type Scheduler struct {
	plan    *Plan
	runner  TrackRunner
	config  SchedulerConfig
	logger  Logger
	metrics *Metrics

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	completed map[string]bool
	failed    map[string]bool
	running   map[string]bool
	active    map[string]*ExecutionContext
	results   map[string]*TrackResult

	outcomes   chan trackDone
	cancelCh   chan struct{}
	cancelOnce sync.Once
	progress   progressBroadcaster

	mu       sync.Mutex
	executed bool
	report   *ExecutionReport
}

// NewScheduler creates a scheduler for plan.
func NewScheduler(plan *Plan, runner TrackRunner, config SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	config = config.WithDefaults()
	s := &Scheduler{
		plan:      plan,
		runner:    runner,
		config:    config,
		logger:    NewDefaultLogger(),
		sem:       semaphore.NewWeighted(int64(config.Concurrency)),
		limiter:   rate.NewLimiter(rate.Every(config.PassInterval), 1),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		running:   make(map[string]bool),
		active:    make(map[string]*ExecutionContext),
		results:   make(map[string]*TrackResult, len(plan.Tracks)),
		outcomes:  make(chan trackDone, len(plan.Tracks)),
		cancelCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range plan.Tracks {
		s.results[t.ID] = &TrackResult{TrackID: t.ID, Name: t.Name, Status: TrackStatusPending}
	}
	return s
}

// Plan returns the plan being executed.
func (s *Scheduler) Plan() *Plan {
	return s.plan
}

// Subscribe returns a channel of progress snapshots. It holds at most the
// latest snapshot and is closed when Execute returns.
func (s *Scheduler) Subscribe() <-chan ProgressSnapshot {
	return s.progress.subscribe()
}

// Status returns the most recent progress snapshot.
func (s *Scheduler) Status() ProgressSnapshot {
	snap := s.progress.snapshot()
	if snap.Total == 0 {
		return newSnapshot(s.plan, "")
	}
	return snap
}

// Report returns the execution report, or nil before Execute returns.
func (s *Scheduler) Report() *ExecutionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Cancel stops admission and tears down running tracks. It is idempotent and
// safe to call before, during or after Execute.
func (s *Scheduler) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelCh)
	})
}

func (s *Scheduler) cancelRequested(ctx context.Context) bool {
	select {
	case <-s.cancelCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Execute runs the plan until every track is completed or failed, the plan
// stalls, or execution is cancelled. Cancellation returns the report together
// with an error matching ErrCancelled.
func (s *Scheduler) Execute(ctx context.Context) (*ExecutionReport, error) {
	s.mu.Lock()
	if s.executed {
		s.mu.Unlock()
		return nil, errors.New("scheduler has already executed")
	}
	s.executed = true
	s.mu.Unlock()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var g errgroup.Group
	start := time.Now()
	s.logger.Info("executing plan", "plan", s.plan.ID, "tracks", len(s.plan.Tracks), "concurrency", s.config.Concurrency)
	s.publish("")

	cancelled := false
	for !s.allTerminal() {
		if s.cancelRequested(ctx) {
			cancelled = true
			break
		}
		s.drain()
		s.metrics.pass()
		s.markBlocked()
		s.admit(runCtx, &g)

		if s.allTerminal() {
			break
		}
		if len(s.running) == 0 {
			s.sweepStalled()
			break
		}
		if !s.wait(ctx) {
			cancelled = true
			break
		}
	}

	if cancelled {
		s.cancelAll(cancelRun, &g)
	} else {
		g.Wait()
	}

	report := s.buildReport(start)
	s.progress.close()

	s.logger.Info("plan finished", "plan", s.plan.ID,
		"completed", report.Completed, "failed", report.Failed,
		"stalled", report.Stalled, "cancelled", report.Cancelled,
		"duration", report.Duration.Round(time.Millisecond))

	if cancelled {
		return report, fmt.Errorf("plan %s: %w", s.plan.ID, ErrCancelled)
	}
	return report, nil
}

func (s *Scheduler) allTerminal() bool {
	return len(s.completed)+len(s.failed) == len(s.plan.Tracks)
}

// wait blocks until a running track finishes and the next pass slot opens.
// It returns false on cancellation.
func (s *Scheduler) wait(ctx context.Context) bool {
	select {
	case done := <-s.outcomes:
		s.apply(done)
	case <-s.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}

	r := s.limiter.Reserve()
	timer := time.NewTimer(r.Delay())
	defer timer.Stop()
	for {
		select {
		case done := <-s.outcomes:
			s.apply(done)
		case <-s.cancelCh:
			r.Cancel()
			return false
		case <-ctx.Done():
			r.Cancel()
			return false
		case <-timer.C:
			return true
		}
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case done := <-s.outcomes:
			s.apply(done)
		default:
			return
		}
	}
}

// eligible returns pending tracks whose declared dependencies are all
// completed, ordered by group, cost and id.
func (s *Scheduler) eligible() []*Track {
	var out []*Track
	for _, t := range s.plan.Tracks {
		if s.completed[t.ID] || s.failed[t.ID] || s.running[t.ID] {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if !s.completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		gi, gj := s.plan.GroupIndex(out[i].ID), s.plan.GroupIndex(out[j].ID)
		if gi != gj {
			return gi < gj
		}
		ci, di := trackCost(out[i])
		cj, dj := trackCost(out[j])
		if ci != cj {
			return ci < cj
		}
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) admit(ctx context.Context, g *errgroup.Group) int {
	launched := 0
	for _, t := range s.eligible() {
		if len(s.running) >= s.config.Concurrency {
			break
		}
		if !s.sem.TryAcquire(1) {
			break
		}
		s.launch(ctx, g, t)
		launched++
	}
	return launched
}

func (s *Scheduler) launch(ctx context.Context, g *errgroup.Group, t *Track) {
	ec := NewExecutionContext(t.ID, s.logger)
	s.running[t.ID] = true
	s.active[t.ID] = ec

	res := s.results[t.ID]
	res.Status = TrackStatusInProgress
	res.StartedAt = ec.StartedAt
	t.setStatus(TrackStatusInProgress)
	s.metrics.trackStarted()

	s.logger.Info("track started", "track", t.ID, "name", t.Name, "running", len(s.running))
	s.publish(t.Name)

	g.Go(func() error {
		outcome := s.runSafely(ctx, t, ec)
		// The slot must be free before the loop sees the outcome, or the
		// next admit can find nothing running and no permit.
		s.sem.Release(1)
		s.outcomes <- trackDone{id: t.ID, outcome: outcome}
		return nil
	})
}

func (s *Scheduler) runSafely(ctx context.Context, t *Track, ec *ExecutionContext) (outcome TrackOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("track runner panicked", "track", t.ID, "panic", r, "stack", string(debug.Stack()))
			outcome = TrackOutcome{
				Err:      newTrackError(KindInternal, t.ID, "run", fmt.Errorf("panic: %v", r)),
				Reason:   ReasonError,
				Attempts: ec.Attempt(),
			}
			if outcome.Attempts > 0 {
				outcome.RetryCount = outcome.Attempts - 1
			}
		}
	}()
	return s.runner.RunTrack(ctx, t, ec)
}

// apply records a track outcome. Outcomes for tracks no longer running, such
// as those already failed by cancellation, are ignored.
func (s *Scheduler) apply(done trackDone) {
	if !s.running[done.id] {
		return
	}
	delete(s.running, done.id)
	delete(s.active, done.id)

	t, _ := s.plan.Track(done.id)
	res := s.results[done.id]
	res.Attempts = done.outcome.Attempts
	res.RetryCount = done.outcome.RetryCount
	res.FinishedAt = time.Now()

	if done.outcome.Err == nil {
		s.completed[done.id] = true
		s.finish(t, TrackStatusCompleted, ReasonNone, nil)
		s.logger.Info("track completed", "track", t.ID, "attempts", res.Attempts, "duration", res.Duration().Round(time.Millisecond))
	} else {
		s.failed[done.id] = true
		reason := done.outcome.Reason
		if reason == ReasonNone {
			reason = ReasonError
		}
		s.finish(t, TrackStatusFailed, reason, done.outcome.Err)
		s.logger.Error("track failed", "track", t.ID, "reason", reason, "attempts", res.Attempts, "error", done.outcome.Err)
	}
	s.metrics.trackFinished(res.Status, res.Duration())
	s.publish(t.Name)
}

func (s *Scheduler) finish(t *Track, status TrackStatus, reason FailureReason, err error) {
	res := s.results[t.ID]
	res.Status = status
	res.Reason = reason
	res.Err = err
	if err != nil {
		res.Message = err.Error()
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	t.setStatus(status)
	s.metrics.result(status, reason)
}

// markBlocked flags pending tracks that depend on a failed track.
func (s *Scheduler) markBlocked() {
	for _, t := range s.plan.Tracks {
		if s.completed[t.ID] || s.failed[t.ID] || s.running[t.ID] || s.results[t.ID].Status == TrackStatusBlocked {
			continue
		}
		for _, dep := range t.DependsOn {
			if s.failed[dep] {
				t.setStatus(TrackStatusBlocked)
				s.results[t.ID].Status = TrackStatusBlocked
				s.logger.Warn("track blocked by failed dependency", "track", t.ID, "dependency", dep)
				s.publish(t.Name)
				break
			}
		}
	}
}

// sweepStalled fails every non-terminal track when nothing is running and
// nothing can be admitted.
func (s *Scheduler) sweepStalled() {
	var stalled []string
	for _, t := range s.plan.Tracks {
		if s.completed[t.ID] || s.failed[t.ID] {
			continue
		}
		var unmet []string
		for _, dep := range t.DependsOn {
			if s.completed[dep] {
				continue
			}
			switch {
			case s.failed[dep]:
				unmet = append(unmet, dep+" (failed)")
			case !s.plan.Graph.Has(dep):
				unmet = append(unmet, dep+" (unknown)")
			default:
				unmet = append(unmet, dep)
			}
		}
		s.failed[t.ID] = true
		err := newTrackError(KindStalled, t.ID, "schedule",
			fmt.Errorf("%w: unmet dependencies: %s", ErrStalledExecution, strings.Join(unmet, ", ")))
		s.finish(t, TrackStatusFailed, ReasonStalled, err)
		stalled = append(stalled, t.ID)
	}
	if len(stalled) > 0 {
		s.logger.Warn("execution stalled", "plan", s.plan.ID, "tracks", strings.Join(stalled, ","))
		s.publish("")
	}
}

// cancelAll tears down every active track, fails every non-terminal track
// and waits up to CancelGrace for in-flight goroutines.
func (s *Scheduler) cancelAll(cancelRun context.CancelFunc, g *errgroup.Group) {
	s.logger.Warn("cancelling execution", "plan", s.plan.ID, "running", len(s.running))
	cancelRun()

	teardownCtx, cancel := context.WithTimeout(context.Background(), s.config.CancelGrace)
	defer cancel()

	var wg sync.WaitGroup
	for id, ec := range s.active {
		wg.Add(1)
		go func(id string, ec *ExecutionContext) {
			defer wg.Done()
			ec.Abort(teardownCtx)
		}(id, ec)
	}
	wg.Wait()

	for _, t := range s.plan.Tracks {
		if s.completed[t.ID] || s.failed[t.ID] {
			continue
		}
		wasRunning := s.running[t.ID]
		if wasRunning {
			s.metrics.trackFinished(TrackStatusFailed, time.Since(s.results[t.ID].StartedAt))
			s.results[t.ID].Attempts = s.active[t.ID].Attempt()
		}
		delete(s.running, t.ID)
		delete(s.active, t.ID)
		s.failed[t.ID] = true

		op := "schedule"
		if wasRunning {
			op = "run"
		}
		s.finish(t, TrackStatusFailed, ReasonCancelled, newTrackError(KindCancelled, t.ID, op, ErrCancelled))
	}
	s.publish("")

	joined := make(chan struct{})
	go func() {
		g.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-teardownCtx.Done():
		s.logger.Warn("abandoning in-flight tracks after cancel grace", "grace", s.config.CancelGrace)
	}
}

func (s *Scheduler) buildReport(start time.Time) *ExecutionReport {
	report := &ExecutionReport{
		PlanID:    s.plan.ID,
		Results:   make(map[string]*TrackResult, len(s.results)),
		StartedAt: start,
		Duration:  time.Since(start),
	}
	for _, t := range s.plan.Tracks {
		report.Order = append(report.Order, t.ID)
		report.Results[t.ID] = s.results[t.ID]
	}
	report.tally()

	s.mu.Lock()
	s.report = report
	s.mu.Unlock()
	return report
}

func (s *Scheduler) publish(current string) {
	s.progress.publish(newSnapshot(s.plan, current))
}

// MergeCompleted merges the branches of completed tracks into target in
// dependency order. A failed merge leaves the track completed, records the
// error and skips tracks depending on it.
func (s *Scheduler) MergeCompleted(ctx context.Context, provider WorkspaceProvider, target string) error {
	report := s.Report()
	if report == nil {
		return errors.New("merge requires a finished execution")
	}

	order, err := s.plan.Graph.TopologicalOrder()
	if err != nil {
		return err
	}

	notMerged := make(map[string]bool)
	var errs []error
	for _, id := range order {
		t, ok := s.plan.Track(id)
		if !ok {
			continue
		}
		res := report.Results[id]
		if res.Status != TrackStatusCompleted {
			notMerged[id] = true
			continue
		}

		var skipped string
		for _, dep := range t.DependsOn {
			if notMerged[dep] {
				skipped = dep
				break
			}
		}
		if skipped != "" {
			notMerged[id] = true
			res.MergeError = fmt.Sprintf("skipped: dependency %s not merged", skipped)
			s.logger.Warn("skipping merge", "track", id, "dependency", skipped)
			continue
		}

		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if err := provider.MergeBranch(ctx, t.Branch(), target); err != nil {
			notMerged[id] = true
			res.MergeError = err.Error()
			s.metrics.merged(false)
			s.logger.Error("merge failed", "track", id, "branch", t.Branch(), "target", target, "error", err)
			errs = append(errs, newTrackError(KindMerge, id, "merge", err))
			continue
		}
		t.setStatus(TrackStatusMerged)
		res.Status = TrackStatusMerged
		s.metrics.merged(true)
	}

	report.tally()
	return errors.Join(errs...)
}
