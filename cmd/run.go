package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/mattsolo1/grove-tracks/pkg/exec"
	"github.com/mattsolo1/grove-tracks/pkg/journal"
	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
	"github.com/mattsolo1/grove-tracks/pkg/progress"
	"github.com/mattsolo1/grove-tracks/pkg/resilience"
	"github.com/mattsolo1/grove-tracks/pkg/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type runOptions struct {
	concurrency      int
	repo             string
	image            string
	mergeInto        string
	retainWorkspaces bool
	metricsAddr      string
	natsURL          string
	noTUI            bool
}

func NewRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <tasks.yml>",
		Short: "Execute every track of a task file in isolated workspaces",
		Long: `Execute every track of a task file.

Each track runs in its own git worktree on branch work/<track-id>, inside a
sandboxed container, with bounded concurrency. Tracks start as soon as their
dependencies complete. SIGINT or SIGTERM cancels the run and tears down every
active workspace and container.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			opts.applyTo(cmd, cfg)
			return runTracks(cmd, cfg, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Maximum number of tracks running at once")
	cmd.Flags().StringVar(&opts.repo, "repo", ".", "Git repository the tracks branch from")
	cmd.Flags().StringVar(&opts.image, "image", "", "Container image for track executors")
	cmd.Flags().StringVar(&opts.mergeInto, "merge-into", "", "Merge completed track branches into this branch after the run")
	cmd.Flags().BoolVar(&opts.retainWorkspaces, "retain-workspaces", false, "Keep worktrees after tracks finish")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", "", "Publish progress snapshots to this NATS server")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Print log lines instead of the interactive progress view")

	return cmd
}

// applyTo overrides config values with explicitly set flags.
func (o *runOptions) applyTo(cmd *cobra.Command, cfg *TracksConfig) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") && o.concurrency > 0 {
		cfg.Concurrency = o.concurrency
	}
	if flags.Changed("image") && o.image != "" {
		cfg.Executor.Image = o.image
	}
	if flags.Changed("merge-into") {
		cfg.Workspace.MergeInto = o.mergeInto
	}
	if flags.Changed("retain-workspaces") {
		cfg.Workspace.Retain = o.retainWorkspaces
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if flags.Changed("nats-url") {
		cfg.NATS.URL = o.natsURL
	}
}

func runTracks(cmd *cobra.Command, cfg *TracksConfig, opts *runOptions, taskFile string) error {
	plan, err := orchestration.LoadPlan(taskFile)
	if err != nil {
		return err
	}

	repo, err := filepath.Abs(opts.repo)
	if err != nil {
		return fmt.Errorf("failed to resolve repository path: %w", err)
	}

	runID := uuid.NewString()
	out := cmd.OutOrStdout()
	useTUI := !opts.noTUI && logFormat != "json" && isTerminal(os.Stdout)

	entry := componentLogger("tracks").WithField("run_id", runID)
	if useTUI {
		logFile, err := openRunLog(repo, runID)
		if err != nil {
			return err
		}
		defer logFile.Close()
		logrus.StandardLogger().SetOutput(logFile)
		defer logrus.StandardLogger().SetOutput(os.Stderr)
	}
	logger := orchestration.NewLogrusLogger(entry)

	if err := state.AcquireRunLock(repo, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := state.ReleaseRunLock(repo); err != nil {
			logger.Warn("failed to release run lock", "error", err)
		}
	}()

	for _, w := range plan.Warnings {
		logger.Warn("plan warning", "detail", w)
	}

	registry := prometheus.NewRegistry()
	metrics := orchestration.NewMetrics(registry)

	executor := &exec.RealCommandExecutor{}
	workspaces := orchestration.NewGitWorktreeProvider(repo, resolvePath(repo, cfg.Workspace.BaseDir), executor, logger)
	executors := orchestration.NewDockerExecutorProvider(executor, cfg.Tools.Address, logger)
	channels := orchestration.NewWebSocketToolChannelFactory(logger)
	pipeline := orchestration.NewPipeline(workspaces, executors, channels, cfg.PipelineConfig(), logger)

	breakers := resilience.NewBreakerRegistry(cfg.BreakerConfig(), resilience.WithStateChangeHook(metrics.BreakerTransition))
	runner := orchestration.NewResilientRunner(pipeline, cfg.RetryPolicy(), breakers, metrics, logger)
	scheduler := orchestration.NewScheduler(plan, runner, cfg.SchedulerConfig(),
		orchestration.WithLogger(logger),
		orchestration.WithMetrics(metrics),
	)

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, registry, entry)
		defer shutdown()
	}

	if cfg.NATS.URL != "" {
		publisher, conn, err := progress.Connect(cfg.NATS.URL, cfg.NATS.Subject, entry)
		if err != nil {
			logger.Warn("progress publishing disabled", "error", err)
		} else {
			forwarded := make(chan struct{})
			go func() {
				defer close(forwarded)
				publisher.Forward(ctx, runID, scheduler.Subscribe())
			}()
			defer func() {
				<-forwarded
				if err := conn.Drain(); err != nil {
					logger.Warn("failed to drain NATS connection", "error", err)
				}
			}()
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			logger.Warn("received signal, cancelling run", "signal", sig.String())
			scheduler.Cancel()
		case <-ctx.Done():
		}
	}()

	var tuiDone <-chan error
	if useTUI {
		tuiDone = runProgressTUI(runID, plan, scheduler.Subscribe(), scheduler.Cancel)
	} else {
		fmt.Fprintf(out, "Running %d tracks (run %s)\n", len(plan.Tracks), color.CyanString(runID))
		go logProgress(entry, scheduler.Subscribe())
	}

	report, execErr := scheduler.Execute(ctx)
	if tuiDone != nil {
		if err := <-tuiDone; err != nil {
			logger.Warn("progress view exited with error", "error", err)
		}
	}
	if report == nil {
		return execErr
	}

	var mergeErr error
	if cfg.Workspace.MergeInto != "" && execErr == nil {
		mergeErr = scheduler.MergeCompleted(ctx, pipeline.Workspaces(), cfg.Workspace.MergeInto)
	}

	if err := recordRun(repo, cfg, runID, taskFile, plan, report, entry); err != nil {
		logger.Warn("failed to record run", "error", err)
	}

	printReport(out, runID, plan, report)

	switch {
	case execErr != nil:
		return execErr
	case mergeErr != nil:
		return fmt.Errorf("merge into %s failed: %w", cfg.Workspace.MergeInto, mergeErr)
	case !report.Succeeded():
		return fmt.Errorf("%d of %d tracks failed", report.Failed, len(plan.Tracks))
	}
	return nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func resolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func openRunLog(repo, runID string) (*os.File, error) {
	dir := filepath.Join(state.Dir(repo), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, runID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return f, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *logrus.Entry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func logProgress(logger *logrus.Entry, updates <-chan orchestration.ProgressSnapshot) {
	for snap := range updates {
		logger.WithFields(logrus.Fields{
			"completed": snap.Completed,
			"failed":    snap.Failed,
			"running":   snap.Running,
			"total":     snap.Total,
			"current":   snap.Current,
		}).Infof("progress %.0f%%", snap.Percent)
	}
}

func recordRun(repo string, cfg *TracksConfig, runID, taskFile string, plan *orchestration.Plan, report *orchestration.ExecutionReport, logger *logrus.Entry) error {
	jcfg := journal.Config{Path: resolvePath(repo, cfg.Journal.Path)}
	if verbose {
		jcfg.Logger = logger.WithField("component", "journal")
	}
	j, err := journal.Open(jcfg)
	if err != nil {
		return err
	}
	defer j.Close()

	if err := j.Record(runID, taskFile, plan, report); err != nil {
		return err
	}
	return state.RecordRun(repo, runID, plan.ID, taskFile)
}

func printReport(w io.Writer, runID string, plan *orchestration.Plan, report *orchestration.ExecutionReport) {
	fmt.Fprintf(w, "\nRun %s finished in %s\n", color.CyanString(runID), report.Duration.Round(time.Millisecond))

	ids := make([]string, 0, len(report.Results))
	for _, t := range plan.Tracks {
		if _, ok := report.Results[t.ID]; ok {
			ids = append(ids, t.ID)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return plan.GroupIndex(ids[i]) < plan.GroupIndex(ids[j])
	})

	for _, id := range ids {
		fmt.Fprintln(w, formatResult(report.Results[id]))
	}

	summary := fmt.Sprintf("%d completed, %d merged, %d failed", report.Completed, report.Merged, report.Failed)
	if report.Stalled > 0 || report.Cancelled > 0 {
		summary += fmt.Sprintf(" (%d stalled, %d cancelled)", report.Stalled, report.Cancelled)
	}
	if report.Succeeded() {
		fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), summary)
	} else {
		fmt.Fprintf(w, "%s %s\n", color.RedString("✗"), summary)
	}
}

func formatResult(res *orchestration.TrackResult) string {
	var mark string
	switch res.Status {
	case orchestration.TrackStatusCompleted, orchestration.TrackStatusMerged:
		mark = color.GreenString("✓")
	case orchestration.TrackStatusFailed:
		mark = color.RedString("✗")
	default:
		mark = color.YellowString("•")
	}

	line := fmt.Sprintf("  %s %-24s %-10s", mark, res.TrackID, res.Status)
	if res.Attempts > 0 {
		line += fmt.Sprintf(" attempts=%d", res.Attempts)
	}
	if d := res.Duration(); d > 0 {
		line += fmt.Sprintf(" %s", d.Round(time.Millisecond))
	}
	if res.Reason != "" {
		line += color.RedString(" [%s]", res.Reason)
	}
	if res.Message != "" {
		line += " " + res.Message
	}
	if res.MergeError != "" {
		line += color.YellowString(" merge: %s", res.MergeError)
	}
	return line
}
