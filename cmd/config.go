package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
	"github.com/mattsolo1/grove-tracks/pkg/resilience"
	"gopkg.in/yaml.v3"
)

//go:generate sh -c "cd .. && go run ./tools/schema-generator/"

// DefaultConfigFile is read from the working directory when --config is not given.
const DefaultConfigFile = "tracks.yml"

// TracksConfig defines the structure of tracks.yml.
type TracksConfig struct {
	Concurrency  int             `yaml:"concurrency,omitempty" jsonschema:"description=Maximum number of tracks running at once"`
	PassInterval time.Duration   `yaml:"pass_interval,omitempty" jsonschema:"description=Minimum time between scheduling passes"`
	CancelGrace  time.Duration   `yaml:"cancel_grace,omitempty"`
	Retry        RetryConfig     `yaml:"retry,omitempty"`
	Breaker      BreakerConfig   `yaml:"breaker,omitempty"`
	Executor     ExecutorConfig  `yaml:"executor,omitempty"`
	Tools        ToolsConfig     `yaml:"tools,omitempty"`
	Workspace    WorkspaceConfig `yaml:"workspace,omitempty"`
	MetricsAddr  string          `yaml:"metrics_addr,omitempty" jsonschema:"description=Address for the Prometheus /metrics endpoint; empty disables it"`
	NATS         NATSConfig      `yaml:"nats,omitempty"`
	Journal      JournalConfig   `yaml:"journal,omitempty"`
}

// RetryConfig mirrors resilience.RetryPolicy.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
	InitialDelay  time.Duration `yaml:"initial_delay,omitempty"`
	BackoffFactor float64       `yaml:"backoff_factor,omitempty"`
	MaxDelay      time.Duration `yaml:"max_delay,omitempty"`
	Jitter        *float64      `yaml:"jitter,omitempty"`
}

// BreakerConfig mirrors resilience.BreakerConfig.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period,omitempty"`
	ResetTimeout     time.Duration `yaml:"reset_timeout,omitempty"`
}

// ExecutorConfig selects the sandbox image and its limits.
type ExecutorConfig struct {
	Image    string                        `yaml:"image,omitempty"`
	Security orchestration.SecurityProfile `yaml:"security,omitempty"`
}

// ToolsConfig points at the host-side tool server.
type ToolsConfig struct {
	Address string        `yaml:"address,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// WorkspaceConfig controls where track worktrees live and what happens after a run.
type WorkspaceConfig struct {
	BaseDir   string `yaml:"base_dir,omitempty"`
	Retain    bool   `yaml:"retain,omitempty"`
	MergeInto string `yaml:"merge_into,omitempty"`
}

// NATSConfig enables progress publishing.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// JournalConfig locates the run journal. Relative paths are resolved against the repository root.
type JournalConfig struct {
	Path string `yaml:"path,omitempty"`
}

// DefaultTracksConfig returns the configuration used when tracks.yml is absent.
func DefaultTracksConfig() *TracksConfig {
	sched := orchestration.DefaultSchedulerConfig()
	return &TracksConfig{
		Concurrency:  sched.Concurrency,
		PassInterval: sched.PassInterval,
		CancelGrace:  sched.CancelGrace,
		Executor: ExecutorConfig{
			Image:    "grove-tracks/sandbox:latest",
			Security: orchestration.DefaultSecurityProfile(),
		},
		Tools: ToolsConfig{
			Address: "127.0.0.1:7777",
			Timeout: 60 * time.Second,
		},
		NATS:    NATSConfig{Subject: "tracks.progress"},
		Journal: JournalConfig{Path: ".tracks/journal"},
	}
}

// LoadConfig reads path and fills unset fields from DefaultTracksConfig.
// A missing file is not an error unless it was named explicitly.
func LoadConfig(path string) (*TracksConfig, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	cfg := &TracksConfig{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *TracksConfig) applyDefaults() {
	def := DefaultTracksConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PassInterval <= 0 {
		c.PassInterval = def.PassInterval
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = def.CancelGrace
	}
	if c.Executor.Image == "" {
		c.Executor.Image = def.Executor.Image
	}
	c.Executor.Security = c.Executor.Security.WithDefaults()
	if c.Tools.Address == "" {
		c.Tools.Address = def.Tools.Address
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = def.Tools.Timeout
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = def.NATS.Subject
	}
	if c.Journal.Path == "" {
		c.Journal.Path = def.Journal.Path
	}
}

// SchedulerConfig converts the scheduling fields.
func (c *TracksConfig) SchedulerConfig() orchestration.SchedulerConfig {
	return orchestration.SchedulerConfig{
		Concurrency:  c.Concurrency,
		PassInterval: c.PassInterval,
		CancelGrace:  c.CancelGrace,
	}.WithDefaults()
}

// RetryPolicy converts the retry section.
func (c *TracksConfig) RetryPolicy() resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay > 0 {
		p.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.BackoffFactor > 0 {
		p.BackoffFactor = c.Retry.BackoffFactor
	}
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	if c.Retry.Jitter != nil {
		p.Jitter = *c.Retry.Jitter
	}
	return p.WithDefaults()
}

// BreakerConfig converts the breaker section.
func (c *TracksConfig) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		MonitoringPeriod: c.Breaker.MonitoringPeriod,
		ResetTimeout:     c.Breaker.ResetTimeout,
	}.WithDefaults()
}

// PipelineConfig converts the executor, tool and workspace sections.
func (c *TracksConfig) PipelineConfig() orchestration.PipelineConfig {
	return orchestration.PipelineConfig{
		Image:           c.Executor.Image,
		Security:        c.Executor.Security,
		ToolTimeout:     c.Tools.Timeout,
		RetainWorkspace: c.Workspace.Retain,
	}.WithDefaults()
}
