package orchestration

import (
	"context"
	"time"
)

// Workspace is an isolated working copy checked out on a track branch.
type Workspace struct {
	TrackID   string
	Branch    string
	Path      string
	CreatedAt time.Time
}

// WorkspaceProvider creates and removes isolated workspaces.
type WorkspaceProvider interface {
	// CreateWorkspace checks out branch at path, creating the branch from
	// HEAD if it does not exist. An empty path lets the provider choose. On
	// failure a non-nil workspace names a partial checkout to clean up.
	CreateWorkspace(ctx context.Context, branch, path string) (*Workspace, error)

	// CommitAll stages and commits every change in the workspace. A clean
	// workspace is not an error.
	CommitAll(ctx context.Context, ws *Workspace, message string) error

	RemoveWorkspace(ctx context.Context, ws *Workspace) error

	// MergeBranch merges branch into target. Failure leaves target unchanged.
	MergeBranch(ctx context.Context, branch, target string) error
}

// SecurityProfile holds the resource limits applied to an executor. The
// isolation flags themselves are fixed by the provider.
type SecurityProfile struct {
	User        string `yaml:"user,omitempty" json:"user,omitempty"` // uid:gid
	MemoryLimit string `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPUShares   int    `yaml:"cpu_shares,omitempty" json:"cpu_shares,omitempty"`
	PidsLimit   int    `yaml:"pids_limit,omitempty" json:"pids_limit,omitempty"`
}

// DefaultSecurityProfile returns the limits used when none are configured.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		User:        "1000:1000",
		MemoryLimit: "2g",
		CPUShares:   512,
		PidsLimit:   256,
	}
}

// WithDefaults fills zero fields from DefaultSecurityProfile.
func (p SecurityProfile) WithDefaults() SecurityProfile {
	def := DefaultSecurityProfile()
	if p.User == "" {
		p.User = def.User
	}
	if p.MemoryLimit == "" {
		p.MemoryLimit = def.MemoryLimit
	}
	if p.CPUShares <= 0 {
		p.CPUShares = def.CPUShares
	}
	if p.PidsLimit <= 0 {
		p.PidsLimit = def.PidsLimit
	}
	return p
}

// ExecutorSpec describes the sandbox to start for one attempt.
type ExecutorSpec struct {
	Name          string
	Image         string
	TrackID       string
	WorkspacePath string
	Security      SecurityProfile
}

// ExecutorHandle is an owned reference to a running sandbox.
type ExecutorHandle struct {
	ID        string
	Name      string
	Address   string // Tool endpoint serving this executor
	StartedAt time.Time
}

// ExecutorProvider starts and stops sandboxed executors.
type ExecutorProvider interface {
	StartExecutor(ctx context.Context, spec ExecutorSpec) (*ExecutorHandle, error)
	StopExecutor(ctx context.Context, handle *ExecutorHandle) error
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Tool     string
	ExitCode int
	Output   string
	Duration time.Duration
}

// Succeeded reports whether the tool exited cleanly.
func (r *ToolResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}

// ToolChannel invokes named tools inside an executor.
type ToolChannel interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (*ToolResult, error)
	Close() error
}

// ToolChannelFactory opens a tool channel for a workspace and executor.
type ToolChannelFactory interface {
	Open(ctx context.Context, ws *Workspace, handle *ExecutorHandle) (ToolChannel, error)
}

// BranchForTrack returns the workspace branch name for a track.
func BranchForTrack(trackID string) string {
	return "work/" + trackID
}
