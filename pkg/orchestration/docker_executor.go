package orchestration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattsolo1/grove-tracks/pkg/exec"
)

// ContainerWorkdir is where the workspace is mounted inside the executor.
const ContainerWorkdir = "/workspace"

// DockerExecutorProvider runs each attempt in a hardened, network-less
// container through the docker CLI.
type DockerExecutorProvider struct {
	executor    exec.CommandExecutor
	binary      string
	toolAddress string
	logger      Logger
}

// NewDockerExecutorProvider creates a provider. toolAddress is the local
// tool server that proxies invocations into containers.
func NewDockerExecutorProvider(executor exec.CommandExecutor, toolAddress string, logger Logger) *DockerExecutorProvider {
	if executor == nil {
		executor = &exec.RealCommandExecutor{}
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &DockerExecutorProvider{
		executor:    executor,
		binary:      "docker",
		toolAddress: toolAddress,
		logger:      logger,
	}
}

// DockerRunArgs returns the arguments for `docker run` for spec. The
// isolation flags are always present; only the limits come from the profile.
func DockerRunArgs(spec ExecutorSpec) []string {
	profile := spec.Security.WithDefaults()
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--label", "grove-tracks.track=" + spec.TrackID,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.Itoa(profile.PidsLimit),
		"--memory", profile.MemoryLimit,
		"--cpu-shares", strconv.Itoa(profile.CPUShares),
		"--user", profile.User,
		"--network", "none",
		"--tmpfs", "/tmp",
	}
	if spec.WorkspacePath != "" {
		args = append(args, "-v", spec.WorkspacePath+":"+ContainerWorkdir, "-w", ContainerWorkdir)
	}
	return append(args, spec.Image, "sleep", "infinity")
}

// StartExecutor starts a detached container and returns its handle.
func (d *DockerExecutorProvider) StartExecutor(ctx context.Context, spec ExecutorSpec) (*ExecutorHandle, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("executor image is required")
	}
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("tracks-%s-%d", sanitizeForPath(spec.TrackID), time.Now().UnixNano())
	}

	out, err := d.executor.Output(ctx, "", d.binary, DockerRunArgs(spec)...)
	if err != nil {
		return nil, fmt.Errorf("starting container %s: %w", spec.Name, err)
	}

	id := lastLine(out)
	if id == "" {
		return nil, fmt.Errorf("starting container %s: runtime returned no container id", spec.Name)
	}

	d.logger.Info("started executor", "track", spec.TrackID, "container", shortID(id), "image", spec.Image)
	return &ExecutorHandle{
		ID:        id,
		Name:      spec.Name,
		Address:   d.toolAddress,
		StartedAt: time.Now(),
	}, nil
}

// StopExecutor force-removes the container. Removing a container that is
// already gone is not an error.
func (d *DockerExecutorProvider) StopExecutor(ctx context.Context, handle *ExecutorHandle) error {
	if handle == nil || handle.ID == "" {
		return nil
	}
	out, err := d.executor.Output(ctx, "", d.binary, "rm", "-f", handle.ID)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "no such container") {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", shortID(handle.ID), err)
	}
	d.logger.Debug("stopped executor", "container", shortID(handle.ID))
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
