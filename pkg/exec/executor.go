package exec

import "context"

// CommandExecutor defines an interface for running external commands.
// This abstraction allows git and container runtime calls to be mocked in tests.
type CommandExecutor interface {
	// LookPath searches for an executable named file in the directories
	// named by the PATH environment variable.
	LookPath(file string) (string, error)

	// Output runs the command in dir and returns its trimmed combined output.
	// The command is killed when ctx is cancelled.
	Output(ctx context.Context, dir, name string, arg ...string) (string, error)
}
