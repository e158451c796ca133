package exec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecError wraps an execution error with the command output
type ExecError struct {
	Command string
	Err     error
	Output  string
}

func (e *ExecError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Output)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// RealCommandExecutor implements CommandExecutor using the actual os/exec package.
type RealCommandExecutor struct{}

// LookPath searches for an executable named file in the directories
// named by the PATH environment variable.
func (e *RealCommandExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Output runs the command and returns its combined output with surrounding
// whitespace removed.
func (e *RealCommandExecutor) Output(ctx context.Context, dir, name string, arg ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = dir

	// Capture stderr too so callers can match on runtime error messages
	output, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(output))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return trimmed, &ExecError{
			Command: name + " " + strings.Join(arg, " "),
			Err:     err,
			Output:  trimmed,
		}
	}
	return trimmed, nil
}
