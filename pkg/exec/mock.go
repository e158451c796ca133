package exec

import (
	"context"
	"strings"
	"sync"
)

// MockCommandExecutor is a mock implementation of CommandExecutor for testing.
// It records all commands that would be executed without actually running them.
type MockCommandExecutor struct {
	mu sync.Mutex

	// Commands records all commands that were executed
	Commands []string

	// Dirs records the working directory of each recorded command
	Dirs []string

	// LookPathFunc allows custom behavior for LookPath in tests
	LookPathFunc func(file string) (string, error)

	// OutputFunc allows custom behavior for Output in tests
	OutputFunc func(ctx context.Context, dir, name string, arg ...string) (string, error)
}

// LookPath implements the CommandExecutor interface for testing.
func (m *MockCommandExecutor) LookPath(file string) (string, error) {
	if m.LookPathFunc != nil {
		return m.LookPathFunc(file)
	}
	// By default, assume commands exist
	return "/path/to/" + file, nil
}

// Output implements the CommandExecutor interface for testing.
// It records the command that would be executed.
func (m *MockCommandExecutor) Output(ctx context.Context, dir, name string, arg ...string) (string, error) {
	cmdStr := name
	if len(arg) > 0 {
		cmdStr = name + " " + strings.Join(arg, " ")
	}

	m.mu.Lock()
	m.Commands = append(m.Commands, cmdStr)
	m.Dirs = append(m.Dirs, dir)
	m.mu.Unlock()

	if m.OutputFunc != nil {
		return m.OutputFunc(ctx, dir, name, arg...)
	}
	return "", nil
}

// Recorded returns a copy of the recorded commands.
func (m *MockCommandExecutor) Recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Commands))
	copy(out, m.Commands)
	return out
}
