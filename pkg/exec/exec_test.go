package exec

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockCommandExecutor_RecordsCommands(t *testing.T) {
	m := &MockCommandExecutor{}

	_, err := m.Output(context.Background(), "/repo", "git", "status", "--porcelain")
	require.NoError(t, err)
	_, err = m.Output(context.Background(), "", "docker", "version")
	require.NoError(t, err)

	assert.Equal(t, []string{"git status --porcelain", "docker version"}, m.Recorded())
	assert.Equal(t, []string{"/repo", ""}, m.Dirs)
}

func TestMockCommandExecutor_OutputFunc(t *testing.T) {
	boom := errors.New("boom")
	m := &MockCommandExecutor{
		OutputFunc: func(ctx context.Context, dir, name string, arg ...string) (string, error) {
			if name == "docker" {
				return "", boom
			}
			return "ok", nil
		},
	}

	out, err := m.Output(context.Background(), "", "git", "rev-parse")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = m.Output(context.Background(), "", "docker", "run")
	assert.ErrorIs(t, err, boom)
}

func TestRealCommandExecutor_Output(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e := &RealCommandExecutor{}

	out, err := e.Output(context.Background(), "", "sh", "-c", "echo '  hello  '")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = e.Output(context.Background(), "", "sh", "-c", "echo failed >&2; exit 3")
	require.Error(t, err)
	assert.Equal(t, "failed", out)

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Error(), "failed")
}
