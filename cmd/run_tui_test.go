package cmd

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tuiTestPlan(t *testing.T) *orchestration.Plan {
	t.Helper()
	plan, err := orchestration.BuildPlan("", []orchestration.TrackSpec{
		{ID: "a", Name: "A", Files: []string{"a/"}},
		{ID: "b", Name: "B", DependsOn: []string{"a"}, Files: []string{"b/"}},
	})
	require.NoError(t, err)
	return plan
}

func TestRunTUIModel_AppliesSnapshots(t *testing.T) {
	m := newRunTUIModel("run-1", tuiTestPlan(t), nil)

	updated, cmd := m.Update(snapshotMsg(orchestration.ProgressSnapshot{
		Total:     2,
		Completed: 1,
		Running:   1,
		Current:   "B",
		Percent:   50,
		Statuses: map[string]orchestration.TrackStatus{
			"a": orchestration.TrackStatusCompleted,
			"b": orchestration.TrackStatusInProgress,
		},
	}))
	assert.Nil(t, cmd)

	view := updated.View()
	assert.Contains(t, view, "run-1")
	assert.Contains(t, view, "1/2 done, 1 running")
	assert.Contains(t, view, "completed")
	assert.Contains(t, view, "in_progress")
}

func TestRunTUIModel_QuitCancelsOnce(t *testing.T) {
	calls := 0
	m := newRunTUIModel("run-1", tuiTestPlan(t), func() { calls++ })

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Equal(t, 1, calls)
	assert.Contains(t, updated.View(), "cancelling")

	_, cmd := updated.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, 1, calls, "cancel is requested only once")
}

func TestRunTUIModel_FinishedQuits(t *testing.T) {
	m := newRunTUIModel("run-1", tuiTestPlan(t), nil)
	updated, cmd := m.Update(runFinishedMsg{})
	require.NotNil(t, cmd)
	assert.Contains(t, updated.View(), "finished")
}
