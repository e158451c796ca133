package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattsolo1/grove-tracks/pkg/journal"
	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
	"github.com/mattsolo1/grove-tracks/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTasks = `prompt: Add billing
tasks:
  - id: schema
    name: Billing schema
    files: [db/]
  - id: api
    name: Billing API
    depends_on: [schema]
    files: [pkg/api/]
  - id: docs
    name: Billing docs
    files: [docs/]
`

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlanCmd_JSON(t *testing.T) {
	out, err := executeRoot(t, "plan", writeTasks(t, testTasks), "--json")
	require.NoError(t, err)

	var view planView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "Add billing", view.Prompt)
	require.Len(t, view.Tracks, 3)
	assert.Equal(t, [][]string{{"docs", "schema"}, {"api"}}, sortedGroups(view.Groups))
	assert.Equal(t, "work/api", view.Tracks[1].Branch)
	assert.Equal(t, 1, view.Tracks[1].Group)

	pos := map[string]int{}
	for i, id := range view.Order {
		pos[id] = i
	}
	assert.Less(t, pos["schema"], pos["api"])
}

func TestPlanCmd_Mermaid(t *testing.T) {
	out, err := executeRoot(t, "plan", writeTasks(t, testTasks), "--mermaid")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "graph TD"), out)
	assert.Contains(t, out, `t0["schema (pending)"]`)
	assert.Contains(t, out, "t0 --> t1")
}

func TestPlanCmd_TextShowsWarnings(t *testing.T) {
	tasks := testTasks + `  - id: extra
    name: Extra
    depends_on: [nonexistent]
`
	out, err := executeRoot(t, "plan", writeTasks(t, tasks))
	require.NoError(t, err)
	assert.Contains(t, out, "Group 1")
	assert.Contains(t, out, "Billing API")
	assert.Contains(t, out, `"nonexistent"`)
}

func TestPlanCmd_CycleFails(t *testing.T) {
	tasks := `tasks:
  - id: a
    name: A
    depends_on: [b]
  - id: b
    name: B
    depends_on: [a]
`
	_, err := executeRoot(t, "plan", writeTasks(t, tasks))
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestration.ErrCyclicDependency)
}

func TestStatusCmd_ShowsRecordedRun(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))

	plan, err := orchestration.LoadPlan(writeTasks(t, testTasks))
	require.NoError(t, err)
	started := time.Now().Add(-time.Minute)
	report := &orchestration.ExecutionReport{
		PlanID:    plan.ID,
		Order:     []string{"schema", "docs", "api"},
		StartedAt: started,
		Duration:  time.Minute,
		Completed: 2,
		Failed:    1,
		Results: map[string]*orchestration.TrackResult{
			"schema": {TrackID: "schema", Name: "Billing schema", Status: orchestration.TrackStatusCompleted, Attempts: 1},
			"docs":   {TrackID: "docs", Name: "Billing docs", Status: orchestration.TrackStatusCompleted, Attempts: 1},
			"api": {TrackID: "api", Name: "Billing API", Status: orchestration.TrackStatusFailed,
				Reason: orchestration.ReasonError, Message: "exit code 2: tests failed", Attempts: 3, RetryCount: 2},
		},
	}

	j, err := journal.Open(journal.Config{Path: filepath.Join(state.Dir(root), "journal")})
	require.NoError(t, err)
	require.NoError(t, j.Record("run-1", "tasks.yml", plan, report))
	require.NoError(t, j.Close())
	require.NoError(t, state.RecordRun(root, "run-1", plan.ID, "tasks.yml"))

	out, err := executeRoot(t, "status", "--repo", root)
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "exit code 2: tests failed")
	assert.Contains(t, out, "2 completed, 0 merged, 1 failed")

	out, err = executeRoot(t, "status", "run-1", "--repo", root, "--json")
	require.NoError(t, err)
	var view statusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "run-1", view.Run.RunID)
	require.Len(t, view.Results, 3)
	assert.Equal(t, 2, view.Results[2].RetryCount)

	out, err = executeRoot(t, "status", "--repo", root, "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
}

func TestStatusCmd_NoRuns(t *testing.T) {
	root := t.TempDir()
	_, err := executeRoot(t, "status", "--repo", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no runs recorded")
}

func TestStatusCmd_UnknownRun(t *testing.T) {
	root := t.TempDir()
	_, err := executeRoot(t, "status", "missing", "--repo", root)
	assert.ErrorIs(t, err, journal.ErrRunNotFound)
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := executeRoot(t, "version", "--json")
	require.NoError(t, err)

	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func sortedGroups(groups [][]string) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		cp := append([]string(nil), g...)
		for a := 0; a < len(cp); a++ {
			for b := a + 1; b < len(cp); b++ {
				if cp[b] < cp[a] {
					cp[a], cp[b] = cp[b], cp[a]
				}
			}
		}
		out[i] = cp
	}
	return out
}
