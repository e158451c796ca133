package orchestration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTasks = `prompt: Add user accounts
tasks:
  - id: schema
    name: User schema
    files: [db/migrations/]
    complexity: 2
    estimated_minutes: 30
  - id: api
    name: Account API
    depends_on: [schema]
    files: ["pkg/api/**/*.go"]
    subtasks:
      - signup endpoint
      - login endpoint
`

func TestLoadTaskFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTasks), 0644))

	tf, err := LoadTaskFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Add user accounts", tf.Prompt)
	require.Len(t, tf.Tasks, 2)
	assert.Equal(t, []string{"schema"}, tf.Tasks[1].DependsOn)
	assert.Equal(t, 30, tf.Tasks[0].EstimatedMinutes)
	assert.Len(t, tf.Tasks[1].Subtasks, 2)
}

func TestLoadTaskFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	content := `{"prompt":"p","tasks":[{"id":"a","name":"A"},{"id":"b","name":"B","depends_on":["a"]}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tf, err := LoadTaskFile(path)
	require.NoError(t, err)
	require.Len(t, tf.Tasks, 2)
	assert.Equal(t, "b", tf.Tasks[1].ID)
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTasks), 0644))

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"schema"}, {"api"}}, plan.Groups)

	api, _ := plan.Track("api")
	assert.Equal(t, "work/api", api.Branch())
}

func TestLoadTaskFile_Errors(t *testing.T) {
	_, err := LoadTaskFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("tasks: [unclosed"), 0644))
	_, err = LoadTaskFile(path)
	assert.Error(t, err)
}
