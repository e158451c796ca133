package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the local tracks state kept in .tracks/state.yml.
type State struct {
	LastRunID    string    `yaml:"last_run_id,omitempty"`
	LastPlanID   string    `yaml:"last_plan_id,omitempty"`
	LastTaskFile string    `yaml:"last_task_file,omitempty"`
	UpdatedAt    time.Time `yaml:"updated_at,omitempty"`
}

// FindRoot returns the repository root containing start, or start itself
// when no .git is found above it.
func FindRoot(start string) (string, error) {
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get current directory: %w", err)
		}
		start = cwd
	}

	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start, nil
		}
		dir = parent
	}
}

// Dir returns the .tracks directory under root.
func Dir(root string) string {
	return filepath.Join(root, ".tracks")
}

func stateFilePath(root string) string {
	return filepath.Join(Dir(root), "state.yml")
}

// LoadState loads the state under root. A missing file is an empty state.
func LoadState(root string) (*State, error) {
	data, err := os.ReadFile(stateFilePath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &state, nil
}

// SaveState writes the state under root.
func SaveState(root string, state *State) error {
	path := stateFilePath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// RecordRun stores runID as the most recent run.
func RecordRun(root, runID, planID, taskFile string) error {
	state, err := LoadState(root)
	if err != nil {
		return err
	}
	state.LastRunID = runID
	state.LastPlanID = planID
	state.LastTaskFile = taskFile
	state.UpdatedAt = time.Now().UTC()
	return SaveState(root, state)
}

// LastRunID returns the most recent run, or "" when none was recorded.
func LastRunID(root string) (string, error) {
	state, err := LoadState(root)
	if err != nil {
		return "", err
	}
	return state.LastRunID, nil
}
