package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TaskFile is the on-disk form of extracted tasks.
type TaskFile struct {
	Prompt string      `yaml:"prompt,omitempty" json:"prompt,omitempty" jsonschema:"description=Original development request"`
	Tasks  []TrackSpec `yaml:"tasks" json:"tasks" jsonschema:"description=Tasks to schedule as tracks"`
}

// LoadTaskFile reads a YAML or JSON task file. Files ending in .json are
// decoded as JSON, everything else as YAML.
func LoadTaskFile(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	return ParseTaskFile(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// ParseTaskFile decodes task file content.
func ParseTaskFile(data []byte, isJSON bool) (*TaskFile, error) {
	var tf TaskFile
	if isJSON {
		if err := json.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("parsing task file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("parsing task file: %w", err)
		}
	}
	return &tf, nil
}

// LoadPlan loads a task file and builds a plan from it.
func LoadPlan(path string) (*Plan, error) {
	tf, err := LoadTaskFile(path)
	if err != nil {
		return nil, err
	}
	return BuildPlan(tf.Prompt, tf.Tasks)
}
