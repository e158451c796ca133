package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ToolEndpointFile is the sidecar, relative to the workspace root, that tells
// tool clients where the executor's tool server listens.
const ToolEndpointFile = ".config/local-tool-endpoint.json"

// ToolEndpoint is the content of the endpoint sidecar.
type ToolEndpoint struct {
	Address    string    `json:"address"`
	ExecutorID string    `json:"executor_id"`
	TrackID    string    `json:"track_id"`
	Workspace  string    `json:"workspace"`
	WrittenAt  time.Time `json:"written_at"`
}

// WriteToolEndpoint writes the sidecar for handle into ws, replacing any
// file left by an earlier attempt.
func WriteToolEndpoint(ws *Workspace, handle *ExecutorHandle) (*ToolEndpoint, error) {
	endpoint := &ToolEndpoint{
		Address:    handle.Address,
		ExecutorID: handle.ID,
		TrackID:    ws.TrackID,
		Workspace:  ws.Path,
		WrittenAt:  time.Now().UTC(),
	}

	data, err := json.MarshalIndent(endpoint, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool endpoint: %w", err)
	}

	path := filepath.Join(ws.Path, ToolEndpointFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create endpoint directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("write tool endpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write tool endpoint: %w", err)
	}
	return endpoint, nil
}

// ReadToolEndpoint reads the sidecar from a workspace.
func ReadToolEndpoint(workspacePath string) (*ToolEndpoint, error) {
	data, err := os.ReadFile(filepath.Join(workspacePath, ToolEndpointFile))
	if err != nil {
		return nil, fmt.Errorf("read tool endpoint: %w", err)
	}

	var endpoint ToolEndpoint
	if err := json.Unmarshal(data, &endpoint); err != nil {
		return nil, fmt.Errorf("parse tool endpoint: %w", err)
	}
	if endpoint.Address == "" {
		return nil, fmt.Errorf("tool endpoint in %s has no address", workspacePath)
	}
	return &endpoint, nil
}
