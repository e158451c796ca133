package orchestration

import (
	"sync"
	"time"
)

// TrackStatus represents the current state of a track.
type TrackStatus string

const (
	TrackStatusPending    TrackStatus = "pending"
	TrackStatusInProgress TrackStatus = "in_progress"
	TrackStatusCompleted  TrackStatus = "completed"
	TrackStatusFailed     TrackStatus = "failed"
	TrackStatusBlocked    TrackStatus = "blocked"
	TrackStatusMerged     TrackStatus = "merged"
)

// IsTerminal reports whether no further scheduling happens for the status.
func (s TrackStatus) IsTerminal() bool {
	switch s {
	case TrackStatusCompleted, TrackStatusFailed, TrackStatusMerged:
		return true
	}
	return false
}

// TrackSpec is the input record a plan is built from.
type TrackSpec struct {
	ID               string   `yaml:"id" json:"id" validate:"required,max=128"`
	Name             string   `yaml:"name" json:"name" validate:"required"`
	Description      string   `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn        []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive,required"`
	Files            []string `yaml:"files,omitempty" json:"files,omitempty" validate:"dive,required"`
	Complexity       int      `yaml:"complexity,omitempty" json:"complexity,omitempty" validate:"gte=0"`
	EstimatedMinutes int      `yaml:"estimated_minutes,omitempty" json:"estimated_minutes,omitempty" validate:"gte=0"`
	Subtasks         []string `yaml:"subtasks,omitempty" json:"subtasks,omitempty"`
}

// Track is a single unit of work in a plan.
type Track struct {
	ID                string
	Name              string
	Description       string
	DependsOn         []string // Resolved track IDs
	Files             []string // Resource footprint
	Complexity        int
	EstimatedDuration time.Duration
	Subtasks          []string

	mu     sync.RWMutex
	status TrackStatus
}

// NewTrack creates a pending track from a spec without resolving dependencies.
func NewTrack(spec TrackSpec) *Track {
	return &Track{
		ID:                spec.ID,
		Name:              spec.Name,
		Description:       spec.Description,
		DependsOn:         append([]string(nil), spec.DependsOn...),
		Files:             append([]string(nil), spec.Files...),
		Complexity:        spec.Complexity,
		EstimatedDuration: time.Duration(spec.EstimatedMinutes) * time.Minute,
		Subtasks:          append([]string(nil), spec.Subtasks...),
		status:            TrackStatusPending,
	}
}

// Status returns the track's current status.
func (t *Track) Status() TrackStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.status == "" {
		return TrackStatusPending
	}
	return t.status
}

// setStatus is only called from the scheduler loop and the merge phase.
func (t *Track) setStatus(s TrackStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Branch returns the workspace branch for the track.
func (t *Track) Branch() string {
	return BranchForTrack(t.ID)
}

// cost orders tracks for partitioning and admission.
func (t *Track) cost() (int, time.Duration) {
	return t.Complexity, t.EstimatedDuration
}
