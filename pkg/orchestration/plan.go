package orchestration

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var specValidate = validator.New()

// Plan is a validated set of tracks with their dependency graph and
// parallel groups. Only track statuses change after construction.
type Plan struct {
	ID        string
	Prompt    string // Original request, carried for traceability
	Tracks    []*Track
	Graph     *DependencyGraph
	Groups    [][]string
	Warnings  []string
	CreatedAt time.Time

	byID       map[string]*Track
	groupIndex map[string]int
}

// BuildPlan validates specs, resolves their dependency references and builds
// the graph and parallel groups. Any validation failure returns a
// *ValidationError and no plan.
func BuildPlan(prompt string, specs []TrackSpec) (*Plan, error) {
	if len(specs) == 0 {
		return nil, &ValidationError{Kind: ValidationEmpty, Detail: "plan must have at least one track"}
	}

	seen := make(map[string]bool, len(specs))
	tracks := make([]*Track, 0, len(specs))
	for i, spec := range specs {
		spec.ID = strings.TrimSpace(spec.ID)
		if err := specValidate.Struct(spec); err != nil {
			return nil, &ValidationError{
				Kind:   ValidationMalformed,
				Tracks: []string{spec.ID},
				Detail: fmt.Sprintf("track at index %d", i),
				Err:    err,
			}
		}
		if seen[spec.ID] {
			return nil, &ValidationError{
				Kind:   ValidationDuplicate,
				Tracks: []string{spec.ID},
				Detail: fmt.Sprintf("duplicate track id %q at index %d", spec.ID, i),
			}
		}
		seen[spec.ID] = true
		tracks = append(tracks, NewTrack(spec))
	}

	var warnings []string
	for _, track := range tracks {
		var resolved []string
		for _, ref := range track.DependsOn {
			id, ok := resolveReference(ref, track, tracks)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("track %s: dependency %q does not match any track, dropped", track.ID, ref))
				continue
			}
			if !containsString(resolved, id) {
				resolved = append(resolved, id)
			}
		}
		track.DependsOn = resolved
	}

	plan, err := NewPlan(uuid.NewString(), prompt, tracks)
	if err != nil {
		return nil, err
	}
	plan.Warnings = append(warnings, plan.Warnings...)
	return plan, nil
}

// NewPlan builds a plan from tracks whose DependsOn already hold IDs.
// References to unknown IDs are kept on the track, skipped in the graph and
// reported as warnings; such a track can never become eligible.
func NewPlan(id, prompt string, tracks []*Track) (*Plan, error) {
	if len(tracks) == 0 {
		return nil, &ValidationError{Kind: ValidationEmpty, Detail: "plan must have at least one track"}
	}

	graph, err := BuildDependencyGraph(tracks)
	if err != nil {
		return nil, err
	}

	groups, err := PartitionGroups(graph, tracks)
	if err != nil {
		return nil, fmt.Errorf("partition groups: %w", err)
	}

	plan := &Plan{
		ID:         id,
		Prompt:     prompt,
		Tracks:     tracks,
		Graph:      graph,
		Groups:     groups,
		Warnings:   graph.Warnings(),
		CreatedAt:  time.Now(),
		byID:       make(map[string]*Track, len(tracks)),
		groupIndex: make(map[string]int, len(tracks)),
	}
	for _, t := range tracks {
		plan.byID[t.ID] = t
	}
	for i, group := range groups {
		for _, trackID := range group {
			plan.groupIndex[trackID] = i
		}
	}
	return plan, nil
}

// Track returns the track with the given ID.
func (p *Plan) Track(id string) (*Track, bool) {
	t, ok := p.byID[id]
	return t, ok
}

// GroupIndex returns the parallel group a track was placed in, or -1.
func (p *Plan) GroupIndex(id string) int {
	if i, ok := p.groupIndex[id]; ok {
		return i
	}
	return -1
}

// Statuses returns a copy of every track's status.
func (p *Plan) Statuses() map[string]TrackStatus {
	statuses := make(map[string]TrackStatus, len(p.Tracks))
	for _, t := range p.Tracks {
		statuses[t.ID] = t.Status()
	}
	return statuses
}

// resolveReference maps a dependency reference to a track ID: exact ID match
// first, then a case-insensitive substring match against track names.
func resolveReference(ref string, self *Track, tracks []*Track) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	for _, t := range tracks {
		if t.ID == ref {
			return t.ID, true
		}
	}
	needle := strings.ToLower(ref)
	for _, t := range tracks {
		if t == self {
			continue
		}
		if strings.Contains(strings.ToLower(t.Name), needle) {
			return t.ID, true
		}
	}
	return "", false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
