package orchestration

import (
	"fmt"
	"strings"
)

type graphNode struct {
	dependencies []string
	dependents   []string
}

// DependencyGraph is an adjacency structure over track IDs with edges
// dependency -> dependent.
type DependencyGraph struct {
	order    []string
	nodes    map[string]*graphNode
	warnings []string
}

// BuildDependencyGraph creates a dependency graph from the tracks of a plan.
// References to unknown tracks are skipped with a warning; a cycle is a
// *ValidationError.
func BuildDependencyGraph(tracks []*Track) (*DependencyGraph, error) {
	graph := &DependencyGraph{
		nodes: make(map[string]*graphNode, len(tracks)),
	}

	// Add all tracks as nodes
	for _, track := range tracks {
		if _, exists := graph.nodes[track.ID]; exists {
			return nil, &ValidationError{
				Kind:   ValidationDuplicate,
				Tracks: []string{track.ID},
				Detail: fmt.Sprintf("duplicate track id %q", track.ID),
			}
		}
		graph.nodes[track.ID] = &graphNode{}
		graph.order = append(graph.order, track.ID)
	}

	for _, track := range tracks {
		for _, dep := range track.DependsOn {
			if _, exists := graph.nodes[dep]; !exists {
				graph.warnings = append(graph.warnings,
					fmt.Sprintf("track %s: unknown dependency %q skipped", track.ID, dep))
				continue
			}
			graph.addEdge(dep, track.ID)
		}
	}

	if cycle := graph.DetectCycle(); len(cycle) > 0 {
		return nil, &ValidationError{
			Kind:   ValidationCyclic,
			Tracks: cycle,
			Detail: "circular dependency detected: " + strings.Join(cycle, " -> "),
		}
	}

	return graph, nil
}

func (dg *DependencyGraph) addEdge(from, to string) {
	dependent := dg.nodes[to]
	for _, existing := range dependent.dependencies {
		if existing == from {
			return
		}
	}
	dependent.dependencies = append(dependent.dependencies, from)
	dg.nodes[from].dependents = append(dg.nodes[from].dependents, to)
}

// Nodes returns the track IDs in plan order.
func (dg *DependencyGraph) Nodes() []string {
	return append([]string(nil), dg.order...)
}

// Has reports whether id is a node of the graph.
func (dg *DependencyGraph) Has(id string) bool {
	_, ok := dg.nodes[id]
	return ok
}

// Dependencies returns the tracks id depends on.
func (dg *DependencyGraph) Dependencies(id string) []string {
	node, ok := dg.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), node.dependencies...)
}

// Dependents returns the tracks that depend on id.
func (dg *DependencyGraph) Dependents(id string) []string {
	node, ok := dg.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), node.dependents...)
}

// Warnings returns the dangling references skipped while building.
func (dg *DependencyGraph) Warnings() []string {
	return append([]string(nil), dg.warnings...)
}

// DetectCycle uses DFS with a recursion stack and returns one cycle as a
// path whose first and last element are the same track, or nil.
func (dg *DependencyGraph) DetectCycle() []string {
	visited := make(map[string]bool, len(dg.nodes))
	onStack := make(map[string]bool, len(dg.nodes))
	var path []string

	var visit func(node string) []string
	visit = func(node string) []string {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, dep := range dg.nodes[node].dependencies {
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
				continue
			}
			if onStack[dep] {
				for i, n := range path {
					if n == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}

		// Backtrack
		onStack[node] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, node := range dg.order {
		if !visited[node] {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns the nodes so that every dependency precedes its
// dependents. Ties keep plan order.
func (dg *DependencyGraph) TopologicalOrder() ([]string, error) {
	remaining := make(map[string]int, len(dg.nodes))
	for id, node := range dg.nodes {
		remaining[id] = len(node.dependencies)
	}

	sorted := make([]string, 0, len(dg.order))
	placed := make(map[string]bool, len(dg.order))
	for len(sorted) < len(dg.order) {
		progressed := false
		for _, id := range dg.order {
			if placed[id] || remaining[id] > 0 {
				continue
			}
			placed[id] = true
			sorted = append(sorted, id)
			for _, dependent := range dg.nodes[id].dependents {
				remaining[dependent]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("topological order: %w", ErrCyclicDependency)
		}
	}
	return sorted, nil
}

// ToMermaid generates a Mermaid diagram of the graph, styling nodes by status.
func (dg *DependencyGraph) ToMermaid(statuses map[string]TrackStatus) string {
	var lines []string
	lines = append(lines, "graph TD")

	ids := make(map[string]string, len(dg.order))
	for i, trackID := range dg.order {
		ids[trackID] = fmt.Sprintf("t%d", i)
	}

	// Add nodes with status
	for _, trackID := range dg.order {
		status, ok := statuses[trackID]
		if !ok {
			status = TrackStatusPending
		}
		lines = append(lines, fmt.Sprintf("  %s[\"%s (%s)\"]:::%s",
			ids[trackID], strings.ReplaceAll(trackID, "\"", "'"), status, mermaidClass(status)))
	}

	// Add edges
	for _, trackID := range dg.order {
		for _, dep := range dg.nodes[trackID].dependencies {
			lines = append(lines, fmt.Sprintf("  %s --> %s", ids[dep], ids[trackID]))
		}
	}

	lines = append(lines,
		"  classDef completed fill:#90EE90,stroke:#333,stroke-width:2px;",
		"  classDef merged fill:#3CB371,stroke:#333,stroke-width:2px;",
		"  classDef running fill:#87CEEB,stroke:#333,stroke-width:2px;",
		"  classDef failed fill:#FFB6C1,stroke:#333,stroke-width:2px;",
		"  classDef blocked fill:#FFE4B5,stroke:#333,stroke-width:2px;",
		"  classDef pending fill:#FFF,stroke:#333,stroke-width:2px;",
	)

	return strings.Join(lines, "\n")
}

func mermaidClass(status TrackStatus) string {
	switch status {
	case TrackStatusCompleted:
		return "completed"
	case TrackStatusMerged:
		return "merged"
	case TrackStatusInProgress:
		return "running"
	case TrackStatusFailed:
		return "failed"
	case TrackStatusBlocked:
		return "blocked"
	default:
		return "pending"
	}
}
