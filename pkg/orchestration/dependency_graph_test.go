package orchestration

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tracksFrom(defs ...TrackSpec) []*Track {
	tracks := make([]*Track, 0, len(defs))
	for _, d := range defs {
		tracks = append(tracks, NewTrack(d))
	}
	return tracks
}

func TestBuildDependencyGraph(t *testing.T) {
	graph, err := BuildDependencyGraph(tracksFrom(
		spec("t1"),
		spec("t2", "t1"),
		spec("t3", "t1", "t2"),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t2", "t3"}, graph.Nodes())
	assert.Equal(t, []string{"t1", "t2"}, graph.Dependencies("t3"))
	assert.ElementsMatch(t, []string{"t2", "t3"}, graph.Dependents("t1"))
	assert.Empty(t, graph.Warnings())
}

func TestBuildDependencyGraph_Cycle(t *testing.T) {
	_, err := BuildDependencyGraph(tracksFrom(
		spec("A", "C"),
		spec("B", "A"),
		spec("C", "B"),
	))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ValidationCyclic, verr.Kind)
	// The path starts and ends on the same track and names all three.
	require.GreaterOrEqual(t, len(verr.Tracks), 4)
	assert.Equal(t, verr.Tracks[0], verr.Tracks[len(verr.Tracks)-1])
	assert.ElementsMatch(t, []string{"A", "B", "C"}, verr.Tracks[:3])
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestBuildDependencyGraph_SelfDependency(t *testing.T) {
	_, err := BuildDependencyGraph(tracksFrom(spec("solo", "solo")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestBuildDependencyGraph_UnknownDependency(t *testing.T) {
	graph, err := BuildDependencyGraph(tracksFrom(spec("a"), spec("b", "a", "ghost")))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, graph.Dependencies("b"))
	require.Len(t, graph.Warnings(), 1)
	assert.Contains(t, graph.Warnings()[0], "ghost")
}

func TestBuildDependencyGraph_Duplicate(t *testing.T) {
	_, err := BuildDependencyGraph(tracksFrom(spec("a"), spec("a")))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ValidationDuplicate, verr.Kind)
	assert.False(t, errors.Is(err, ErrCyclicDependency))
}

func TestDependencyGraph_TopologicalOrder(t *testing.T) {
	graph, err := BuildDependencyGraph(tracksFrom(
		spec("deploy", "test", "build"),
		spec("test", "build"),
		spec("build"),
		spec("docs"),
	))
	require.NoError(t, err)

	order, err := graph.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["build"], pos["test"])
	assert.Less(t, pos["test"], pos["deploy"])
	// Ties keep plan order.
	assert.Equal(t, []string{"build", "docs", "test", "deploy"}, order)
}

func TestDependencyGraph_ToMermaid(t *testing.T) {
	graph, err := BuildDependencyGraph(tracksFrom(spec("api"), spec("ui", "api")))
	require.NoError(t, err)

	out := graph.ToMermaid(map[string]TrackStatus{
		"api": TrackStatusCompleted,
		"ui":  TrackStatusFailed,
	})

	if !strings.HasPrefix(out, "graph TD") {
		t.Errorf("expected mermaid header, got %q", out)
	}
	assert.Contains(t, out, `t0["api (completed)"]:::completed`)
	assert.Contains(t, out, `t1["ui (failed)"]:::failed`)
	assert.Contains(t, out, "t0 --> t1")
}
