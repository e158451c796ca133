package orchestration

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PartitionGroups layers the graph into ordered groups of tracks that can run
// in parallel. Within a group no two tracks depend on each other or share a
// resource path, and every dependency of a track lies in an earlier group.
func PartitionGroups(graph *DependencyGraph, tracks []*Track) ([][]string, error) {
	byID := make(map[string]*Track, len(tracks))
	for _, t := range tracks {
		byID[t.ID] = t
	}

	completed := make(map[string]bool, len(graph.order))
	available := graph.Nodes()
	var groups [][]string

	for len(available) > 0 {
		var candidates []string
		for _, id := range available {
			ready := true
			for _, dep := range graph.Dependencies(id) {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				candidates = append(candidates, id)
			}
		}

		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: no schedulable tracks among %s", ErrInconsistentGraph, strings.Join(available, ", "))
		}

		sortByCost(candidates, byID)

		var group []string
		var footprints [][]string
		for _, id := range candidates {
			files := trackFiles(byID[id])
			conflict := false
			for _, other := range footprints {
				if footprintsOverlap(files, other) {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
			group = append(group, id)
			footprints = append(footprints, files)
		}

		if len(group) == 0 {
			// Every candidate conflicted; fall back to one group per track.
			for _, id := range candidates {
				groups = append(groups, []string{id})
				completed[id] = true
			}
		} else {
			groups = append(groups, group)
			for _, id := range group {
				completed[id] = true
			}
		}

		remaining := available[:0]
		for _, id := range available {
			if !completed[id] {
				remaining = append(remaining, id)
			}
		}
		available = remaining
	}

	return groups, nil
}

// sortByCost orders ids by complexity, then estimated duration, then id.
func sortByCost(ids []string, byID map[string]*Track) {
	sort.SliceStable(ids, func(i, j int) bool {
		ci, di := trackCost(byID[ids[i]])
		cj, dj := trackCost(byID[ids[j]])
		if ci != cj {
			return ci < cj
		}
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
}

func trackCost(t *Track) (int, int64) {
	if t == nil {
		return 0, 0
	}
	c, d := t.cost()
	return c, int64(d)
}

func trackFiles(t *Track) []string {
	if t == nil {
		return nil
	}
	return t.Files
}

// footprintsOverlap reports whether two resource footprints may touch the
// same path. Any doubt counts as an overlap.
func footprintsOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if pathsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func pathsOverlap(a, b string) bool {
	a, b = normalizeFootprint(a), normalizeFootprint(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}

	aGlob, bGlob := isGlob(a), isGlob(b)
	switch {
	case !aGlob && !bGlob:
		// A directory footprint covers everything below it.
		return segmentPrefix(a, b) || segmentPrefix(b, a)
	case aGlob && !bGlob:
		return globCovers(a, b)
	case !aGlob && bGlob:
		return globCovers(b, a)
	default:
		baseA, _ := doublestar.SplitPattern(a)
		baseB, _ := doublestar.SplitPattern(b)
		return segmentPrefix(baseA, baseB) || segmentPrefix(baseB, baseA)
	}
}

func globCovers(pattern, p string) bool {
	ok, err := doublestar.Match(pattern, p)
	if err != nil || ok {
		return true
	}
	base, _ := doublestar.SplitPattern(pattern)
	return segmentPrefix(p, base)
}

func normalizeFootprint(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = path.Clean(filepath.ToSlash(p))
	return strings.TrimPrefix(p, "./")
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// segmentPrefix reports whether prefix equals p or is a parent directory of p.
func segmentPrefix(prefix, p string) bool {
	if prefix == "." || prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
