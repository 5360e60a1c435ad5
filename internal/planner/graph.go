package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/orkestra/internal/models"
)

const (
	white = iota // unvisited
	grey         // on the current DFS path
	black        // fully explored
)

// DetectCycle walks the dependency graph (node -> nodes it depends on) with
// DFS coloring. On a cycle it returns the cycle path, e.g. [a b a], wrapped
// in ErrCycleDetected. Nodes are visited in sorted order so the reported
// path is stable.
func DetectCycle(graph map[string][]string) error {
	color := make(map[string]int, len(graph))
	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var path []string
	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = grey
		path = append(path, n)

		deps := append([]string(nil), graph[n]...)
		sort.Strings(deps)
		for _, d := range deps {
			switch color[d] {
			case grey:
				start := 0
				for i, p := range path {
					if p == d {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, d)
			case white:
				if c := visit(d); c != nil {
					return c
				}
			}
		}

		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range nodes {
		if color[n] != white {
			continue
		}
		if cycle := visit(n); cycle != nil {
			return fmt.Errorf("%w: %s", models.ErrCycleDetected, strings.Join(cycle, " -> "))
		}
	}
	return nil
}

// Levels groups nodes of an acyclic graph into dependency levels: level 0
// has no dependencies, level n depends only on earlier levels. Used to show
// which tasks of a phase can run side by side.
func Levels(graph map[string][]string) ([][]string, error) {
	inDegree := make(map[string]int, len(graph))
	dependants := make(map[string][]string)
	for n, deps := range graph {
		if _, ok := inDegree[n]; !ok {
			inDegree[n] = 0
		}
		for _, d := range deps {
			if _, ok := graph[d]; !ok {
				continue
			}
			inDegree[n]++
			dependants[d] = append(dependants[d], n)
		}
	}

	var current []string
	for n, deg := range inDegree {
		if deg == 0 {
			current = append(current, n)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, n := range current {
			for _, m := range dependants[n] {
				inDegree[m]--
				if inDegree[m] == 0 {
					next = append(next, m)
				}
			}
		}
		current = next
	}

	if processed != len(inDegree) {
		return nil, models.ErrCycleDetected
	}
	return levels, nil
}
