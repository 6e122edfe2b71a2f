package schema

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph is the reference graph between collections.
// An edge A -> B means A references B, so B must be synced first.
type DependencyGraph struct {
	nodes []string
	edges map[string][]string
}

// NewDependencyGraph builds the graph for the given collections.
// References to collections outside the set are ignored.
func NewDependencyGraph(collections []*Collection) *DependencyGraph {
	g := &DependencyGraph{
		edges: make(map[string][]string),
	}

	present := make(map[string]bool, len(collections))
	for _, c := range collections {
		present[c.Name] = true
		g.nodes = append(g.nodes, c.Name)
	}
	sort.Strings(g.nodes)

	for _, c := range collections {
		for _, dep := range c.Dependencies() {
			if present[dep] {
				g.edges[c.Name] = append(g.edges[c.Name], dep)
			}
		}
	}

	return g
}

// Dependencies returns the direct dependencies of a collection
func (g *DependencyGraph) Dependencies(name string) []string {
	return g.edges[name]
}

// Dependents returns the collections that directly depend on name
func (g *DependencyGraph) Dependents(name string) []string {
	var dependents []string
	for _, node := range g.nodes {
		for _, dep := range g.edges[node] {
			if dep == name {
				dependents = append(dependents, node)
				break
			}
		}
	}
	return dependents
}

// SyncPlan is a dependency-respecting execution order
type SyncPlan struct {
	// Waves groups collections whose dependencies are all in earlier waves.
	// Collections within a wave are independent of each other.
	Waves [][]string

	// BrokenCycles lists every cycle found, in the order they were broken
	BrokenCycles []Cycle
}

// Cycle is a dependency cycle and the collection at which it was broken
type Cycle struct {
	Path     []string
	BrokenAt string
}

// String formats the cycle as "a -> b -> a (broken at a)"
func (c Cycle) String() string {
	return fmt.Sprintf("%s -> %s (broken at %s)", strings.Join(c.Path, " -> "), c.Path[0], c.BrokenAt)
}

// Order returns the flattened sync order of the plan
func (p *SyncPlan) Order() []string {
	var order []string
	for _, wave := range p.Waves {
		order = append(order, wave...)
	}
	return order
}

// Plan computes the sync plan. Cycles never fail planning: when no collection
// is ready, the first cycle reachable from the smallest remaining name is
// broken at its lexicographically smallest member, whose unfinished
// dependencies are then ignored.
func (g *DependencyGraph) Plan() *SyncPlan {
	plan := &SyncPlan{}

	done := make(map[string]bool, len(g.nodes))
	forced := make(map[string]bool)

	ready := func(node string) bool {
		if forced[node] {
			return true
		}
		for _, dep := range g.edges[node] {
			if !done[dep] {
				return false
			}
		}
		return true
	}

	for len(done) < len(g.nodes) {
		var wave []string
		for _, node := range g.nodes {
			if !done[node] && ready(node) {
				wave = append(wave, node)
			}
		}

		if len(wave) == 0 {
			cycle := g.findCycle(done)
			forced[cycle.BrokenAt] = true
			plan.BrokenCycles = append(plan.BrokenCycles, cycle)
			continue
		}

		for _, node := range wave {
			done[node] = true
		}
		plan.Waves = append(plan.Waves, wave)
	}

	return plan
}

// findCycle walks unfinished dependencies from the smallest unfinished node
// until a node repeats. Every unfinished node has an unfinished dependency
// when this is called, so the walk always closes a cycle.
func (g *DependencyGraph) findCycle(done map[string]bool) Cycle {
	var start string
	for _, node := range g.nodes {
		if !done[node] {
			start = node
			break
		}
	}

	position := make(map[string]int)
	var path []string
	node := start
	for {
		if idx, seen := position[node]; seen {
			path = path[idx:]
			break
		}
		position[node] = len(path)
		path = append(path, node)

		next := ""
		for _, dep := range g.edges[node] {
			if !done[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			// Unreachable while the caller's precondition holds
			return Cycle{Path: []string{node}, BrokenAt: node}
		}
		node = next
	}

	brokenAt := path[0]
	for _, n := range path[1:] {
		if n < brokenAt {
			brokenAt = n
		}
	}

	// Rotate so the cycle starts at the broken member
	for i, n := range path {
		if n == brokenAt {
			path = append(append([]string{}, path[i:]...), path[:i]...)
			break
		}
	}

	return Cycle{Path: path, BrokenAt: brokenAt}
}
