package wheelforge

import (
	"fmt"
	"sort"
)

// DepGraph is the explicit dependency graph for one build run: adjacency
// lists keyed by package name, validated acyclic at construction time.
type DepGraph struct {
	specs      map[string]*PackageSpec
	edges      map[string][]string // package -> its dependencies
	dependents map[string][]string // package -> packages that depend on it
}

// NewDepGraph builds the graph from a manifest and rejects cycles up front,
// so manual build_order mistakes surface before any work starts.
func NewDepGraph(m *Manifest) (*DepGraph, error) {
	g := &DepGraph{
		specs:      make(map[string]*PackageSpec),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for i := range m.Packages {
		spec := &m.Packages[i]
		g.specs[spec.Name] = spec
		deps := append([]string(nil), spec.Depends...)
		sort.Strings(deps)
		g.edges[spec.Name] = deps
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], spec.Name)
		}
	}
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, fmt.Errorf("dependency cycle: %v", cycle)
	}
	return g, nil
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully processed
)

// findCycle returns one dependency cycle, or nil.
func (g *DepGraph) findCycle() []string {
	state := make(map[string]int)
	var cycle []string

	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		state[name] = colorGray
		path = append(path, name)
		for _, dep := range g.edges[name] {
			switch state[dep] {
			case colorGray:
				// Close the loop for the error message.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			case colorWhite:
				if visit(dep, path) {
					return true
				}
			}
		}
		state[name] = colorBlack
		return false
	}

	names := make([]string, 0, len(g.specs))
	for name := range g.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if state[name] == colorWhite {
			if visit(name, nil) {
				return cycle
			}
		}
	}
	return nil
}

// BuildOrder returns a total order consistent with the dependency graph.
// Among packages whose dependencies are all scheduled, the manifest's
// build_order rank breaks ties, then the name, so the order is deterministic
// for any valid manifest (including diamonds).
func (g *DepGraph) BuildOrder() []string {
	indegree := make(map[string]int, len(g.specs))
	for name := range g.specs {
		indegree[name] = len(g.edges[name])
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}

	less := func(a, b string) bool {
		ra, rb := g.specs[a].BuildOrder, g.specs[b].BuildOrder
		if ra != rb {
			return ra < rb
		}
		return a < b
	}

	order := make([]string, 0, len(g.specs))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range g.dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

// Dependencies returns the direct dependencies of a package.
func (g *DepGraph) Dependencies(name string) []string {
	return g.edges[name]
}

// TransitiveDependents returns every package that directly or indirectly
// depends on name, sorted. Used to cascade skips when a build fails.
func (g *DepGraph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
