// Package graph orders a project's services by their dependencies.
//
// Edges come from links, service-kind volumes_from, network_mode=service:x
// and depends_on. The graph is built and checked for cycles once per project
// load; traversal yields levels of services with no dependencies among them.
package graph

import (
	"sort"
	"strings"

	"github.com/artpar/flotilla/internal/core/compose"
)

// =============================================================================
// Graph
// =============================================================================

// Graph is an acyclic dependency graph over the services of one project.
// It is immutable after Build.
type Graph struct {
	order []string            // declaration order
	index map[string]int      // name -> position in order
	deps  map[string][]string // name -> services it needs, deduplicated
}

// Build derives the dependency graph of services. An edge to a service that
// is not declared, or any cycle, is a ConfigurationError.
func Build(services []compose.ServiceSpec) (*Graph, error) {
	g := &Graph{
		order: make([]string, 0, len(services)),
		index: make(map[string]int, len(services)),
		deps:  make(map[string][]string, len(services)),
	}
	for i, svc := range services {
		g.order = append(g.order, svc.Name)
		g.index[svc.Name] = i
	}

	for _, svc := range services {
		seen := make(map[string]bool)
		add := func(field, dep string) error {
			if _, ok := g.index[dep]; !ok {
				return compose.NewConfigurationError(
					"services."+svc.Name+"."+field,
					"service '"+svc.Name+"' depends on undeclared service '"+dep+"'",
					compose.ErrUnknownService,
				)
			}
			if !seen[dep] {
				seen[dep] = true
				g.deps[svc.Name] = append(g.deps[svc.Name], dep)
			}
			return nil
		}

		for _, link := range svc.Links {
			if err := add("links", link.Service); err != nil {
				return nil, err
			}
		}
		for _, vf := range svc.VolumesFrom {
			if vf.Kind != compose.VolumeFromService {
				continue
			}
			if err := add("volumes_from", vf.Source); err != nil {
				return nil, err
			}
		}
		if svc.NetworkMode.Kind == compose.NetworkModeService {
			if err := add("network_mode", svc.NetworkMode.Ref); err != nil {
				return nil, err
			}
		}
		for _, dep := range svc.DependsOn {
			if err := add("depends_on", dep); err != nil {
				return nil, err
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, compose.NewConfigurationError(
			"",
			"dependency cycle between services: "+strings.Join(cycle, " -> "),
			compose.ErrDependencyCycle,
		)
	}

	return g, nil
}

// findCycle runs a DFS with a recursion stack and returns the services on
// the first cycle found, first service repeated at the end.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(node string) []string
	visit = func(node string) []string {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)

		for _, dep := range g.deps[node] {
			if onStack[dep] {
				start := 0
				for i, name := range stack {
					if name == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, dep)
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[node] = false
		return nil
	}

	for _, name := range g.order {
		if !visited[name] {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Services returns all service names in declaration order.
func (g *Graph) Services() []string {
	return append([]string(nil), g.order...)
}

// Has reports whether name is a node of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Expand returns names plus all their transitive dependencies, in
// declaration order.
func (g *Graph) Expand(names []string) ([]string, error) {
	if err := g.check(names); err != nil {
		return nil, err
	}

	included := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if included[name] {
			return
		}
		included[name] = true
		for _, dep := range g.deps[name] {
			walk(dep)
		}
	}
	for _, name := range names {
		walk(name)
	}

	return g.inOrder(included), nil
}

// Levels groups subset into dependency levels. Depth is measured over the
// whole graph, so a service that depends on another member only through
// services outside subset still lands in a later level. Empty levels are
// dropped and within a level services keep declaration order. A nil subset
// means every service.
func (g *Graph) Levels(subset []string) ([][]string, error) {
	if subset == nil {
		subset = g.order
	}
	if err := g.check(subset); err != nil {
		return nil, err
	}

	members := make(map[string]bool, len(subset))
	for _, name := range subset {
		members[name] = true
	}

	depth := make(map[string]int)
	var depthOf func(name string) int
	depthOf = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		d := 0
		for _, dep := range g.deps[name] {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[name] = d
		return d
	}

	byDepth := make(map[int][]string)
	var depths []int
	for _, name := range g.inOrder(members) {
		d := depthOf(name)
		if _, ok := byDepth[d]; !ok {
			depths = append(depths, d)
		}
		byDepth[d] = append(byDepth[d], name)
	}
	sort.Ints(depths)

	levels := make([][]string, 0, len(depths))
	for _, d := range depths {
		levels = append(levels, byDepth[d])
	}
	return levels, nil
}

// ReverseLevels returns Levels in reverse: dependents before dependencies.
func (g *Graph) ReverseLevels(subset []string) ([][]string, error) {
	levels, err := g.Levels(subset)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	return levels, nil
}

// Sorted flattens Levels into a single dependency order.
func (g *Graph) Sorted(subset []string) ([]string, error) {
	levels, err := g.Levels(subset)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}

func (g *Graph) check(names []string) error {
	for _, name := range names {
		if !g.Has(name) {
			return compose.NewConfigurationError("", "no such service: "+name, compose.ErrUnknownService)
		}
	}
	return nil
}

func (g *Graph) inOrder(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, name := range g.order {
		if set[name] {
			out = append(out, name)
		}
	}
	return out
}
