// Package depgraph builds a DAG from the service map and produces
// wave-ordered topological layers: wave 0 holds the roots (no unresolved
// dependencies), and each subsequent wave holds everything whose
// dependencies were all scheduled in an earlier wave.
package depgraph

import (
	"fmt"
	"sort"
)

// CircularDependency is returned by TopologicalSort when the graph contains a cycle;
// Unresolved names the set of services that could never be scheduled.
type CircularDependency struct {
	Unresolved []string
}

func (e *CircularDependency) Error() string {
	return fmt.Sprintf("circular dependency detected among: %v", e.Unresolved)
}

// Graph is a set of named nodes and their declared dependency edges.
type Graph struct {
	dependsOn map[string][]string
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{dependsOn: map[string][]string{}}
}

// AddService registers a node and the names it depends on. Dependency names
// that were never separately added (e.g. the contract-owner root) are
// implicitly created with no dependencies of their own.
func (g *Graph) AddService(name string, dependsOn []string) {
	g.dependsOn[name] = append([]string(nil), dependsOn...)
	for _, dep := range dependsOn {
		if _, ok := g.dependsOn[dep]; !ok {
			g.dependsOn[dep] = nil
		}
	}
}

// TopologicalSort returns the dependency-ordered waves, or a
// *CircularDependency error if the graph cannot be fully scheduled.
func (g *Graph) TopologicalSort() ([][]string, error) {
	inDegree := make(map[string]int, len(g.dependsOn))
	dependents := make(map[string][]string, len(g.dependsOn))
	for name := range g.dependsOn {
		inDegree[name] = 0
	}
	for name, deps := range g.dependsOn {
		inDegree[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	processed := map[string]bool{}
	var waves [][]string

	for len(processed) < len(g.dependsOn) {
		var wave []string
		for name, degree := range inDegree {
			if degree == 0 && !processed[name] {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			var unresolved []string
			for name := range g.dependsOn {
				if !processed[name] {
					unresolved = append(unresolved, name)
				}
			}
			sort.Strings(unresolved)
			return nil, &CircularDependency{Unresolved: unresolved}
		}

		sort.Strings(wave)
		waves = append(waves, wave)
		for _, name := range wave {
			processed[name] = true
			// A node can only be retired once; set its degree to -1 so a later
			// pass over the map never re-selects it.
			inDegree[name] = -1
		}
		for _, name := range wave {
			for _, dependent := range dependents[name] {
				if inDegree[dependent] > 0 {
					inDegree[dependent]--
				}
			}
		}
	}
	return waves, nil
}

// AffectedServices returns every service that depends, directly or
// transitively, on any of changedServices.
func (g *Graph) AffectedServices(changedServices []string) []string {
	affected := map[string]bool{}
	queue := append([]string(nil), changedServices...)

	reverseDeps := map[string][]string{}
	for name, deps := range g.dependsOn {
		for _, dep := range deps {
			reverseDeps[dep] = append(reverseDeps[dep], name)
		}
	}

	for len(queue) > 0 {
		svc := queue[0]
		queue = queue[1:]
		for _, dependent := range reverseDeps[svc] {
			if !affected[dependent] {
				affected[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}

	out := make([]string, 0, len(affected))
	for name := range affected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BuildFromServiceMap constructs a Graph from a loaded service registry,
// rooting every service without an explicit depends_on at rootName.
func BuildFromServiceMap(services map[string][]string, rootName string) *Graph {
	g := New()
	g.AddService(rootName, nil)
	for name, deps := range services {
		if len(deps) == 0 {
			deps = []string{rootName}
		}
		g.AddService(name, deps)
	}
	return g
}
