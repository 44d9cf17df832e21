package domain

import (
	"context"
	"sort"
)

// Graph is the injected read view of the dependency graph. Implementations
// must de-duplicate edges; ordering is unspecified.
type Graph interface {
	// Dependencies returns the module ids the given module directly depends on.
	Dependencies(ctx context.Context, moduleID string) ([]string, error)
	// ReverseDependencies returns the module ids that directly depend on the
	// given module.
	ReverseDependencies(ctx context.Context, moduleID string) ([]string, error)
}

// DedupeEdges removes duplicate and self-referencing edges, preserving the
// first occurrence order.
func DedupeEdges(edges []DependencyEdge) []DependencyEdge {
	seen := make(map[DependencyEdge]struct{}, len(edges))
	result := make([]DependencyEdge, 0, len(edges))
	for _, edge := range edges {
		if edge.ModuleID == edge.DependsOnModuleID {
			continue
		}
		if _, ok := seen[edge]; ok {
			continue
		}
		seen[edge] = struct{}{}
		result = append(result, edge)
	}
	return result
}

// DetectCycle reports one dependency cycle in the edge set, if any. The
// returned path lists module ids in dependency order with the first module
// repeated at the end. Used at catalog authoring time; the activation
// algorithms themselves tolerate cyclic data.
func DetectCycle(edges []DependencyEdge) ([]string, bool) {
	adjacency := make(map[string][]string)
	nodes := make(map[string]struct{})
	for _, edge := range DedupeEdges(edges) {
		adjacency[edge.ModuleID] = append(adjacency[edge.ModuleID], edge.DependsOnModuleID)
		nodes[edge.ModuleID] = struct{}{}
		nodes[edge.DependsOnModuleID] = struct{}{}
	}

	ordered := make([]string, 0, len(nodes))
	for node := range nodes {
		ordered = append(ordered, node)
	}
	sort.Strings(ordered)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))

	var stack []string
	var walk func(node string) ([]string, bool)
	walk = func(node string) ([]string, bool) {
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range adjacency[node] {
			switch state[next] {
			case visiting:
				// Cut the stack back to where the cycle entered.
				start := 0
				for i, name := range stack {
					if name == next {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				cycle = append(cycle, next)
				return cycle, true
			case unvisited:
				if cycle, found := walk(next); found {
					return cycle, true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return nil, false
	}

	for _, node := range ordered {
		if state[node] != unvisited {
			continue
		}
		if cycle, found := walk(node); found {
			return cycle, true
		}
	}
	return nil, false
}
