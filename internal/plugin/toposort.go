package plugin

import (
	"cmp"
	"slices"
)

// TopoResult is the outcome of TopologicalSort.
type TopoResult[K cmp.Ordered] struct {
	// Sorted lists every node whose dependencies could all be resolved,
	// dependencies first.
	Sorted []K

	// ErrorSet maps each node that could not be placed to its original
	// dependency list. A node lands here when it depends on a key that is not
	// in the graph, takes part in a cycle, or depends on such a node.
	ErrorSet map[K][]K
}

// TopologicalSort orders graph so that every node comes after the nodes it
// depends on, using Kahn's algorithm. Dependencies that are not keys of graph
// are missing and can never be satisfied.
//
// Callers must not rely on the relative order of nodes that become free at
// the same time. The current implementation releases them in key order.
func TopologicalSort[K cmp.Ordered](graph map[K][]K) TopoResult[K] {
	remaining := make(map[K]map[K]struct{}, len(graph))
	dependents := make(map[K][]K, len(graph))

	for node, deps := range graph {
		set := make(map[K]struct{}, len(deps))
		for _, d := range deps {
			set[d] = struct{}{}
		}
		remaining[node] = set
		for d := range set {
			dependents[d] = append(dependents[d], node)
		}
	}

	var ready []K
	for node, deps := range remaining {
		if len(deps) == 0 {
			ready = append(ready, node)
		}
	}
	slices.Sort(ready)

	sorted := make([]K, 0, len(graph))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node)
		delete(remaining, node)

		var freed []K
		for _, dep := range dependents[node] {
			set, ok := remaining[dep]
			if !ok {
				continue
			}
			delete(set, node)
			if len(set) == 0 {
				freed = append(freed, dep)
			}
		}
		slices.Sort(freed)
		ready = append(ready, freed...)
	}

	errs := make(map[K][]K, len(remaining))
	for node := range remaining {
		errs[node] = slices.Clone(graph[node])
	}

	return TopoResult[K]{Sorted: sorted, ErrorSet: errs}
}
