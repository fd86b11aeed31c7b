// Package depgraph resolves dependency graphs into a valid start order.
//
// The same resolver orders plugin loading and service startup: both are
// maps of node name to the names that node requires first.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for resolution failures.
var (
	// ErrMissingDependency is returned when a node references a
	// dependency absent from the graph.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrCircularDependency is returned when the graph contains a cycle.
	ErrCircularDependency = errors.New("circular dependency")
)

// MissingError reports a dependency edge pointing at a node that does
// not exist in the graph.
type MissingError struct {
	// Node is the node that declared the dependency.
	Node string

	// Dependency is the missing node it referenced.
	Dependency string
}

// Error implements the error interface.
func (e *MissingError) Error() string {
	return fmt.Sprintf("%q depends on %q which is not present", e.Node, e.Dependency)
}

// Is allows errors.Is to match MissingError with ErrMissingDependency.
func (e *MissingError) Is(target error) bool {
	return target == ErrMissingDependency
}

// CycleError reports that resolution could not complete because the
// remaining nodes form at least one dependency cycle.
type CycleError struct {
	// Nodes are the unresolved nodes, sorted by name. The cycle is
	// contained in this set; it is not narrowed further.
	Nodes []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency involving: %s", strings.Join(e.Nodes, ", "))
}

// Is allows errors.Is to match CycleError with ErrCircularDependency.
func (e *CycleError) Is(target error) bool {
	return target == ErrCircularDependency
}

// Resolve orders the graph so every node appears after all of its
// dependencies (Kahn's algorithm). The ready queue is kept sorted so the
// order is deterministic for a given graph.
//
// Returns a MissingError if an edge points outside the graph, or a
// CycleError if the sort cannot consume every node. No partial order is
// returned on failure.
func Resolve(nodes map[string][]string) ([]string, error) {
	dependents := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))

	for name := range nodes {
		inDegree[name] = 0
	}

	for name, deps := range nodes {
		for _, dep := range deps {
			if _, ok := nodes[dep]; !ok {
				return nil, &MissingError{Node: name, Dependency: dep}
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if len(order) != len(nodes) {
		resolved := make(map[string]bool, len(order))
		for _, name := range order {
			resolved[name] = true
		}
		var remaining []string
		for name := range nodes {
			if !resolved[name] {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Nodes: remaining}
	}

	return order, nil
}

// Reverse returns a reversed copy of the order. Used for shutdown, where
// dependents must stop before the nodes they depend on.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, name := range order {
		out[len(order)-1-i] = name
	}
	return out
}
