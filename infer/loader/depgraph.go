// infer/loader/depgraph.go
//
// Directed dependency graph over layers. An edge dependent -> prerequisite
// asserts the prerequisite must stay resident while the dependent is loaded.
// The graph is kept acyclic by rejecting edges at insertion time.

package loader

import (
	"sort"

	"github.com/tinyweights/tinyweights/infer/fault"
)

// AddDependency records that dependent requires prerequisite to be resident.
// The edge is rejected with a cycle error when it would close a directed
// cycle; the graph is left untouched in that case. Duplicate edges are
// accepted silently.
func (l *Loader) AddDependency(dependent, prerequisite int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(dependent); err != nil {
		return err
	}
	if err := l.checkIDLocked(prerequisite); err != nil {
		return err
	}
	if dependent == prerequisite {
		return fault.New(fault.InvalidArg, "layer %d cannot depend on itself", dependent)
	}
	if _, ok := l.layers[dependent].deps[prerequisite]; ok {
		return nil
	}
	// the new edge closes a cycle iff dependent is already reachable from
	// prerequisite along dependency edges
	if l.reachableLocked(prerequisite, dependent) {
		return fault.New(fault.Cycle,
			"dependency %d -> %d would create a cycle", dependent, prerequisite)
	}
	l.layers[dependent].deps[prerequisite] = struct{}{}
	l.layers[prerequisite].dependents[dependent] = struct{}{}
	return nil
}

// reachableLocked reports whether to is reachable from from over dependency
// edges. Iterative DFS; caller holds the mutex.
func (l *Loader) reachableLocked(from, to int) bool {
	if from == to {
		return true
	}
	visited := make(map[int]bool)
	stack := []int{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for dep := range l.layers[cur].deps {
			if dep == to {
				return true
			}
			if !visited[dep] {
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// Dependencies returns the prerequisite ids of a layer in ascending order.
func (l *Loader) Dependencies(id int) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return nil, err
	}
	return sortedKeys(l.layers[id].deps), nil
}

// Dependents returns the ids that depend on a layer in ascending order.
func (l *Loader) Dependents(id int) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIDLocked(id); err != nil {
		return nil, err
	}
	return sortedKeys(l.layers[id].dependents), nil
}

// hasResidentDependentLocked reports whether any dependent of id is loaded
// or mid-load.
func (l *Loader) hasResidentDependentLocked(id int) bool {
	for dep := range l.layers[id].dependents {
		switch l.layers[dep].state {
		case Loaded, Loading:
			return true
		}
	}
	return false
}

// prereqClosureLocked returns the transitive prerequisites of id, itself
// included.
func (l *Loader) prereqClosureLocked(id int) map[int]bool {
	closure := map[int]bool{id: true}
	stack := []int{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range l.layers[cur].deps {
			if !closure[dep] {
				closure[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return closure
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
