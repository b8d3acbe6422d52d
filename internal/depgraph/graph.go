// Package depgraph implements the mutable dependency DAG over internal task
// keys: the edges map and its cycle-preventing admission check.
package depgraph

import "sync"

// Graph is the edges map described in the data model: a mapping from
// internal key A to the ordered list of internal keys A still waits on. A
// node absent from the map has no outstanding prerequisites.
type Graph struct {
	mu    sync.RWMutex
	edges map[uint64][]uint64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[uint64][]uint64)}
}

// AddEdge records that k waits on prerequisite p. Duplicates are permitted.
func (g *Graph) AddEdge(k, p uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[k] = append(g.edges[k], p)
}

// RemoveKey drops k's entry entirely, used to roll back edges added during a
// push that is ultimately rejected.
func (g *Graph) RemoveKey(k uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, k)
}

// Waiting reports whether k currently has any outstanding prerequisites.
func (g *Graph) Waiting(k uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges[k]) > 0
}

// HasCycle runs Kahn's algorithm over the edges map restricted to the given
// universe of live keys (the task table). It returns true if the graph
// described by those keys and the current edges is not a DAG.
//
// Edge k -> p in the stored map means p must be satisfied before k, i.e. p
// is a precedence-predecessor of k; the entries of edges[k] that are live
// keys are therefore exactly k's in-degree in the precedence ordering, and
// no separate reverse index needs to be maintained between calls. A
// prerequisite outside the universe (e.g. one already popped) adds no edge.
func (g *Graph) HasCycle(taskKeys map[uint64]struct{}) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[uint64]int, len(taskKeys))
	reverse := make(map[uint64][]uint64)
	for k := range taskKeys {
		inDegree[k] = 0
		for _, p := range g.edges[k] {
			if _, live := taskKeys[p]; !live {
				continue
			}
			inDegree[k]++
			reverse[p] = append(reverse[p], k)
		}
	}

	queue := make([]uint64, 0, len(taskKeys))
	for k, d := range inDegree {
		if d == 0 {
			queue = append(queue, k)
		}
	}

	visited := 0
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range reverse[k] {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	return visited != len(taskKeys)
}

// Release removes every occurrence of the completed key from every
// prerequisite list. A node whose list becomes empty as a result is
// considered released: its entry is removed from the map and it is
// returned to the caller so it can be enqueued on the ready queue.
func (g *Graph) Release(completed uint64) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var released []uint64
	for n, deps := range g.edges {
		kept := deps[:0]
		for _, p := range deps {
			if p != completed {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			released = append(released, n)
			delete(g.edges, n)
		} else {
			g.edges[n] = kept
		}
	}
	return released
}

// Len returns the number of nodes currently carrying outstanding
// prerequisites, used for debug traces and stats reporting.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Snapshot returns a shallow copy of the edges map for debug tracing; callers
// must not mutate the returned slices.
func (g *Graph) Snapshot() map[uint64][]uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[uint64][]uint64, len(g.edges))
	for k, v := range g.edges {
		out[k] = v
	}
	return out
}
