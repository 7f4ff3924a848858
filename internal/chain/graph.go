package chain

import (
	"container/heap"
	"fmt"
	"sort"
)

// Graph is the static dependency graph over chain IDs. It is built once from
// the definitions table and never mutated, so it is safe for concurrent reads.
//
// Edges run from a dependency to its dependents: if bravo depends on alpha,
// alpha -> bravo, and alpha comes first in start order.
type Graph struct {
	nodes    []string       // sorted; index is the canonical order
	index    map[string]int // id -> canonical index
	deps     [][]int        // node -> its dependencies (sorted)
	outgoing [][]int        // node -> its dependents (sorted)
}

// NewGraph builds and validates a graph from chain ID to dependency IDs.
// Every dependency must itself be a key of deps.
func NewGraph(deps map[string][]string) (*Graph, error) {
	g := &Graph{
		nodes: make([]string, 0, len(deps)),
		index: make(map[string]int, len(deps)),
	}
	for id := range deps {
		if id == "" {
			return nil, invalidf("empty chain id")
		}
		g.nodes = append(g.nodes, id)
	}
	sort.Strings(g.nodes)
	for i, id := range g.nodes {
		g.index[id] = i
	}

	g.deps = make([][]int, len(g.nodes))
	g.outgoing = make([][]int, len(g.nodes))
	for i, id := range g.nodes {
		seen := make(map[int]bool)
		for _, dep := range deps[id] {
			j, ok := g.index[dep]
			if !ok {
				return nil, invalidf("chain %q depends on unknown chain %q", id, dep)
			}
			if j == i {
				return nil, invalidf("chain %q depends on itself", id)
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.outgoing[j] = append(g.outgoing[j], i)
		}
	}
	for i := range g.nodes {
		sort.Ints(g.deps[i])
		sort.Ints(g.outgoing[i])
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns every chain ID in canonical (sorted) order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.deps[i])
}

// Dependents returns the chains that list id as a direct dependency.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.outgoing[i])
}

// TransitiveDependents returns every chain that depends on id directly or
// indirectly, in canonical order.
func (g *Graph) TransitiveDependents(id string) []string {
	return g.closure(id, g.outgoing)
}

// TransitiveDependencies returns every chain id needs, directly or indirectly.
func (g *Graph) TransitiveDependencies(id string) []string {
	return g.closure(id, g.deps)
}

func (g *Graph) closure(id string, edges [][]int) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.nodes))
	stack := append([]int(nil), edges[start]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	var out []string
	for i, ok := range seen {
		if ok {
			out = append(out, g.nodes[i])
		}
	}
	return out
}

// StartOrder returns ids ordered so that every dependency precedes its
// dependents. Only the given ids are ordered; edges through chains outside
// the set still constrain the order. Ties break by canonical order.
func (g *Graph) StartOrder(ids []string) ([]string, error) {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		i, ok := g.index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChain, id)
		}
		want[i] = true
	}

	var out []string
	for _, i := range g.topoOrderIndices() {
		if want[i] {
			out = append(out, g.nodes[i])
		}
	}
	return out, nil
}

// StopOrder is StartOrder reversed: dependents before dependencies.
func (g *Graph) StopOrder(ids []string) ([]string, error) {
	order, err := g.StartOrder(ids)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

func (g *Graph) names(idx []int) []string {
	if len(idx) == 0 {
		return nil
	}
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.nodes[i]
	}
	return out
}

// validateAcyclic proves the graph has no cycles using Kahn's algorithm and
// extracts one stable cycle witness when it fails.
func (g *Graph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.findCycle())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns a deterministic topological ordering; the ready
// queue is a min-heap by canonical index.
func (g *Graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.deps[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle walks dependency edges depth-first in canonical order and
// returns the first cycle found as [a, b, ..., a].
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(g.nodes))
	var path []int
	var cycle []string

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		path = append(path, u)
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				start := 0
				for k, n := range path {
					if n == v {
						start = k
						break
					}
				}
				for _, n := range path[start:] {
					cycle = append(cycle, g.nodes[n])
				}
				cycle = append(cycle, g.nodes[v])
				return true
			}
		}
		path = path[:len(path)-1]
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return cycle
}
