package topology

import (
	"fmt"

	"github.com/aiops-hub/maestro/pkg/models"
)

// Graph is the arena form of a validated topology: nodes addressed by dense
// integer index with forward and reverse adjacency lists. The graph runner
// schedules against indices and only maps back to ids at the edges of the
// system (events, results).
type Graph struct {
	Nodes []models.Node
	Index map[string]int

	// Adj holds successors in edge-declaration order; Labels is the parallel
	// slice of condition labels. Rev holds predecessors.
	Adj    [][]int
	Labels [][]string
	Rev    [][]int

	Entry int

	// Depth is the longest-path distance from the entry node.
	Depth []int

	// Topo is a topological order, stable with respect to node declaration.
	Topo []int
}

// Build converts a validated topology into its arena form. It fails on
// structural defects (unknown ids, cycles) rather than tolerating them;
// callers run Validate first.
func Build(topo *models.TopologyConfig) (*Graph, error) {
	n := len(topo.Nodes)
	g := &Graph{
		Nodes:  make([]models.Node, n),
		Index:  make(map[string]int, n),
		Adj:    make([][]int, n),
		Labels: make([][]string, n),
		Rev:    make([][]int, n),
		Depth:  make([]int, n),
	}
	copy(g.Nodes, topo.Nodes)
	for i, node := range g.Nodes {
		if _, dup := g.Index[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		g.Index[node.ID] = i
	}
	for _, e := range topo.Edges {
		src, ok := g.Index[e.Source]
		if !ok {
			return nil, fmt.Errorf("edge source %q not in topology", e.Source)
		}
		dst, ok := g.Index[e.Target]
		if !ok {
			return nil, fmt.Errorf("edge target %q not in topology", e.Target)
		}
		g.Adj[src] = append(g.Adj[src], dst)
		g.Labels[src] = append(g.Labels[src], e.ConditionLabel)
		g.Rev[dst] = append(g.Rev[dst], src)
	}
	entry, ok := g.Index[topo.EntryPoint]
	if !ok {
		return nil, fmt.Errorf("entry point %q not in topology", topo.EntryPoint)
	}
	g.Entry = entry

	if err := g.computeTopo(); err != nil {
		return nil, err
	}
	g.computeDepth()
	return g, nil
}

// computeTopo runs Kahn's algorithm, always picking the lowest-index ready
// node so the order is deterministic for a given declaration.
func (g *Graph) computeTopo() error {
	n := len(g.Nodes)
	indeg := make([]int, n)
	for _, succs := range g.Adj {
		for _, s := range succs {
			indeg[s]++
		}
	}
	placed := make([]bool, n)
	g.Topo = make([]int, 0, n)
	for len(g.Topo) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !placed[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return fmt.Errorf("topology contains a cycle")
		}
		placed[next] = true
		g.Topo = append(g.Topo, next)
		for _, s := range g.Adj[next] {
			indeg[s]--
		}
	}
	return nil
}

// computeDepth fills Depth with longest-path distances from the entry node.
// Requires Topo; nodes not reachable from the entry keep depth 0.
func (g *Graph) computeDepth() {
	for _, i := range g.Topo {
		for _, s := range g.Adj[i] {
			if d := g.Depth[i] + 1; d > g.Depth[s] {
				g.Depth[s] = d
			}
		}
	}
}

// ID returns the node id at index i.
func (g *Graph) ID(i int) string { return g.Nodes[i].ID }

// Node returns the node at index i.
func (g *Graph) Node(i int) *models.Node { return &g.Nodes[i] }

// Children returns the direct successors of i in declaration order.
func (g *Graph) Children(i int) []int { return g.Adj[i] }

// Parents returns the direct predecessors of i.
func (g *Graph) Parents(i int) []int { return g.Rev[i] }

// Label returns the condition label on the edge from parent to its k-th
// declared child.
func (g *Graph) Label(parent, k int) string { return g.Labels[parent][k] }

// Descendants returns every node reachable from i, excluding i itself, in
// ascending index order.
func (g *Graph) Descendants(i int) []int {
	seen := make([]bool, len(g.Nodes))
	stack := []int{i}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range g.Adj[cur] {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	var out []int
	for idx, ok := range seen {
		if ok && idx != i {
			out = append(out, idx)
		}
	}
	return out
}

// Terminals returns the out-degree-zero nodes in topological order.
func (g *Graph) Terminals() []int {
	var out []int
	for _, i := range g.Topo {
		if len(g.Adj[i]) == 0 {
			out = append(out, i)
		}
	}
	return out
}
