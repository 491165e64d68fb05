package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/aiops-hub/maestro/pkg/models"
)

// Structural limits.
const (
	MaxNodes = 100
	MaxDepth = 10
)

// Registry resolves model and tool references against the live catalog.
// Lookups return ok=false for unknown references; a non-nil error means the
// catalog itself could not be consulted.
type Registry interface {
	HasModel(ctx context.Context, ref models.ModelRef) (bool, error)
	HasTool(ctx context.Context, name string) (bool, error)
}

// Validate checks every rule against the topology and collects all defects
// rather than stopping at the first. It returns a *ValidationError when the
// topology is invalid, nil when it is valid, and any other error only when
// the registry could not be consulted.
func Validate(ctx context.Context, topo *models.TopologyConfig, reg Registry) error {
	v := &validator{topo: topo}
	v.checkNodes()
	v.checkEdges()
	v.checkEntry()
	cyclic := v.checkCycles()
	if !cyclic {
		v.checkReachability()
		v.checkDepth()
	}
	v.checkSupervisors()
	if err := v.checkRegistry(ctx, reg); err != nil {
		return fmt.Errorf("consulting registry: %w", err)
	}
	if len(v.issues) > 0 {
		return &ValidationError{Issues: v.issues}
	}
	return nil
}

type validator struct {
	topo   *models.TopologyConfig
	issues []Issue

	// index maps known node ids; populated by checkNodes and used by every
	// later rule so dangling references are reported once, not cascaded.
	index map[string]int
}

func (v *validator) add(code, path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) checkNodes() {
	nodes := v.topo.Nodes
	v.index = make(map[string]int, len(nodes))
	if len(nodes) == 0 {
		v.add(CodeNoEntryPoint, "", "topology has no nodes")
		return
	}
	if len(nodes) > MaxNodes {
		v.add(CodeTooManyNodes, "", "topology has %d nodes, maximum is %d", len(nodes), MaxNodes)
	}
	for i, n := range nodes {
		if n.ID == "" {
			v.add(CodeDuplicateID, fmt.Sprintf("nodes[%d]", i), "node id must not be empty")
			continue
		}
		if _, dup := v.index[n.ID]; dup {
			v.add(CodeDuplicateID, n.ID, "node id %q declared more than once", n.ID)
			continue
		}
		v.index[n.ID] = i
	}
}

func (v *validator) checkEdges() {
	for _, e := range v.topo.Edges {
		if _, ok := v.index[e.Source]; !ok {
			v.add(CodeDanglingEdge, e.Source+"→"+e.Target, "edge source %q is not a declared node", e.Source)
		}
		if _, ok := v.index[e.Target]; !ok {
			v.add(CodeDanglingEdge, e.Source+"→"+e.Target, "edge target %q is not a declared node", e.Target)
		}
	}
}

// checkEntry enforces a unique in-degree-zero node that matches entry_point
// and is a global supervisor. Only edges with both endpoints declared count
// toward in-degree; dangling edges are already reported separately.
func (v *validator) checkEntry() {
	if len(v.topo.Nodes) == 0 {
		return
	}
	indeg := make(map[string]int, len(v.index))
	for id := range v.index {
		indeg[id] = 0
	}
	for _, e := range v.topo.Edges {
		if _, ok := v.index[e.Source]; !ok {
			continue
		}
		if _, ok := v.index[e.Target]; !ok {
			continue
		}
		indeg[e.Target]++
	}
	var roots []string
	for i, n := range v.topo.Nodes {
		if idx, ok := v.index[n.ID]; !ok || idx != i {
			continue
		}
		if indeg[n.ID] == 0 {
			roots = append(roots, n.ID)
		}
	}
	switch {
	case len(roots) == 0:
		v.add(CodeNoEntryPoint, "", "no node has in-degree 0")
	case len(roots) > 1:
		v.add(CodeMultipleEntryPoint, strings.Join(roots, ","), "multiple nodes have in-degree 0: %s", strings.Join(roots, ", "))
	default:
		root := roots[0]
		if v.topo.EntryPoint == "" {
			v.add(CodeNoEntryPoint, root, "entry_point is not set; expected %q", root)
		} else if v.topo.EntryPoint != root {
			v.add(CodeNoEntryPoint, v.topo.EntryPoint, "entry_point %q does not match the in-degree-0 node %q", v.topo.EntryPoint, root)
		}
		entry := v.topo.Node(root)
		if entry != nil && entry.Kind != models.KindGlobalSupervisor {
			v.add(CodeNoEntryPoint, root, "entry point %q must be kind %s, got %s", root, models.KindGlobalSupervisor, entry.Kind)
		}
	}
}

// checkCycles runs a three-color depth-first search over every component.
// A grey-to-grey edge is a back edge; the reported path walks the stack from
// the revisited node back to itself. Returns true when any cycle was found.
func (v *validator) checkCycles() bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(v.index))
	adj := make(map[string][]string, len(v.index))
	for _, e := range v.topo.Edges {
		if _, ok := v.index[e.Source]; !ok {
			continue
		}
		if _, ok := v.index[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	var stack []string
	reported := map[string]bool{}
	found := false

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				found = true
				path := cyclePath(stack, next)
				if !reported[path] {
					reported[path] = true
					v.add(CodeCycle, path, "cycle detected: %s", path)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, n := range v.topo.Nodes {
		if _, ok := v.index[n.ID]; ok && color[n.ID] == white {
			visit(n.ID)
		}
	}
	return found
}

// cyclePath renders the cycle closed on the revisited node: "A1→A2→A1".
func cyclePath(stack []string, back string) string {
	start := 0
	for i, id := range stack {
		if id == back {
			start = i
			break
		}
	}
	parts := append(append([]string(nil), stack[start:]...), back)
	return strings.Join(parts, "→")
}

func (v *validator) checkReachability() {
	entry := v.topo.EntryPoint
	if _, ok := v.index[entry]; !ok {
		return
	}
	adj := make(map[string][]string, len(v.index))
	for _, e := range v.topo.Edges {
		if _, ok := v.index[e.Source]; !ok {
			continue
		}
		if _, ok := v.index[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for i, n := range v.topo.Nodes {
		if idx, ok := v.index[n.ID]; !ok || idx != i {
			continue
		}
		if !seen[n.ID] {
			v.add(CodeUnreachable, n.ID, "node %q is not reachable from entry point %q", n.ID, entry)
		}
	}
}

// checkDepth bounds the longest path from the entry point. Only meaningful
// on acyclic graphs; the caller skips it when a cycle was found.
func (v *validator) checkDepth() {
	if _, ok := v.index[v.topo.EntryPoint]; !ok {
		return
	}
	g, err := Build(v.topo)
	if err != nil {
		return
	}
	for _, i := range g.Topo {
		if g.Depth[i] > MaxDepth {
			v.add(CodeTooDeep, g.ID(i), "node %q is at depth %d, maximum is %d", g.ID(i), g.Depth[i], MaxDepth)
		}
	}
}

// checkSupervisors requires every node supervisor to have at least one agent
// descendant. Traversal carries a visited set, so it is safe on cyclic input.
func (v *validator) checkSupervisors() {
	adj := make(map[string][]string, len(v.index))
	for _, e := range v.topo.Edges {
		if _, ok := v.index[e.Source]; !ok {
			continue
		}
		if _, ok := v.index[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	for i, n := range v.topo.Nodes {
		if n.Kind != models.KindNodeSupervisor {
			continue
		}
		if idx, ok := v.index[n.ID]; !ok || idx != i {
			continue
		}
		if !hasAgentDescendant(n.ID, adj, v.topo) {
			v.add(CodeEmptySupervisor, n.ID, "node supervisor %q has no agent descendant", n.ID)
		}
	}
}

func hasAgentDescendant(id string, adj map[string][]string, topo *models.TopologyConfig) bool {
	seen := map[string]bool{id: true}
	stack := append([]string(nil), adj[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n := topo.Node(cur); n != nil && n.Kind == models.KindAgent {
			return true
		}
		stack = append(stack, adj[cur]...)
	}
	return false
}

// checkRegistry resolves model and tool references for every working node.
// Agent nodes must carry a model_ref; supervisors need one only when they
// are configured to synthesize.
func (v *validator) checkRegistry(ctx context.Context, reg Registry) error {
	if reg == nil {
		return nil
	}
	for i, n := range v.topo.Nodes {
		if idx, ok := v.index[n.ID]; !ok || idx != i {
			continue
		}
		ref := n.AgentConfig.ModelRef
		switch {
		case n.Kind == models.KindAgent && ref.Provider == "" && ref.ModelID == "":
			v.add(CodeUnknownModel, n.ID, "agent node %q has no model_ref", n.ID)
		case ref.Provider != "" || ref.ModelID != "":
			ok, err := reg.HasModel(ctx, ref)
			if err != nil {
				return err
			}
			if !ok {
				v.add(CodeUnknownModel, n.ID, "model %q is not registered", ref.String())
			}
		}
		for _, tool := range n.AgentConfig.Tools {
			ok, err := reg.HasTool(ctx, tool)
			if err != nil {
				return err
			}
			if !ok {
				v.add(CodeUnknownTool, n.ID, "tool %q is not registered", tool)
			}
		}
	}
	return nil
}
