package orchestrator

import (
	"sort"
	"strconv"

	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/topology"
)

// dispatchPlan is how a supervisor releases its direct children: order is
// the dispatch order, group is the parallel slice of release-group indices.
// A child is released only once every child in a lower group has reached a
// terminal state; children sharing a group run concurrently.
type dispatchPlan struct {
	order []int
	group []int
}

// planFor computes the supervisor's dispatch plan from its coordination
// strategy.
//
//	parallel, adaptive        all children at once, declaration order
//	sequential, round_robin   one at a time, declaration order
//	priority                  one at a time, numeric condition_label descending
//	hierarchical              level by level, graph depth ascending
func planFor(g *topology.Graph, supervisor int) *dispatchPlan {
	children := g.Children(supervisor)
	plan := &dispatchPlan{
		order: append([]int(nil), children...),
		group: make([]int, len(children)),
	}
	switch g.Node(supervisor).CoordinationStrategy {
	case models.StrategySequential, models.StrategyRoundRobin:
		for i := range plan.group {
			plan.group[i] = i
		}
	case models.StrategyPriority:
		plan.sortByPriority(g, supervisor, children)
		for i := range plan.group {
			plan.group[i] = i
		}
	case models.StrategyHierarchical:
		plan.sortByDepth(g)
	default:
		// parallel, adaptive, or unset: one group, all concurrent.
	}
	return plan
}

// sortByPriority orders children by the numeric value of their inbound edge's
// condition label, highest first. A missing or non-numeric label counts as 0;
// ties keep declaration order.
func (p *dispatchPlan) sortByPriority(g *topology.Graph, supervisor int, children []int) {
	prio := make(map[int]float64, len(children))
	for k, child := range children {
		prio[child] = parsePriority(g.Label(supervisor, k))
	}
	sort.SliceStable(p.order, func(i, j int) bool {
		return prio[p.order[i]] > prio[p.order[j]]
	})
}

// sortByDepth orders children by their depth in the graph and assigns one
// release group per distinct depth.
func (p *dispatchPlan) sortByDepth(g *topology.Graph) {
	sort.SliceStable(p.order, func(i, j int) bool {
		return g.Depth[p.order[i]] < g.Depth[p.order[j]]
	})
	group := 0
	for i := range p.order {
		if i > 0 && g.Depth[p.order[i]] != g.Depth[p.order[i-1]] {
			group++
		}
		p.group[i] = group
	}
}

func parsePriority(label string) float64 {
	if label == "" {
		return 0
	}
	v, err := strconv.ParseFloat(label, 64)
	if err != nil {
		return 0
	}
	return v
}

// admits reports whether the plan currently releases child: every child in a
// lower group must already be terminal. Children not governed by this plan
// are always admitted.
func (p *dispatchPlan) admits(child int, terminal func(int) bool) bool {
	pos := -1
	for i, c := range p.order {
		if c == child {
			pos = i
			break
		}
	}
	if pos < 0 {
		return true
	}
	for i, c := range p.order {
		if p.group[i] < p.group[pos] && !terminal(c) {
			return false
		}
	}
	return true
}

// orderedIDs returns the dispatch order as node ids, for the supervisor
// decision event.
func (p *dispatchPlan) orderedIDs(g *topology.Graph) []string {
	ids := make([]string, len(p.order))
	for i, c := range p.order {
		ids[i] = g.ID(c)
	}
	return ids
}
