// Package orchestrator schedules one execution's node graph: it releases
// nodes as their dependencies succeed, applies each supervisor's
// coordination strategy to its children, cascades skips below failures, and
// aggregates the terminal outputs into the execution result.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aiops-hub/maestro/pkg/agent"
	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/topology"
)

// Stepper runs individual nodes. Implemented by agent.StepRunner.
type Stepper interface {
	RunNode(ctx context.Context, req *agent.StepRequest) (*agent.StepResult, error)
	Synthesize(ctx context.Context, executionID string, supervisor *models.Node, task string, results []agent.UpstreamResult) (string, error)
	EnforceSchema(ctx context.Context, req *agent.EnforceRequest) *agent.EnforceOutcome
}

// ResultStore persists per-node progress while the run is in flight.
type ResultStore interface {
	UpdateNodeResult(ctx context.Context, executionID, nodeID string, result *models.NodeResult) error
}

// Outcome is what a finished run reports back to the lifecycle manager.
// Status is success or failed; cancellation and timeout are decided by the
// manager, which observed them.
type Outcome struct {
	Status       models.ExecutionStatus
	Output       *models.ExecutionOutput
	ParseError   string
	NodeResults  map[string]*models.NodeResult
	ErrorMessage string
}

// Runner drives execution graphs.
type Runner struct {
	steps   Stepper
	results ResultStore
	bus     *events.Bus
}

func NewRunner(steps Stepper, results ResultStore, bus *events.Bus) *Runner {
	return &Runner{steps: steps, results: results, bus: bus}
}

// Run executes the graph in exec's topology snapshot and returns when every
// node is terminal. Cancelling ctx stops dispatching, marks non-terminal
// nodes skipped, and waits for in-flight steps to unwind.
func (r *Runner) Run(ctx context.Context, exec *models.Execution, team *models.Team) *Outcome {
	g, err := topology.Build(&exec.TopologySnapshot)
	if err != nil {
		return &Outcome{
			Status:       models.ExecutionStatusFailed,
			ErrorMessage: fmt.Sprintf("invalid topology snapshot: %v", err),
			NodeResults:  map[string]*models.NodeResult{},
		}
	}

	rn := &run{
		runner:      r,
		bus:         r.bus,
		exec:        exec,
		team:        team,
		g:           g,
		status:      make([]models.NodeResultStatus, len(g.Nodes)),
		startedAt:   make([]time.Time, len(g.Nodes)),
		results:     make(map[string]*models.NodeResult, len(g.Nodes)),
		plans:       make(map[int]*dispatchPlan),
		completions: make(chan stepDone, len(g.Nodes)),
		// Skip markers and completion events must outlive a cancelled work
		// context or the log would end mid-graph.
		pubCtx: context.WithoutCancel(ctx),
	}
	for i := range rn.status {
		rn.status[i] = models.NodeStatusPending
	}

	rn.loop(ctx)
	return rn.outcome(ctx)
}

// stepDone is one finished agent step.
type stepDone struct {
	node     int
	output   string
	attempts int
	err      error
}

// run is the mutable state of one graph execution. All fields are owned by
// the scheduling goroutine; step goroutines communicate only through the
// completions channel.
type run struct {
	runner *Runner
	bus    *events.Bus
	exec   *models.Execution
	team   *models.Team
	g      *topology.Graph

	status      []models.NodeResultStatus
	startedAt   []time.Time
	results     map[string]*models.NodeResult
	plans       map[int]*dispatchPlan
	running     int
	completions chan stepDone

	pubCtx context.Context
	fatal  error
}

func (rn *run) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			rn.cancelRemaining()
			rn.drain()
			return
		}
		if rn.fatal == nil {
			rn.dispatch(ctx)
		}
		if rn.running == 0 {
			return
		}
		select {
		case done := <-rn.completions:
			rn.settle(done)
		case <-ctx.Done():
			// Handled at the loop head.
		}
	}
}

// dispatch releases every currently dispatchable node, repeating until a
// pass makes no progress: supervisors complete inline and may unblock their
// children within the same pass.
func (rn *run) dispatch(ctx context.Context) {
	for progressed := true; progressed && rn.fatal == nil; {
		progressed = false
		for _, i := range rn.g.Topo {
			if rn.status[i] != models.NodeStatusPending || !rn.dispatchable(i) {
				continue
			}
			if rn.g.Node(i).Kind.IsSupervisor() {
				rn.completeSupervisor(i)
			} else {
				rn.startAgent(ctx, i)
			}
			if rn.fatal != nil {
				return
			}
			progressed = true
		}
	}
}

// dispatchable requires every predecessor to have succeeded and every
// governing supervisor plan to release the node.
func (rn *run) dispatchable(i int) bool {
	for _, p := range rn.g.Parents(i) {
		if rn.status[p] != models.NodeStatusSuccess {
			return false
		}
	}
	for _, p := range rn.g.Parents(i) {
		if plan, ok := rn.plans[p]; ok && !plan.admits(i, rn.terminal) {
			return false
		}
	}
	return true
}

func (rn *run) terminal(i int) bool { return rn.status[i].IsTerminal() }

// completeSupervisor runs a supervisor node inline: it contributes no
// output of its own, only the dispatch plan for its children.
func (rn *run) completeSupervisor(i int) {
	node := rn.g.Node(i)
	if err := rn.bus.PublishNodeEntered(rn.pubCtx, rn.exec.ID, node); err != nil {
		rn.fail(err)
		return
	}

	plan := planFor(rn.g, i)
	rn.plans[i] = plan
	if err := rn.bus.PublishSupervisorDecision(rn.pubCtx, rn.exec.ID, node.ID, node.CoordinationStrategy, plan.orderedIDs(rn.g)); err != nil {
		rn.fail(err)
		return
	}

	now := time.Now().UTC()
	rn.status[i] = models.NodeStatusSuccess
	res := &models.NodeResult{Status: models.NodeStatusSuccess, StartedAt: &now, CompletedAt: &now}
	rn.results[node.ID] = res
	rn.persist(node.ID, res)

	if err := rn.bus.PublishNodeCompleted(rn.pubCtx, rn.exec.ID, node.ID, 0, 0); err != nil {
		rn.fail(err)
	}
}

func (rn *run) startAgent(ctx context.Context, i int) {
	node := rn.g.Node(i)
	if err := rn.bus.PublishNodeEntered(rn.pubCtx, rn.exec.ID, node); err != nil {
		rn.fail(err)
		return
	}

	now := time.Now().UTC()
	rn.status[i] = models.NodeStatusRunning
	rn.startedAt[i] = now
	res := &models.NodeResult{Status: models.NodeStatusRunning, StartedAt: &now}
	rn.results[node.ID] = res
	rn.persist(node.ID, res)

	req := &agent.StepRequest{
		ExecutionID:   rn.exec.ID,
		Node:          node,
		Task:          rn.exec.Input.Task,
		Parameters:    rn.exec.Input.Parameters,
		Upstream:      rn.upstream(i),
		MaxIterations: rn.team.MaxIterations,
	}
	rn.running++
	go func() {
		stepRes, err := rn.runner.steps.RunNode(ctx, req)
		done := stepDone{node: i, err: err}
		if stepRes != nil {
			done.output = stepRes.Output
			done.attempts = stepRes.Attempts
		}
		rn.completions <- done
	}()
}

// settle records one finished step, publishes its outcome, and cascades
// skips below a failure.
func (rn *run) settle(done stepDone) {
	rn.running--
	if rn.fatal != nil || rn.status[done.node].IsTerminal() {
		// Late completion after an abort or a cancellation sweep.
		return
	}

	id := rn.g.ID(done.node)
	durationMS := time.Since(rn.startedAt[done.node]).Milliseconds()
	completed := time.Now().UTC()
	res := rn.results[id]
	res.CompletedAt = &completed
	res.Attempts = done.attempts

	if done.err != nil {
		rn.status[done.node] = models.NodeStatusFailed
		res.Status = models.NodeStatusFailed
		res.Error = done.err.Error()
		rn.persist(id, res)
		if err := rn.bus.PublishNodeFailed(rn.pubCtx, rn.exec.ID, id, res.Error); err != nil {
			rn.fail(err)
			return
		}
		rn.skipDescendants(done.node)
		return
	}

	rn.status[done.node] = models.NodeStatusSuccess
	res.Status = models.NodeStatusSuccess
	res.Output = done.output
	rn.persist(id, res)
	if err := rn.bus.PublishNodeCompleted(rn.pubCtx, rn.exec.ID, id, done.attempts, durationMS); err != nil {
		rn.fail(err)
	}
}

// skipDescendants marks everything below a failed node skipped so it is
// never dispatched. Independent branches are unaffected.
func (rn *run) skipDescendants(failed int) {
	reason := fmt.Sprintf("upstream failed: %s", rn.g.ID(failed))
	for _, d := range rn.g.Descendants(failed) {
		if rn.status[d].IsTerminal() || rn.status[d] == models.NodeStatusRunning {
			continue
		}
		rn.skip(d, reason)
		if rn.fatal != nil {
			return
		}
	}
}

// cancelRemaining marks every node that has not reached a terminal state
// skipped, including ones still running; their goroutines unwind via the
// cancelled work context and are drained afterwards.
func (rn *run) cancelRemaining() {
	for _, i := range rn.g.Topo {
		if rn.status[i].IsTerminal() {
			continue
		}
		rn.skip(i, "cancelled")
		if rn.fatal != nil {
			return
		}
	}
}

func (rn *run) skip(i int, reason string) {
	id := rn.g.ID(i)
	now := time.Now().UTC()
	res := &models.NodeResult{Status: models.NodeStatusSkipped, Error: reason, CompletedAt: &now}
	if prev, ok := rn.results[id]; ok {
		res.StartedAt = prev.StartedAt
		res.Attempts = prev.Attempts
	}
	rn.status[i] = models.NodeStatusSkipped
	rn.results[id] = res
	rn.persist(id, res)
	if err := rn.bus.PublishNodeSkipped(rn.pubCtx, rn.exec.ID, id, reason); err != nil {
		rn.fail(err)
	}
}

func (rn *run) drain() {
	for rn.running > 0 {
		<-rn.completions
		rn.running--
	}
}

func (rn *run) fail(err error) {
	if rn.fatal == nil {
		rn.fatal = err
		slog.Error("Execution run aborted", "execution_id", rn.exec.ID, "error", err)
	}
}

func (rn *run) persist(nodeID string, res *models.NodeResult) {
	if err := rn.runner.results.UpdateNodeResult(rn.pubCtx, rn.exec.ID, nodeID, res); err != nil {
		// The finalization write carries the authoritative node results;
		// losing an in-flight snapshot only leaves the live view stale.
		slog.Warn("Node result update failed",
			"execution_id", rn.exec.ID, "node_id", nodeID, "error", err)
	}
}

// upstream collects the outputs feeding node i: its direct predecessors,
// looking through supervisors (which produce no output) to the results
// behind them. Ordered topologically.
func (rn *run) upstream(i int) []agent.UpstreamResult {
	include := make(map[int]bool)
	visited := make(map[int]bool)
	var visit func(int)
	visit = func(n int) {
		for _, p := range rn.g.Parents(n) {
			if visited[p] {
				continue
			}
			visited[p] = true
			if rn.g.Node(p).Kind.IsSupervisor() {
				visit(p)
				continue
			}
			if rn.status[p] == models.NodeStatusSuccess {
				include[p] = true
			}
		}
	}
	visit(i)

	var out []agent.UpstreamResult
	for _, n := range rn.g.Topo {
		if include[n] {
			id := rn.g.ID(n)
			out = append(out, agent.UpstreamResult{NodeID: id, Output: rn.results[id].Output})
		}
	}
	return out
}

// outcome reduces the finished run to its execution-level result.
func (rn *run) outcome(ctx context.Context) *Outcome {
	out := &Outcome{NodeResults: rn.results}

	if rn.fatal != nil {
		out.Status = models.ExecutionStatusFailed
		out.ErrorMessage = fmt.Sprintf("event publication failed: %v", rn.fatal)
		return out
	}
	if ctx.Err() != nil {
		// The manager saw the cancellation or timeout itself and picks the
		// terminal status; this is only the fallback.
		out.Status = models.ExecutionStatusFailed
		out.ErrorMessage = "execution cancelled"
		return out
	}

	for _, i := range rn.g.Topo {
		if rn.status[i] == models.NodeStatusFailed {
			out.Status = models.ExecutionStatusFailed
			out.ErrorMessage = fmt.Sprintf("node %s failed: %s", rn.g.ID(i), rn.results[rn.g.ID(i)].Error)
			return out
		}
	}
	if !rn.anyTerminalSuccess() {
		out.Status = models.ExecutionStatusFailed
		out.ErrorMessage = "no terminal node succeeded"
		return out
	}

	out.Status = models.ExecutionStatusSuccess
	raw, repair := rn.aggregate(ctx)
	out.Output = &models.ExecutionOutput{Raw: raw}
	if len(rn.exec.OutputSchema) > 0 && repair != nil {
		enforced := rn.runner.steps.EnforceSchema(ctx, &agent.EnforceRequest{
			ExecutionID: rn.exec.ID,
			NodeID:      repair.ID,
			Model:       repair.AgentConfig.ModelRef,
			Temperature: repair.AgentConfig.Temperature,
			MaxTokens:   repair.AgentConfig.MaxTokens,
			Schema:      rn.exec.OutputSchema,
			Raw:         raw,
		})
		out.Output.Structured = enforced.Structured
		out.ParseError = enforced.ParseError
	}
	return out
}

func (rn *run) anyTerminalSuccess() bool {
	for _, t := range rn.g.Terminals() {
		if rn.status[t] == models.NodeStatusSuccess {
			return true
		}
	}
	return false
}

// aggregate produces the raw execution output and the node whose model
// repairs it during structured-output enforcement. When the entry
// supervisor has a model it synthesizes the terminal outputs; otherwise
// they are concatenated in topological order.
func (rn *run) aggregate(ctx context.Context) (string, *models.Node) {
	var results []agent.UpstreamResult
	var lastSuccess *models.Node
	for _, t := range rn.g.Terminals() {
		if rn.status[t] != models.NodeStatusSuccess {
			continue
		}
		id := rn.g.ID(t)
		results = append(results, agent.UpstreamResult{NodeID: id, Output: rn.results[id].Output})
		lastSuccess = rn.g.Node(t)
	}

	entry := rn.g.Node(rn.g.Entry)
	ref := entry.AgentConfig.ModelRef
	if entry.Kind == models.KindGlobalSupervisor && ref.Provider != "" && ref.ModelID != "" {
		text, err := rn.runner.steps.Synthesize(ctx, rn.exec.ID, entry, rn.exec.Input.Task, results)
		if err == nil {
			return text, entry
		}
		slog.Warn("Synthesis failed, falling back to concatenated outputs",
			"execution_id", rn.exec.ID, "supervisor", entry.ID, "error", err)
	}

	if len(results) == 1 {
		return results[0].Output, lastSuccess
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("[%s]:\n%s", r.NodeID, r.Output)
	}
	return strings.Join(parts, "\n\n"), lastSuccess
}
