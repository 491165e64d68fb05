package e2e

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/llm"
	"github.com/aiops-hub/maestro/pkg/models"
)

var errTransient = errors.New("upstream hiccup")

// TestLinearPipelineHappyPath runs sup → a1 → a2 with scripted responses
// and verifies node results, the aggregated output, and the full event
// trail with a contiguous sequence.
func TestLinearPipelineHappyPath(t *testing.T) {
	script := NewScriptedLLM()
	script.AddRouted("a1", LLMScriptEntry{Text: "pong"})
	script.AddRouted("a2", LLMScriptEntry{Text: "pong-pong"})

	app := NewTestApp(t, WithLLM(script))
	app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "linear-pipeline", PipelineTopology("anthropic", "a1", "a2"))
	exec := app.Trigger(t, team.ID, "ping")
	require.Equal(t, models.ExecutionStatusRunning, exec.Status)

	final := app.WaitForExecutionStatus(t, exec.ID, models.ExecutionStatusSuccess)

	// Per-node results.
	require.Contains(t, final.NodeResults, "a1")
	require.Contains(t, final.NodeResults, "a2")
	assert.Equal(t, models.NodeStatusSuccess, final.NodeResults["a1"].Status)
	assert.Equal(t, "pong", final.NodeResults["a1"].Output)
	assert.Equal(t, models.NodeStatusSuccess, final.NodeResults["a2"].Status)
	assert.Equal(t, "pong-pong", final.NodeResults["a2"].Output)
	assert.Equal(t, models.NodeStatusSuccess, final.NodeResults["sup"].Status)

	// a2 is the only terminal node, so its output is the execution output.
	require.NotNil(t, final.Output)
	assert.Equal(t, "pong-pong", final.Output.Raw)
	assert.Empty(t, final.ParseError)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.DurationMS)

	// Event trail: full lifecycle in causal order, sequence 1..N gapless.
	logs := app.GetExecutionLogs(t, exec.ID, "")
	RequireEventOrder(t, EventTypes(logs.Logs),
		events.EventTypeExecutionStarted,
		events.EventTypeNodeEntered,        // sup
		events.EventTypeSupervisorDecision, // sup → a1
		events.EventTypeNodeCompleted,      // sup
		events.EventTypeNodeEntered,        // a1
		events.EventTypeNodeCompleted,      // a1
		events.EventTypeNodeEntered,        // a2
		events.EventTypeNodeCompleted,      // a2
		events.EventTypeExecutionCompleted,
	)
	for i, log := range logs.Logs {
		assert.Equal(t, int64(i+1), log.Sequence, "sequence must be contiguous from 1")
	}
	assert.Equal(t, events.EventTypeExecutionCompleted, logs.Logs[len(logs.Logs)-1].EventType,
		"terminal event is the last event in the log")

	decision := FindLog(logs.Logs, events.EventTypeSupervisorDecision)
	require.NotNil(t, decision)
	assert.Equal(t, "sup", decision.SupervisorID)

	// The downstream agent saw the upstream output in its prompt.
	var sawUpstream bool
	for _, req := range script.Requests() {
		for _, msg := range req.Messages {
			if msg.Role == llm.RoleUser && strings.Contains(msg.Content, "[a1]:\npong") {
				sawUpstream = true
			}
		}
	}
	assert.True(t, sawUpstream, "a2's prompt carries a1's output")
}

// TestParallelFanoutAggregation runs sup → {a1, a2} in parallel and checks
// the concatenated terminal outputs appear in topological order.
func TestParallelFanoutAggregation(t *testing.T) {
	script := NewScriptedLLM()
	script.AddRouted("a1", LLMScriptEntry{Text: "alpha"})
	script.AddRouted("a2", LLMScriptEntry{Text: "beta"})

	app := NewTestApp(t, WithLLM(script))
	app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "parallel-fanout",
		FanoutTopology("anthropic", models.StrategyParallel, "a1", "a2"))
	exec := app.Trigger(t, team.ID, "gather")

	final := app.WaitForExecutionStatus(t, exec.ID, models.ExecutionStatusSuccess)
	require.NotNil(t, final.Output)
	assert.Contains(t, final.Output.Raw, "[a1]:\nalpha")
	assert.Contains(t, final.Output.Raw, "[a2]:\nbeta")
	assert.Less(t,
		strings.Index(final.Output.Raw, "[a1]:"), strings.Index(final.Output.Raw, "[a2]:"),
		"terminal outputs concatenate in topological order")
}

// TestSupervisorSynthesis gives the entry supervisor a model, switching
// aggregation to an LLM synthesis call over the terminal outputs.
func TestSupervisorSynthesis(t *testing.T) {
	script := NewScriptedLLM()
	script.AddRouted("a1", LLMScriptEntry{Text: "alpha"})
	script.AddRouted("a2", LLMScriptEntry{Text: "beta"})
	// The synthesis call carries its own system prompt, so it dispatches
	// sequentially.
	script.AddSequential(LLMScriptEntry{Text: "alpha and beta, combined"})

	app := NewTestApp(t, WithLLM(script))
	app.SeedCatalog(t, "anthropic")

	topo := WithSupervisorModel(
		FanoutTopology("anthropic", models.StrategyParallel, "a1", "a2"), "anthropic")
	team := app.CreateTeam(t, "synthesis", topo)
	exec := app.Trigger(t, team.ID, "gather and merge")

	final := app.WaitForExecutionStatus(t, exec.ID, models.ExecutionStatusSuccess)
	require.NotNil(t, final.Output)
	assert.Equal(t, "alpha and beta, combined", final.Output.Raw)
}

// TestToolCallLoop scripts a tool round-trip and verifies the tool_call
// event carries the output hash, never the raw output.
func TestToolCallLoop(t *testing.T) {
	script := NewScriptedLLM()
	script.AddRouted("a1", LLMScriptEntry{ToolCalls: []llm.ToolCall{
		{ID: "call-1", Name: "echo", Arguments: `{"text":"hello tools"}`},
	}})
	script.AddRouted("a1", LLMScriptEntry{Text: "done with tools"})

	app := NewTestApp(t, WithLLM(script))
	app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "tool-loop", SingleAgentTopology("anthropic"))
	exec := app.Trigger(t, team.ID, "use the echo tool")

	final := app.WaitForExecutionStatus(t, exec.ID, models.ExecutionStatusSuccess)
	assert.Equal(t, "done with tools", final.NodeResults["a1"].Output)

	logs := app.GetExecutionLogs(t, exec.ID, "event_type=tool_call")
	require.Len(t, logs.Logs, 1)
	extra := logs.Logs[0].ExtraData
	assert.Equal(t, "echo", extra["tool"])
	assert.NotEmpty(t, extra["output_hash"])
	assert.NotContains(t, extra, "output", "raw tool output never enters the log")
}

// TestTransientRetrySucceeds scripts one 500 followed by a success and
// checks the retry is recorded in both the attempt count and the log.
func TestTransientRetrySucceeds(t *testing.T) {
	script := NewScriptedLLM()
	script.AddRouted("a1", LLMScriptEntry{Error: &llm.ProviderError{
		Provider: "anthropic", StatusCode: 500, Retryable: true,
		Err: errTransient,
	}})
	script.AddRouted("a1", LLMScriptEntry{Text: "recovered"})

	app := NewTestApp(t, WithLLM(script))
	app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "retry-transient", SingleAgentTopology("anthropic"))
	exec := app.Trigger(t, team.ID, "flaky upstream")

	final := app.WaitForExecutionStatus(t, exec.ID, models.ExecutionStatusSuccess)
	assert.Equal(t, "recovered", final.NodeResults["a1"].Output)
	assert.Equal(t, 2, final.NodeResults["a1"].Attempts)

	logs := app.GetExecutionLogs(t, exec.ID, "event_type=llm_retry")
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "a1", logs.Logs[0].NodeID)
}
