package events

import (
	"context"
	"fmt"

	"github.com/aiops-hub/maestro/pkg/models"
)

// Typed publish helpers. Each builds one event of a fixed type; all delivery
// semantics live in Bus.Publish.

// PublishExecutionStarted opens an execution's stream.
func (b *Bus) PublishExecutionStarted(ctx context.Context, executionID, teamID, task string) error {
	return b.Publish(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTypeExecutionStarted,
		Message:     "execution started",
		ExtraData:   map[string]any{"team_id": teamID, "task": task},
	})
}

// PublishSupervisorDecision records the dispatch order a supervisor chose
// for its direct children.
func (b *Bus) PublishSupervisorDecision(ctx context.Context, executionID, supervisorID string, strategy models.CoordinationStrategy, order []string) error {
	return b.Publish(ctx, &Event{
		ExecutionID:  executionID,
		Type:         EventTypeSupervisorDecision,
		NodeID:       supervisorID,
		SupervisorID: supervisorID,
		Message:      fmt.Sprintf("supervisor %s dispatching %d children (%s)", supervisorID, len(order), strategy),
		ExtraData:    map[string]any{"strategy": string(strategy), "order": order},
	})
}

// PublishNodeEntered marks a node as dispatched.
func (b *Bus) PublishNodeEntered(ctx context.Context, executionID string, node *models.Node) error {
	evt := &Event{
		ExecutionID: executionID,
		Type:        EventTypeNodeEntered,
		NodeID:      node.ID,
		Message:     fmt.Sprintf("node %s entered", node.ID),
	}
	if node.Kind.IsSupervisor() {
		evt.SupervisorID = node.ID
	} else {
		evt.AgentID = node.ID
	}
	return b.Publish(ctx, evt)
}

// PublishNodeCompleted marks a node SUCCESS.
func (b *Bus) PublishNodeCompleted(ctx context.Context, executionID, nodeID string, attempts int, durationMS int64) error {
	return b.Publish(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTypeNodeCompleted,
		NodeID:      nodeID,
		Message:     fmt.Sprintf("node %s completed", nodeID),
		ExtraData:   map[string]any{"attempts": attempts, "duration_ms": durationMS},
	})
}

// PublishNodeFailed marks a node FAILED with its error text.
func (b *Bus) PublishNodeFailed(ctx context.Context, executionID, nodeID, errMsg string) error {
	return b.Publish(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTypeNodeFailed,
		NodeID:      nodeID,
		Message:     fmt.Sprintf("node %s failed: %s", nodeID, errMsg),
		ExtraData:   map[string]any{"error": errMsg},
	})
}

// PublishNodeSkipped marks a node SKIPPED with the reason, e.g. an upstream
// failure or cancellation.
func (b *Bus) PublishNodeSkipped(ctx context.Context, executionID, nodeID, reason string) error {
	return b.Publish(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTypeNodeSkipped,
		NodeID:      nodeID,
		Message:     fmt.Sprintf("node %s skipped: %s", nodeID, reason),
		ExtraData:   map[string]any{"reason": reason},
	})
}

// PublishToolCall records one tool invocation. The raw output stays in the
// step's reasoning context; the event carries only its hash to bound log
// size.
func (b *Bus) PublishToolCall(ctx context.Context, executionID, nodeID, tool, input, outputHash string, durationMS int64) error {
	return b.Publish(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTypeToolCall,
		NodeID:      nodeID,
		AgentID:     nodeID,
		Message:     fmt.Sprintf("tool %s invoked", tool),
		ExtraData: map[string]any{
			"tool":        tool,
			"input":       input,
			"output_hash": outputHash,
			"duration_ms": durationMS,
		},
	})
}

// PublishLLMRetry records a transient model failure about to be retried.
func (b *Bus) PublishLLMRetry(ctx context.Context, executionID, nodeID string, attempt int, errMsg string) error {
	return b.Publish(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTypeLLMRetry,
		NodeID:      nodeID,
		Message:     fmt.Sprintf("retrying LLM call for node %s (attempt %d)", nodeID, attempt),
		ExtraData:   map[string]any{"attempt": attempt, "error": errMsg},
	})
}

// PublishTerminal emits the execution's single terminal event.
func (b *Bus) PublishTerminal(ctx context.Context, executionID string, status models.ExecutionStatus, message string) error {
	return b.Publish(ctx, &Event{
		ExecutionID: executionID,
		Type:        TerminalEventType(status),
		Message:     message,
	})
}
