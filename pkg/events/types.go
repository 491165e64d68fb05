// Package events is the per-execution ordered event bus.
//
// Every execution owns one topic. Events are assigned a contiguous
// sequence starting at 1, persisted to the execution log, and only then
// delivered to live subscribers — a subscriber can never observe an event
// that is not already durable. Late subscribers replay from the log and
// attach to the live stream without gaps or duplicates; a client that
// reconnects passes the last sequence it saw and resumes losslessly.
//
// Topics are isolated: ordering holds within one execution only. After
// the terminal event the topic stays open for a grace period so attached
// subscribers can drain, then it is reclaimed and later subscribers read
// purely from the log.
package events

import (
	"time"

	"github.com/aiops-hub/maestro/pkg/models"
)

// Event types, in rough lifecycle order.
const (
	EventTypeExecutionStarted   = "execution_started"
	EventTypeSupervisorDecision = "supervisor_decision"
	EventTypeNodeEntered        = "node_entered"
	EventTypeNodeCompleted      = "node_completed"
	EventTypeNodeFailed         = "node_failed"
	EventTypeNodeSkipped        = "node_skipped"
	EventTypeToolCall           = "tool_call"
	EventTypeLLMRetry           = "llm_retry"
	EventTypeExecutionCompleted = "execution_completed"
	EventTypeExecutionFailed    = "execution_failed"
	EventTypeExecutionTimeout   = "execution_timeout"
	EventTypeExecutionCancelled = "execution_cancelled"

	// Heartbeats are synthesized per subscriber during quiet periods and
	// are never persisted; they carry no sequence of their own.
	EventTypeHeartbeat = "heartbeat"
)

// IsTerminalEventType reports whether the event type closes the stream.
func IsTerminalEventType(eventType string) bool {
	switch eventType {
	case EventTypeExecutionCompleted, EventTypeExecutionFailed,
		EventTypeExecutionTimeout, EventTypeExecutionCancelled:
		return true
	}
	return false
}

// TerminalEventType maps a terminal execution status to its event type.
// Non-terminal statuses are a programming error.
func TerminalEventType(status models.ExecutionStatus) string {
	switch status {
	case models.ExecutionStatusSuccess:
		return EventTypeExecutionCompleted
	case models.ExecutionStatusFailed:
		return EventTypeExecutionFailed
	case models.ExecutionStatusTimeout:
		return EventTypeExecutionTimeout
	case models.ExecutionStatusCancelled:
		return EventTypeExecutionCancelled
	}
	panic("events: no terminal event type for status " + string(status))
}

// Event is one entry on an execution's stream. Persisted events carry a
// positive Sequence; heartbeats carry zero.
type Event struct {
	ExecutionID  string         `json:"execution_id"`
	Sequence     int64          `json:"sequence,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"type"`
	NodeID       string         `json:"node_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	SupervisorID string         `json:"supervisor_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	ExtraData    map[string]any `json:"extra_data,omitempty"`
}

// ToLog converts an event into its persisted form.
func (e *Event) ToLog() *models.ExecutionLog {
	return &models.ExecutionLog{
		ExecutionID:  e.ExecutionID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		EventType:    e.Type,
		NodeID:       e.NodeID,
		AgentID:      e.AgentID,
		SupervisorID: e.SupervisorID,
		Message:      e.Message,
		ExtraData:    e.ExtraData,
	}
}

// FromLog converts a persisted log row back into an event for replay.
func FromLog(l *models.ExecutionLog) *Event {
	return &Event{
		ExecutionID:  l.ExecutionID,
		Sequence:     l.Sequence,
		Timestamp:    l.Timestamp,
		Type:         l.EventType,
		NodeID:       l.NodeID,
		AgentID:      l.AgentID,
		SupervisorID: l.SupervisorID,
		Message:      l.Message,
		ExtraData:    l.ExtraData,
	}
}
