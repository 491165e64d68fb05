package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	}
	return false
}

// NodeResultStatus is the per-node outcome within an execution.
type NodeResultStatus string

const (
	NodeStatusPending NodeResultStatus = "pending"
	NodeStatusRunning NodeResultStatus = "running"
	NodeStatusSuccess NodeResultStatus = "success"
	NodeStatusFailed  NodeResultStatus = "failed"
	NodeStatusSkipped NodeResultStatus = "skipped"
)

// IsTerminal reports whether the node reached a final outcome.
func (s NodeResultStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusFailed, NodeStatusSkipped:
		return true
	}
	return false
}

// NodeResult records the outcome of a single node within an execution.
type NodeResult struct {
	Status      NodeResultStatus `json:"status"`
	Output      string           `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	Attempts    int              `json:"attempts,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ExecutionInput is the caller-supplied work order for an execution.
type ExecutionInput struct {
	Task       string         `json:"task"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ExecutionOutput is the final result of an execution. Raw always carries the
// aggregated (or synthesized) text; Structured is set only when an output
// schema was supplied and validation succeeded.
type ExecutionOutput struct {
	Raw        string          `json:"raw,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// Execution is one run of a team against a task. The topology snapshot is
// immutable for the lifetime of the execution: edits to the team after
// trigger do not affect runs already in flight.
type Execution struct {
	ID               string                 `json:"id"`
	TeamID           string                 `json:"team_id"`
	TopologySnapshot TopologyConfig         `json:"topology_snapshot"`
	Input            ExecutionInput         `json:"input"`
	Output           *ExecutionOutput       `json:"output,omitempty"`
	OutputSchema     json.RawMessage        `json:"output_schema,omitempty"`
	ParseError       string                 `json:"parse_error,omitempty"`
	NodeResults      map[string]*NodeResult `json:"node_results,omitempty"`
	Status           ExecutionStatus        `json:"status"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	DurationMS       *int64                 `json:"duration_ms,omitempty"`
}

// TriggerRequest is the payload for starting an execution.
type TriggerRequest struct {
	Task           string          `json:"task"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	TimeoutSeconds *int            `json:"timeout_seconds,omitempty"`
}

// ExecutionFilters narrows execution list queries.
type ExecutionFilters struct {
	TeamID        string
	Status        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// ExecutionListResponse is a paginated list of executions.
type ExecutionListResponse struct {
	Executions []*Execution `json:"executions"`
	TotalCount int          `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
}

// ExecutionLog is one persisted event in an execution's ordered log.
// Sequence is contiguous per execution, starting at 1.
type ExecutionLog struct {
	ID           int64          `json:"-"`
	ExecutionID  string         `json:"execution_id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"`
	NodeID       string         `json:"node_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	SupervisorID string         `json:"supervisor_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	ExtraData    map[string]any `json:"extra_data,omitempty"`
}

// LogFilters narrows execution log queries.
type LogFilters struct {
	EventType     string
	NodeID        string
	SinceSequence int64
	Limit         int
	Offset        int
}

// LogListResponse is a paginated slice of an execution's event log.
type LogListResponse struct {
	Logs       []*ExecutionLog `json:"logs"`
	TotalCount int             `json:"total_count"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
}

// Pagination bounds shared by list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ClampPage normalizes limit/offset to their allowed ranges.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
