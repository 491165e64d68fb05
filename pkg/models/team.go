package models

import (
	"encoding/json"
	"time"
)

// TeamStatus represents the lifecycle state of a team.
type TeamStatus string

const (
	TeamActive   TeamStatus = "active"
	TeamInactive TeamStatus = "inactive"
	TeamError    TeamStatus = "error"
)

// NodeKind distinguishes the three node roles in a topology.
type NodeKind string

const (
	KindGlobalSupervisor NodeKind = "global_supervisor"
	KindNodeSupervisor   NodeKind = "node_supervisor"
	KindAgent            NodeKind = "agent"
)

// IsSupervisor reports whether the kind coordinates children rather than
// performing work itself.
func (k NodeKind) IsSupervisor() bool {
	return k == KindGlobalSupervisor || k == KindNodeSupervisor
}

// CoordinationStrategy controls how a supervisor dispatches its ready children.
type CoordinationStrategy string

const (
	StrategyParallel     CoordinationStrategy = "parallel"
	StrategySequential   CoordinationStrategy = "sequential"
	StrategyRoundRobin   CoordinationStrategy = "round_robin"
	StrategyPriority     CoordinationStrategy = "priority"
	StrategyAdaptive     CoordinationStrategy = "adaptive"
	StrategyHierarchical CoordinationStrategy = "hierarchical"
)

// ValidStrategies lists the accepted coordination strategy values.
var ValidStrategies = []CoordinationStrategy{
	StrategyParallel, StrategySequential, StrategyRoundRobin,
	StrategyPriority, StrategyAdaptive, StrategyHierarchical,
}

// ModelRef identifies an LLM by provider tag and provider-side model ID.
// Both parts must resolve against the catalog for a topology to validate.
type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
}

func (r ModelRef) String() string {
	return r.Provider + "/" + r.ModelID
}

// AgentConfig holds the LLM-facing configuration of a node.
type AgentConfig struct {
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	ModelRef     ModelRef `json:"model_ref"`
	Tools        []string `json:"tools,omitempty"`
	Temperature  float64  `json:"temperature"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// Node is a vertex in the team topology.
type Node struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Kind        NodeKind    `json:"kind"`
	AgentConfig AgentConfig `json:"agent_config"`
	// CoordinationStrategy is meaningful for supervisor kinds only.
	CoordinationStrategy CoordinationStrategy `json:"coordination_strategy,omitempty"`
}

// Edge is a directed data dependency between two nodes. ConditionLabel is
// free-form; the PRIORITY strategy interprets it as a numeric priority.
type Edge struct {
	Source         string `json:"source"`
	Target         string `json:"target"`
	ConditionLabel string `json:"condition_label,omitempty"`
}

// TopologyConfig is the declarative team graph.
type TopologyConfig struct {
	Nodes      []Node `json:"nodes"`
	Edges      []Edge `json:"edges"`
	EntryPoint string `json:"entry_point"`
	// OutputSchema optionally constrains the final aggregated output.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Clone returns a deep copy. Executions snapshot the topology at trigger time
// so later team edits cannot affect in-flight runs.
func (t TopologyConfig) Clone() TopologyConfig {
	out := TopologyConfig{
		Nodes:      make([]Node, len(t.Nodes)),
		Edges:      make([]Edge, len(t.Edges)),
		EntryPoint: t.EntryPoint,
	}
	for i, n := range t.Nodes {
		cp := n
		if n.AgentConfig.Tools != nil {
			cp.AgentConfig.Tools = append([]string(nil), n.AgentConfig.Tools...)
		}
		out.Nodes[i] = cp
	}
	copy(out.Edges, t.Edges)
	if t.OutputSchema != nil {
		out.OutputSchema = append(json.RawMessage(nil), t.OutputSchema...)
	}
	return out
}

// Node returns the node with the given ID, or nil.
func (t *TopologyConfig) Node(id string) *Node {
	for i := range t.Nodes {
		if t.Nodes[i].ID == id {
			return &t.Nodes[i]
		}
	}
	return nil
}

// Team is a named, validated topology blueprint.
type Team struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         TeamStatus     `json:"status"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxIterations  int            `json:"max_iterations"`
	Topology       TopologyConfig `json:"topology"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Team field bounds. Requests outside these ranges are rejected.
const (
	TeamNameMaxLen        = 200
	TimeoutSecondsDefault = 300
	TimeoutSecondsMin     = 1
	TimeoutSecondsMax     = 1800
	MaxIterationsDefault  = 50
	MaxIterationsMin      = 1
	MaxIterationsMax      = 200
)

// CreateTeamRequest contains fields for creating a new team.
type CreateTeamRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
	MaxIterations  *int           `json:"max_iterations,omitempty"`
	Topology       TopologyConfig `json:"topology"`
}

// UpdateTeamRequest contains optional fields for patching a team. Nil fields
// are left unchanged.
type UpdateTeamRequest struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	Status         *TeamStatus     `json:"status,omitempty"`
	TimeoutSeconds *int            `json:"timeout_seconds,omitempty"`
	MaxIterations  *int            `json:"max_iterations,omitempty"`
	Topology       *TopologyConfig `json:"topology,omitempty"`
}

// TeamFilters contains filtering options for listing teams.
type TeamFilters struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// TeamListResponse contains a paginated team list.
type TeamListResponse struct {
	Teams      []*Team `json:"teams"`
	TotalCount int     `json:"total_count"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
}
