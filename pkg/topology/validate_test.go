package topology

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/models"
)

// stubRegistry resolves references against fixed sets. A nil set accepts
// everything, so tests only enumerate what they care about.
type stubRegistry struct {
	models map[string]bool
	tools  map[string]bool
	err    error
}

func (r *stubRegistry) HasModel(_ context.Context, ref models.ModelRef) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	if r.models == nil {
		return true, nil
	}
	return r.models[ref.String()], nil
}

func (r *stubRegistry) HasTool(_ context.Context, name string) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	if r.tools == nil {
		return true, nil
	}
	return r.tools[name], nil
}

func supervisorNode(id string) models.Node {
	return models.Node{
		ID:                   id,
		Kind:                 models.KindGlobalSupervisor,
		CoordinationStrategy: models.StrategyParallel,
	}
}

func nodeSupervisor(id string) models.Node {
	return models.Node{
		ID:                   id,
		Kind:                 models.KindNodeSupervisor,
		CoordinationStrategy: models.StrategySequential,
	}
}

func agentNode(id string) models.Node {
	return models.Node{
		ID:   id,
		Kind: models.KindAgent,
		AgentConfig: models.AgentConfig{
			Role:     "worker",
			ModelRef: models.ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4"},
		},
	}
}

func edge(src, dst string) models.Edge {
	return models.Edge{Source: src, Target: dst}
}

func validTopology() *models.TopologyConfig {
	return &models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup"), agentNode("a1"), agentNode("a2")},
		Edges:      []models.Edge{edge("sup", "a1"), edge("sup", "a2")},
		EntryPoint: "sup",
	}
}

// issues unwraps a validation failure; the require makes a wrong error type
// fail loudly instead of panicking.
func issues(t *testing.T, err error) []Issue {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	return verr.Issues
}

func codesOf(list []Issue) []string {
	out := make([]string, len(list))
	for i, iss := range list {
		out[i] = iss.Code
	}
	return out
}

func findIssue(t *testing.T, list []Issue, code string) Issue {
	t.Helper()
	for _, iss := range list {
		if iss.Code == code {
			return iss
		}
	}
	t.Fatalf("no issue with code %s in %v", code, list)
	return Issue{}
}

func TestValidateAcceptsValidTopology(t *testing.T) {
	err := Validate(context.Background(), validTopology(), &stubRegistry{})
	assert.NoError(t, err)
}

func TestValidateNilRegistrySkipsReferenceChecks(t *testing.T) {
	topo := validTopology()
	topo.Nodes[1].AgentConfig.ModelRef = models.ModelRef{}

	err := Validate(context.Background(), topo, nil)
	assert.NoError(t, err)
}

func TestValidateCycle(t *testing.T) {
	topo := &models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup"), agentNode("a1"), agentNode("a2")},
		Edges:      []models.Edge{edge("sup", "a1"), edge("a1", "a2"), edge("a2", "a1")},
		EntryPoint: "sup",
	}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))

	cycle := findIssue(t, list, CodeCycle)
	assert.Equal(t, "a1→a2→a1", cycle.Path, "cycle path walks the back edge and closes on the revisited node")
	assert.NotContains(t, codesOf(list), CodeUnreachable, "reachability is not reported on cyclic graphs")
	assert.NotContains(t, codesOf(list), CodeTooDeep)
}

func TestValidateSelfLoop(t *testing.T) {
	topo := &models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup"), agentNode("a1")},
		Edges:      []models.Edge{edge("sup", "a1"), edge("a1", "a1")},
		EntryPoint: "sup",
	}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))
	assert.Equal(t, "a1→a1", findIssue(t, list, CodeCycle).Path)
}

func TestValidateUnreachableNode(t *testing.T) {
	// A disconnected acyclic node necessarily has in-degree 0, so the orphan
	// surfaces both as a second entry point and as unreachable.
	topo := &models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup"), agentNode("a1"), agentNode("orphan")},
		Edges:      []models.Edge{edge("sup", "a1")},
		EntryPoint: "sup",
	}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))

	assert.Contains(t, codesOf(list), CodeMultipleEntryPoint)
	assert.Equal(t, "orphan", findIssue(t, list, CodeUnreachable).Path)
}

func TestValidateDuplicateNodeID(t *testing.T) {
	topo := &models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup"), agentNode("a1"), agentNode("a1")},
		Edges:      []models.Edge{edge("sup", "a1")},
		EntryPoint: "sup",
	}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))
	dup := findIssue(t, list, CodeDuplicateID)
	assert.Equal(t, "a1", dup.Path)
	assert.Contains(t, dup.Message, "more than once")
}

func TestValidateEmptyNodeID(t *testing.T) {
	topo := &models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup"), {Kind: models.KindAgent}},
		Edges:      nil,
		EntryPoint: "sup",
	}

	list := issues(t, Validate(context.Background(), topo, nil))
	assert.Equal(t, "nodes[1]", findIssue(t, list, CodeDuplicateID).Path)
}

func TestValidateDanglingEdge(t *testing.T) {
	topo := validTopology()
	topo.Edges = append(topo.Edges, edge("a1", "ghost"), edge("phantom", "a2"))

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))

	var paths []string
	for _, iss := range list {
		if iss.Code == CodeDanglingEdge {
			paths = append(paths, iss.Path)
		}
	}
	assert.ElementsMatch(t, []string{"a1→ghost", "phantom→a2"}, paths)
}

func TestValidateEntryPoint(t *testing.T) {
	tests := []struct {
		name     string
		topo     *models.TopologyConfig
		code     string
		path     string
		contains string
	}{
		{
			name:     "no nodes",
			topo:     &models.TopologyConfig{},
			code:     CodeNoEntryPoint,
			contains: "no nodes",
		},
		{
			name: "entry point not set",
			topo: &models.TopologyConfig{
				Nodes: []models.Node{supervisorNode("sup"), agentNode("a1")},
				Edges: []models.Edge{edge("sup", "a1")},
			},
			code:     CodeNoEntryPoint,
			path:     "sup",
			contains: "entry_point is not set",
		},
		{
			name: "entry point does not match the root",
			topo: &models.TopologyConfig{
				Nodes:      []models.Node{supervisorNode("sup"), agentNode("a1")},
				Edges:      []models.Edge{edge("sup", "a1")},
				EntryPoint: "a1",
			},
			code:     CodeNoEntryPoint,
			path:     "a1",
			contains: "does not match",
		},
		{
			name: "root is not a global supervisor",
			topo: &models.TopologyConfig{
				Nodes:      []models.Node{agentNode("a1"), agentNode("a2")},
				Edges:      []models.Edge{edge("a1", "a2")},
				EntryPoint: "a1",
			},
			code:     CodeNoEntryPoint,
			path:     "a1",
			contains: "must be kind",
		},
		{
			name: "two roots",
			topo: &models.TopologyConfig{
				Nodes:      []models.Node{supervisorNode("sup"), supervisorNode("sup2"), agentNode("a1")},
				Edges:      []models.Edge{edge("sup", "a1"), edge("sup2", "a1")},
				EntryPoint: "sup",
			},
			code: CodeMultipleEntryPoint,
			path: "sup,sup2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := issues(t, Validate(context.Background(), tt.topo, nil))
			iss := findIssue(t, list, tt.code)
			if tt.path != "" {
				assert.Equal(t, tt.path, iss.Path)
			}
			if tt.contains != "" {
				assert.Contains(t, iss.Message, tt.contains)
			}
		})
	}
}

func TestValidateTooManyNodes(t *testing.T) {
	nodes := []models.Node{supervisorNode("sup")}
	var edges []models.Edge
	for i := 0; i < MaxNodes; i++ {
		id := fmt.Sprintf("a%d", i)
		nodes = append(nodes, agentNode(id))
		edges = append(edges, edge("sup", id))
	}
	topo := &models.TopologyConfig{Nodes: nodes, Edges: edges, EntryPoint: "sup"}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))
	assert.Equal(t, []string{CodeTooManyNodes}, codesOf(list))
}

func TestValidateTooDeep(t *testing.T) {
	nodes := []models.Node{supervisorNode("sup")}
	edges := []models.Edge{}
	prev := "sup"
	for i := 1; i <= MaxDepth+1; i++ {
		id := fmt.Sprintf("n%d", i)
		nodes = append(nodes, agentNode(id))
		edges = append(edges, edge(prev, id))
		prev = id
	}
	topo := &models.TopologyConfig{Nodes: nodes, Edges: edges, EntryPoint: "sup"}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))
	require.Equal(t, []string{CodeTooDeep}, codesOf(list))
	assert.Equal(t, fmt.Sprintf("n%d", MaxDepth+1), list[0].Path)
}

func TestValidateEmptySupervisor(t *testing.T) {
	topo := &models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup"), nodeSupervisor("ns"), agentNode("a1")},
		Edges:      []models.Edge{edge("sup", "ns"), edge("sup", "a1")},
		EntryPoint: "sup",
	}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{}))
	assert.Equal(t, "ns", findIssue(t, list, CodeEmptySupervisor).Path)

	// With an agent below it, the same supervisor is fine.
	topo.Edges = append(topo.Edges, edge("ns", "a1"))
	assert.NoError(t, Validate(context.Background(), topo, &stubRegistry{}))
}

func TestValidateUnknownModel(t *testing.T) {
	reg := &stubRegistry{models: map[string]bool{"anthropic/claude-sonnet-4": true}}

	t.Run("unregistered model", func(t *testing.T) {
		topo := validTopology()
		topo.Nodes[2].AgentConfig.ModelRef = models.ModelRef{Provider: "openai", ModelID: "gpt-5"}

		list := issues(t, Validate(context.Background(), topo, reg))
		iss := findIssue(t, list, CodeUnknownModel)
		assert.Equal(t, "a2", iss.Path)
		assert.Contains(t, iss.Message, "openai/gpt-5")
	})

	t.Run("agent without model_ref", func(t *testing.T) {
		topo := validTopology()
		topo.Nodes[1].AgentConfig.ModelRef = models.ModelRef{}

		list := issues(t, Validate(context.Background(), topo, reg))
		iss := findIssue(t, list, CodeUnknownModel)
		assert.Equal(t, "a1", iss.Path)
		assert.Contains(t, iss.Message, "no model_ref")
	})

	t.Run("supervisor without model_ref is fine", func(t *testing.T) {
		assert.NoError(t, Validate(context.Background(), validTopology(), reg))
	})

	t.Run("supervisor with a model_ref is checked", func(t *testing.T) {
		topo := validTopology()
		topo.Nodes[0].AgentConfig.ModelRef = models.ModelRef{Provider: "nope", ModelID: "missing"}

		list := issues(t, Validate(context.Background(), topo, reg))
		assert.Equal(t, "sup", findIssue(t, list, CodeUnknownModel).Path)
	})
}

func TestValidateUnknownTool(t *testing.T) {
	reg := &stubRegistry{tools: map[string]bool{"echo": true}}
	topo := validTopology()
	topo.Nodes[1].AgentConfig.Tools = []string{"echo", "launch_missiles"}

	list := issues(t, Validate(context.Background(), topo, reg))
	iss := findIssue(t, list, CodeUnknownTool)
	assert.Equal(t, "a1", iss.Path)
	assert.Contains(t, iss.Message, "launch_missiles")
}

func TestValidateRegistryFailure(t *testing.T) {
	reg := &stubRegistry{err: errors.New("catalog down")}

	err := Validate(context.Background(), validTopology(), reg)

	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr), "a registry failure is not a validation verdict")
	assert.Contains(t, err.Error(), "consulting registry")
}

func TestValidateCollectsAllIssues(t *testing.T) {
	topo := &models.TopologyConfig{
		Nodes: []models.Node{
			supervisorNode("sup"),
			agentNode("a1"),
			agentNode("a1"), // duplicate
		},
		Edges: []models.Edge{
			edge("sup", "a1"),
			edge("sup", "ghost"), // dangling
		},
		EntryPoint: "sup",
	}
	topo.Nodes[1].AgentConfig.Tools = []string{"unknown_tool"}

	list := issues(t, Validate(context.Background(), topo, &stubRegistry{tools: map[string]bool{}}))

	codes := codesOf(list)
	assert.Contains(t, codes, CodeDuplicateID)
	assert.Contains(t, codes, CodeDanglingEdge)
	assert.Contains(t, codes, CodeUnknownTool)
}

func TestValidationErrorMessage(t *testing.T) {
	single := &ValidationError{Issues: []Issue{{Code: CodeCycle, Path: "a→a", Message: "cycle detected: a→a"}}}
	assert.Equal(t, "topology validation failed: CYCLE: cycle detected: a→a", single.Error())

	multi := &ValidationError{Issues: []Issue{
		{Code: CodeCycle, Message: "m1"},
		{Code: CodeUnknownTool, Message: "m2"},
	}}
	assert.Equal(t, "topology validation failed: 2 issues (CYCLE, UNKNOWN_TOOL)", multi.Error())
}

func TestResult(t *testing.T) {
	valid := Result(nil)
	assert.True(t, valid.Valid)
	assert.NotNil(t, valid.Errors, "serializes as [] rather than null")
	assert.Empty(t, valid.Errors)

	verr := &ValidationError{Issues: []Issue{{Code: CodeCycle}}}
	invalid := Result(verr)
	assert.False(t, invalid.Valid)
	assert.Equal(t, verr.Issues, invalid.Errors)
}
