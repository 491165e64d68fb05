package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/topology"
)

// postRaw posts a JSON body and returns the status code and raw response,
// for asserting on error payloads without pinning their envelope shape.
func (app *TestApp) postRaw(t *testing.T, path string, body any) (int, string) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(app.BaseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

// TestCyclicTopologyRejected posts a team whose edges form a1 → a2 → a1 and
// expects a 400 naming the cycle path, with nothing persisted.
func TestCyclicTopologyRejected(t *testing.T) {
	app := NewTestApp(t)
	app.SeedCatalog(t, "anthropic")

	topo := models.TopologyConfig{
		Nodes: []models.Node{
			supervisorNode("sup", models.StrategyParallel),
			agentNode("a1", "anthropic"),
			agentNode("a2", "anthropic"),
		},
		Edges: []models.Edge{
			{Source: "sup", Target: "a1"},
			{Source: "a1", Target: "a2"},
			{Source: "a2", Target: "a1"},
		},
		EntryPoint: "sup",
	}

	status, body := app.postRaw(t, "/api/v1/teams", models.CreateTeamRequest{
		Name:     "cyclic",
		Topology: topo,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, topology.CodeCycle)
	assert.Contains(t, body, "a1→a2→a1")

	// Nothing persisted.
	var teams models.TeamListResponse
	app.doJSON(t, http.MethodGet, "/api/v1/teams", nil, http.StatusOK, &teams)
	assert.Zero(t, teams.TotalCount)
}

// TestValidationCollectsAllDefects submits a topology violating several
// rules at once and expects every code in one response.
func TestValidationCollectsAllDefects(t *testing.T) {
	app := NewTestApp(t)
	app.SeedCatalog(t, "anthropic")

	topo := models.TopologyConfig{
		Nodes: []models.Node{
			supervisorNode("sup", models.StrategyParallel),
			agentNode("a1", "anthropic"),
			// Unknown model and unknown tool on the same node.
			{
				ID:   "a2",
				Kind: models.KindAgent,
				AgentConfig: models.AgentConfig{
					ModelRef: models.ModelRef{Provider: "nobody", ModelID: "ghost-model"},
					Tools:    []string{"no_such_tool"},
				},
			},
			// Unreachable: no inbound edge except its own cycle partner.
			agentNode("island", "anthropic"),
		},
		Edges: []models.Edge{
			{Source: "sup", Target: "a1"},
			{Source: "sup", Target: "a2"},
			{Source: "a1", Target: "missing"}, // dangling target
		},
		EntryPoint: "sup",
	}

	status, body := app.postRaw(t, "/api/v1/teams", models.CreateTeamRequest{
		Name:     "many-defects",
		Topology: topo,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	for _, code := range []string{
		topology.CodeDanglingEdge,
		topology.CodeUnknownModel,
		topology.CodeUnknownTool,
	} {
		assert.Contains(t, body, code, "all defects reported at once")
	}
}

// TestDryRunValidation exercises POST /teams/:id/validate without touching
// the stored team.
func TestDryRunValidation(t *testing.T) {
	app := NewTestApp(t)
	app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "dry-run", SingleAgentTopology("anthropic"))

	// A valid proposal.
	var result topology.ValidationResult
	app.doJSON(t, http.MethodPost, "/api/v1/teams/"+team.ID+"/validate",
		map[string]any{"topology": PipelineTopology("anthropic", "a1", "a2")},
		http.StatusOK, &result)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)

	// An invalid one: agent entry point.
	bad := models.TopologyConfig{
		Nodes:      []models.Node{agentNode("a1", "anthropic")},
		EntryPoint: "a1",
	}
	app.doJSON(t, http.MethodPost, "/api/v1/teams/"+team.ID+"/validate",
		map[string]any{"topology": bad}, http.StatusOK, &result)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)

	// The stored team is untouched.
	var stored models.Team
	app.doJSON(t, http.MethodGet, "/api/v1/teams/"+team.ID, nil, http.StatusOK, &stored)
	assert.Equal(t, models.TeamActive, stored.Status)
	assert.Len(t, stored.Topology.Nodes, 2)
}

// TestStaleModelFailsTrigger removes the model between team creation and
// trigger; re-validation must reject the trigger with the stale reference.
func TestStaleModelFailsTrigger(t *testing.T) {
	app := NewTestApp(t)
	providerID := app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "stale-model", SingleAgentTopology("anthropic"))

	// Deleting the provider takes its models with it.
	app.doJSON(t, http.MethodDelete, "/api/v1/providers/"+providerID, nil, http.StatusNoContent, nil)

	status, body := app.postRaw(t, "/api/v1/teams/"+team.ID+"/executions",
		models.TriggerRequest{Task: "ping"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, topology.CodeUnknownModel)
}

// TestDuplicateTeamNameConflicts verifies the unique-name constraint maps
// to 409.
func TestDuplicateTeamNameConflicts(t *testing.T) {
	app := NewTestApp(t)
	app.SeedCatalog(t, "anthropic")

	app.CreateTeam(t, "taken", SingleAgentTopology("anthropic"))
	status, _ := app.postRaw(t, "/api/v1/teams", models.CreateTeamRequest{
		Name:     "taken",
		Topology: SingleAgentTopology("anthropic"),
	})
	assert.Equal(t, http.StatusConflict, status)
}
