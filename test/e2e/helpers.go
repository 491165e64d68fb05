package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/models"
)

// seededModelID is the model every SeedCatalog call registers. Teams built
// by the topology helpers reference it through the provider tag.
const seededModelID = "claude-sonnet-4"

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// doJSON performs one request against the test server, asserts the status,
// and decodes the response body into out when out is non-nil.
func (app *TestApp) doJSON(t *testing.T, method, path string, body any, expectedStatus int, out any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: unexpected status, body: %s", method, path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "%s %s: decoding body %s", method, path, raw)
	}
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var result map[string]any
	app.doJSON(t, http.MethodPost, path, body, expectedStatus, &result)
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	var result map[string]any
	app.doJSON(t, http.MethodGet, path, expectedStatus, &result)
	return result
}

// ────────────────────────────────────────────────────────────
// Catalog Seeding
// ────────────────────────────────────────────────────────────

// SeedCatalog registers a provider with one enabled model and one active
// credential through the API. Returns the provider ID. Teams reference the
// model as <tag>/claude-sonnet-4.
func (app *TestApp) SeedCatalog(t *testing.T, tag string) string {
	t.Helper()
	provider := app.postJSON(t, "/api/v1/providers", models.CreateProviderRequest{
		Name: "Anthropic " + tag,
		Tag:  tag,
		Kind: models.ProviderKindAnthropic,
	}, http.StatusCreated)
	providerID, _ := provider["id"].(string)
	require.NotEmpty(t, providerID)

	app.postJSON(t, "/api/v1/providers/"+providerID+"/models", models.CreateModelRequest{
		ModelID:   seededModelID,
		MaxTokens: 8192,
	}, http.StatusCreated)
	app.postJSON(t, "/api/v1/providers/"+providerID+"/credentials", models.CreateCredentialRequest{
		Alias:  "primary",
		APIKey: "sk-ant-" + tag + "-e2e-credential",
	}, http.StatusCreated)
	return providerID
}

// ────────────────────────────────────────────────────────────
// Topology Builders
// ────────────────────────────────────────────────────────────

func modelRef(tag string) models.ModelRef {
	return models.ModelRef{Provider: tag, ModelID: seededModelID}
}

func supervisorNode(id string, strategy models.CoordinationStrategy) models.Node {
	return models.Node{
		ID:   id,
		Kind: models.KindGlobalSupervisor,
		AgentConfig: models.AgentConfig{
			Temperature: 0.7,
		},
		CoordinationStrategy: strategy,
	}
}

func agentNode(id, tag string, tools ...string) models.Node {
	return models.Node{
		ID:   id,
		Kind: models.KindAgent,
		AgentConfig: models.AgentConfig{
			ModelRef:    modelRef(tag),
			Tools:       tools,
			Temperature: 0.7,
		},
	}
}

// SingleAgentTopology builds sup → a1. The agent carries the echo tool so
// scripts can exercise the tool loop.
func SingleAgentTopology(tag string) models.TopologyConfig {
	return models.TopologyConfig{
		Nodes: []models.Node{
			supervisorNode("sup", models.StrategyParallel),
			agentNode("a1", tag, "echo"),
		},
		Edges:      []models.Edge{{Source: "sup", Target: "a1"}},
		EntryPoint: "sup",
	}
}

// FanoutTopology builds sup → each named agent.
func FanoutTopology(tag string, strategy models.CoordinationStrategy, agents ...string) models.TopologyConfig {
	topo := models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup", strategy)},
		EntryPoint: "sup",
	}
	for _, id := range agents {
		topo.Nodes = append(topo.Nodes, agentNode(id, tag))
		topo.Edges = append(topo.Edges, models.Edge{Source: "sup", Target: id})
	}
	return topo
}

// PipelineTopology builds sup → a1 → a2 → … as a dependency chain.
func PipelineTopology(tag string, agents ...string) models.TopologyConfig {
	topo := models.TopologyConfig{
		Nodes:      []models.Node{supervisorNode("sup", models.StrategySequential)},
		EntryPoint: "sup",
	}
	prev := "sup"
	for _, id := range agents {
		topo.Nodes = append(topo.Nodes, agentNode(id, tag))
		topo.Edges = append(topo.Edges, models.Edge{Source: prev, Target: id})
		prev = id
	}
	return topo
}

// WithSupervisorModel gives the entry supervisor a model reference, which
// switches result aggregation from concatenation to LLM synthesis.
func WithSupervisorModel(topo models.TopologyConfig, tag string) models.TopologyConfig {
	for i := range topo.Nodes {
		if topo.Nodes[i].ID == topo.EntryPoint {
			topo.Nodes[i].AgentConfig.ModelRef = modelRef(tag)
		}
	}
	return topo
}

// WithOutputSchema attaches a JSON schema the execution output must satisfy.
func WithOutputSchema(topo models.TopologyConfig, schema string) models.TopologyConfig {
	topo.OutputSchema = json.RawMessage(schema)
	return topo
}

// ────────────────────────────────────────────────────────────
// Team and Execution Helpers
// ────────────────────────────────────────────────────────────

// CreateTeam registers a team through the API and returns it.
func (app *TestApp) CreateTeam(t *testing.T, name string, topo models.TopologyConfig) *models.Team {
	t.Helper()
	var team models.Team
	app.doJSON(t, http.MethodPost, "/api/v1/teams", models.CreateTeamRequest{
		Name:     name,
		Topology: topo,
	}, http.StatusCreated, &team)
	return &team
}

// Trigger starts an execution with the given task and asserts 201. The
// returned execution already reports status "running".
func (app *TestApp) Trigger(t *testing.T, teamID, task string) *models.Execution {
	t.Helper()
	return app.TriggerRequest(t, teamID, models.TriggerRequest{Task: task})
}

// TriggerRequest starts an execution from a full trigger payload.
func (app *TestApp) TriggerRequest(t *testing.T, teamID string, req models.TriggerRequest) *models.Execution {
	t.Helper()
	var exec models.Execution
	app.doJSON(t, http.MethodPost, "/api/v1/teams/"+teamID+"/executions", req, http.StatusCreated, &exec)
	return &exec
}

// TriggerExpect posts a trigger expecting a non-201 status and returns the
// decoded error body.
func (app *TestApp) TriggerExpect(t *testing.T, teamID string, req models.TriggerRequest, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/teams/"+teamID+"/executions", req, expectedStatus)
}

// GetExecution fetches the execution through the API (the redacted view).
func (app *TestApp) GetExecution(t *testing.T, executionID string) *models.Execution {
	t.Helper()
	var exec models.Execution
	app.doJSON(t, http.MethodGet, "/api/v1/executions/"+executionID, nil, http.StatusOK, &exec)
	return &exec
}

// CancelExecution posts a cancel and asserts the status code (204 on
// success, 409 when the execution is already terminal).
func (app *TestApp) CancelExecution(t *testing.T, executionID string, expectedStatus int) {
	t.Helper()
	app.doJSON(t, http.MethodPost, "/api/v1/executions/"+executionID+"/cancel", nil, expectedStatus, nil)
}

// WaitForExecutionStatus polls the store until the execution reaches one of
// the expected statuses. Returns the final row.
func (app *TestApp) WaitForExecutionStatus(t *testing.T, executionID string, expected ...models.ExecutionStatus) *models.Execution {
	t.Helper()
	var last *models.Execution
	require.Eventually(t, func() bool {
		exec, err := app.Executions.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		last = exec
		for _, exp := range expected {
			if exec.Status == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 50*time.Millisecond,
		"execution %s did not reach status %v (last: %s)", executionID, expected, statusOf(last))
	return last
}

// WaitForExecutionFinalized polls until the execution is terminal AND the
// finalizer has written node results and completed_at. Cancellation flips
// the status before the run goroutine unwinds, so status alone is not
// enough there.
func (app *TestApp) WaitForExecutionFinalized(t *testing.T, executionID string) *models.Execution {
	t.Helper()
	var last *models.Execution
	require.Eventually(t, func() bool {
		exec, err := app.Executions.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		last = exec
		return exec.Status.IsTerminal() && exec.CompletedAt != nil
	}, 30*time.Second, 50*time.Millisecond,
		"execution %s never finalized (last: %s)", executionID, statusOf(last))
	return last
}

func statusOf(exec *models.Execution) models.ExecutionStatus {
	if exec == nil {
		return "unknown"
	}
	return exec.Status
}

// GetExecutionLogs fetches the persisted event trail through the API.
// query is a raw query string like "event_type=tool_call" or "".
func (app *TestApp) GetExecutionLogs(t *testing.T, executionID, query string) *models.LogListResponse {
	t.Helper()
	path := "/api/v1/executions/" + executionID + "/logs"
	if query != "" {
		path += "?" + query
	}
	var out models.LogListResponse
	app.doJSON(t, http.MethodGet, path, nil, http.StatusOK, &out)
	return &out
}

// ────────────────────────────────────────────────────────────
// Event Trail Assertions
// ────────────────────────────────────────────────────────────

// EventTypes projects log rows to their event type sequence.
func EventTypes(logs []*models.ExecutionLog) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.EventType
	}
	return out
}

// RequireEventOrder asserts that want appears as a subsequence of got,
// preserving order but allowing other events in between.
func RequireEventOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i,
		"event order mismatch: want subsequence %v, got %v (matched %d)", want, got, i)
}

// FindLog returns the first log row of the given event type, or nil.
func FindLog(logs []*models.ExecutionLog, eventType string) *models.ExecutionLog {
	for _, l := range logs {
		if l.EventType == eventType {
			return l
		}
	}
	return nil
}

// FindNodeLog returns the first log row of the given type for a node.
func FindNodeLog(logs []*models.ExecutionLog, eventType, nodeID string) *models.ExecutionLog {
	for _, l := range logs {
		if l.EventType == eventType && l.NodeID == nodeID {
			return l
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// SSE Helpers
// ────────────────────────────────────────────────────────────

// StreamEvent is one parsed SSE frame. Heartbeats carry ID 0.
type StreamEvent struct {
	ID    int64
	Event string
	Data  events.Event
}

// CollectSSE reads the execution's event stream from the given resume
// point until the server closes it after the terminal event, or until the
// timeout lapses. since <= 0 requests a full replay.
func (app *TestApp) CollectSSE(t *testing.T, executionID string, since int64, timeout time.Duration) []StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, app.BaseURL+"/api/v1/executions/"+executionID+"/stream", nil)
	require.NoError(t, err)
	if since > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(since, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames, err := parseSSE(resp.Body)
	require.NoError(t, err, "reading SSE stream for %s", executionID)
	return frames
}

// parseSSE reads frames until EOF. Each frame is an optional id line, an
// event line, and a data line, separated by a blank line.
func parseSSE(r io.Reader) ([]StreamEvent, error) {
	var (
		frames  []StreamEvent
		current StreamEvent
		inFrame bool
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if inFrame {
				frames = append(frames, current)
				current = StreamEvent{}
				inFrame = false
			}
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				return nil, err
			}
			current.ID = id
			inFrame = true
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
			inFrame = true
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.Data); err != nil {
				return nil, err
			}
			inFrame = true
		}
	}
	if err := scanner.Err(); err != nil {
		return frames, err
	}
	if inFrame {
		frames = append(frames, current)
	}
	return frames, nil
}

// StreamEventTypes projects SSE frames to their event type sequence,
// dropping heartbeats.
func StreamEventTypes(frames []StreamEvent) []string {
	var out []string
	for _, f := range frames {
		if f.Event == events.EventTypeHeartbeat {
			continue
		}
		out = append(out, f.Event)
	}
	return out
}
