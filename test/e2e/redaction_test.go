package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/masking"
	"github.com/aiops-hub/maestro/pkg/models"
)

// fakeKey matches the anthropic_api_key pattern but is not a real secret.
const fakeKey = "sk-ant-REDACTED"

// TestSecretsRedactedOutbound leaks a credential-shaped string into an
// agent's output and verifies every outbound surface masks it while the
// stored row keeps it for forensics.
func TestSecretsRedactedOutbound(t *testing.T) {
	script := NewScriptedLLM()
	script.AddRouted("a1", LLMScriptEntry{Text: "found key " + fakeKey + " in config"})

	app := NewTestApp(t, WithLLM(script))
	app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "leaky", SingleAgentTopology("anthropic"))
	exec := app.Trigger(t, team.ID, "scan the config")
	app.WaitForExecutionStatus(t, exec.ID, models.ExecutionStatusSuccess)

	// API view: masked everywhere the output surfaces.
	apiExec := app.GetExecution(t, exec.ID)
	assert.NotContains(t, apiExec.Output.Raw, fakeKey)
	assert.Contains(t, apiExec.Output.Raw, masking.Redacted)
	assert.NotContains(t, apiExec.NodeResults["a1"].Output, fakeKey)
	assert.Contains(t, apiExec.NodeResults["a1"].Output, masking.Redacted)

	// Log view: no row carries the secret.
	logs := app.GetExecutionLogs(t, exec.ID, "")
	for _, l := range logs.Logs {
		row, err := json.Marshal(l)
		require.NoError(t, err)
		assert.NotContains(t, string(row), fakeKey, "log %d/%s leaks the key", l.Sequence, l.EventType)
	}

	// Stream view: frames are redacted the same way.
	frames := app.CollectSSE(t, exec.ID, 0, 10*time.Second)
	for _, f := range frames {
		data, err := json.Marshal(f.Data)
		require.NoError(t, err)
		assert.NotContains(t, string(data), fakeKey)
	}

	// Stored row: untouched. Redaction is outbound-only.
	stored, err := app.Executions.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Output.Raw, fakeKey)
	assert.Contains(t, stored.NodeResults["a1"].Output, fakeKey)
}

// TestSensitiveParametersRedacted puts a secret under a well-known key in
// the trigger parameters; the API view replaces the whole value.
func TestSensitiveParametersRedacted(t *testing.T) {
	script := NewScriptedLLM()
	script.AddRouted("a1", LLMScriptEntry{Text: "ok"})

	app := NewTestApp(t, WithLLM(script))
	app.SeedCatalog(t, "anthropic")

	team := app.CreateTeam(t, "sensitive-params", SingleAgentTopology("anthropic"))
	exec := app.TriggerRequest(t, team.ID, models.TriggerRequest{
		Task: "authenticated job",
		Parameters: map[string]any{
			"api_key": "super-secret-value",
			"region":  "eu-west-1",
		},
	})
	app.WaitForExecutionStatus(t, exec.ID, models.ExecutionStatusSuccess)

	apiExec := app.GetExecution(t, exec.ID)
	assert.Equal(t, masking.Redacted, apiExec.Input.Parameters["api_key"])
	assert.Equal(t, "eu-west-1", apiExec.Input.Parameters["region"], "non-secret values pass through")
}
