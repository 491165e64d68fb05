package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/llm"
	"github.com/aiops-hub/maestro/pkg/models"
)

var enforceSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"severity": {"type": "string", "enum": ["low", "medium", "high"]},
		"count": {"type": "integer"}
	},
	"required": ["severity"]
}`)

func enforceRequest(raw string) *EnforceRequest {
	return &EnforceRequest{
		ExecutionID: "exec-1",
		NodeID:      "a1",
		Model:       models.ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4"},
		Temperature: 0.2,
		Schema:      enforceSchema,
		Raw:         raw,
	}
}

func TestEnforceSchemaFirstAttemptValid(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeClient{})

	outcome := runner.EnforceSchema(context.Background(), enforceRequest(`{"severity":"high","count":3}`))
	assert.Equal(t, 1, outcome.Attempts)
	assert.Empty(t, outcome.ParseError)
	assert.JSONEq(t, `{"severity":"high","count":3}`, string(outcome.Structured))
}

func TestEnforceSchemaFencedOutput(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeClient{})

	raw := "Here is the result:\n```json\n{\"severity\": \"low\"}\n```\nLet me know if you need more."
	outcome := runner.EnforceSchema(context.Background(), enforceRequest(raw))
	assert.Equal(t, 1, outcome.Attempts)
	assert.JSONEq(t, `{"severity":"low"}`, string(outcome.Structured))
}

func TestEnforceSchemaCorrectiveRepair(t *testing.T) {
	client := &fakeClient{steps: []completionStep{
		{resp: &llm.Response{Text: `{"severity":"medium","count":1}`}},
	}}
	runner, _ := newTestRunner(t, client)

	outcome := runner.EnforceSchema(context.Background(), enforceRequest(`{"count":1}`))
	assert.Equal(t, 2, outcome.Attempts)
	assert.Empty(t, outcome.ParseError)
	assert.JSONEq(t, `{"severity":"medium","count":1}`, string(outcome.Structured))

	reqs := client.requests()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, `{"count":1}`, msgs[1].Content)
	assert.Contains(t, msgs[2].Content, "Required schema:")
	assert.Contains(t, msgs[2].Content, "Validation error:")
	assert.Empty(t, reqs[0].Tools)
}

func TestEnforceSchemaExhausted(t *testing.T) {
	bad := completionStep{resp: &llm.Response{Text: `{"count":"still wrong"}`}}
	client := &fakeClient{steps: []completionStep{bad, bad}}
	runner, _ := newTestRunner(t, client)

	outcome := runner.EnforceSchema(context.Background(), enforceRequest(`{"count":1}`))
	assert.Equal(t, EnforceMaxAttempts, outcome.Attempts)
	assert.Nil(t, outcome.Structured)
	assert.NotEmpty(t, outcome.ParseError)
	require.Len(t, client.requests(), 2)
}

func TestEnforceSchemaRepairCallFails(t *testing.T) {
	client := &fakeClient{steps: []completionStep{
		{err: permanentErr(401)},
	}}
	runner, _ := newTestRunner(t, client)

	outcome := runner.EnforceSchema(context.Background(), enforceRequest(`not json at all`))
	assert.Equal(t, 1, outcome.Attempts)
	assert.Nil(t, outcome.Structured)
	assert.NotEmpty(t, outcome.ParseError)
}

func TestEnforceSchemaInvalidSchemaDocument(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeClient{})

	outcome := runner.EnforceSchema(context.Background(), &EnforceRequest{
		ExecutionID: "exec-1",
		NodeID:      "a1",
		Model:       models.ModelRef{Provider: "anthropic", ModelID: "m"},
		Schema:      json.RawMessage(`{"type": `),
		Raw:         `{}`,
	})
	assert.Equal(t, 0, outcome.Attempts)
	assert.Contains(t, outcome.ParseError, "invalid schema document")
}

func TestCompileSchema(t *testing.T) {
	schema, err := CompileSchema(enforceSchema)
	require.NoError(t, err)
	require.NotNil(t, schema)

	_, err = CompileSchema(json.RawMessage(`{"type": "nope"}`))
	require.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{
			name: "bare object",
			text: `{"a": 1}`,
			want: `{"a": 1}`,
		},
		{
			name: "json fence",
			text: "```json\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "plain fence",
			text: "```\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "prose around object",
			text: `Sure! The result is {"a": 1} as requested.`,
			want: `{"a": 1}`,
		},
		{
			name: "braces inside strings",
			text: `{"msg": "use {curly} braces", "n": {"x": 2}}`,
			want: `{"msg": "use {curly} braces", "n": {"x": 2}}`,
		},
		{
			name: "escaped quote inside string",
			text: `{"msg": "quote \" and brace }"}`,
			want: `{"msg": "quote \" and brace }"}`,
		},
		{
			name:    "no object",
			text:    "there is nothing structured here",
			wantErr: true,
		},
		{
			name:    "unterminated object",
			text:    `{"a": 1`,
			wantErr: true,
		},
		{
			name:    "empty input",
			text:    "   ",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
