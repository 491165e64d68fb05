package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aiops-hub/maestro/pkg/llm"
	"github.com/aiops-hub/maestro/pkg/models"
)

// EnforceMaxAttempts caps structured-output attempts: the original answer
// plus up to two corrective re-invocations.
const EnforceMaxAttempts = 3

// EnforceRequest asks for the raw output of a terminal node to be validated
// against a JSON schema, re-invoking the node's model with corrective
// prompts when it does not conform.
type EnforceRequest struct {
	ExecutionID string
	NodeID      string
	Model       models.ModelRef
	Temperature float64
	MaxTokens   int
	Schema      json.RawMessage
	Raw         string
}

// EnforceOutcome carries the structured result or, after exhausting the
// attempts, the last validation error alongside the untouched raw output.
type EnforceOutcome struct {
	Structured json.RawMessage
	ParseError string
	Attempts   int
}

// CompileSchema parses and compiles a JSON schema document. Used both at
// trigger time to reject malformed schemas and during enforcement.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// EnforceSchema validates raw output against the request schema. The first
// attempt validates the answer as produced; each subsequent attempt asks
// the model to repair it, quoting the schema and the validator's error.
// Enforcement never fails the execution: when all attempts are spent the
// outcome records the parse error and the caller keeps the raw output.
func (r *StepRunner) EnforceSchema(ctx context.Context, req *EnforceRequest) *EnforceOutcome {
	outcome := &EnforceOutcome{}

	schema, err := CompileSchema(req.Schema)
	if err != nil {
		outcome.ParseError = err.Error()
		return outcome
	}

	candidate := req.Raw
	for attempt := 1; attempt <= EnforceMaxAttempts; attempt++ {
		outcome.Attempts = attempt

		structured, verr := validateCandidate(schema, candidate)
		if verr == nil {
			outcome.Structured = structured
			outcome.ParseError = ""
			return outcome
		}
		outcome.ParseError = verr.Error()

		if attempt == EnforceMaxAttempts {
			break
		}
		repaired, err := r.requestRepair(ctx, req, candidate, verr)
		if err != nil {
			slog.Warn("Structured output repair call failed",
				"execution_id", req.ExecutionID,
				"node_id", req.NodeID,
				"attempt", attempt,
				"error", err)
			break
		}
		candidate = repaired
	}
	return outcome
}

// requestRepair re-invokes the node's model with a corrective prompt built
// from the schema and the validation failure.
func (r *StepRunner) requestRepair(ctx context.Context, req *EnforceRequest, previous string, verr error) (string, error) {
	client, err := r.resolver.Resolve(ctx, req.Model.Provider, req.Model.ModelID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve model %s: %w", req.Model, err)
	}

	var attempts int
	resp, err := r.complete(ctx, req.ExecutionID, req.NodeID, client, &llm.Request{
		Model: req.Model.ModelID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You repair JSON output so it conforms to a schema."},
			{Role: llm.RoleAssistant, Content: previous},
			{Role: llm.RoleUser, Content: correctivePrompt(req.Schema, verr.Error())},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, &attempts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// validateCandidate extracts the JSON payload from the model's answer and
// validates it. On success it returns the extracted JSON.
func validateCandidate(schema *jsonschema.Schema, raw string) (json.RawMessage, error) {
	extracted, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(extracted, &payload); err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, err
	}
	return extracted, nil
}

// ExtractJSON pulls a JSON object out of free-form model text: a ```json
// fence first, then a bare ``` fence, then the first balanced {...} span.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("output is empty")
	}

	if fenced, ok := extractFence(trimmed, "```json"); ok {
		trimmed = fenced
	} else if fenced, ok := extractFence(trimmed, "```"); ok {
		trimmed = fenced
	}

	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return nil, fmt.Errorf("output contains no JSON object")
	}
	end, ok := matchBrace(trimmed, start)
	if !ok {
		return nil, fmt.Errorf("output contains an unterminated JSON object")
	}
	candidate := trimmed[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("output is not valid JSON")
	}
	return json.RawMessage(candidate), nil
}

func extractFence(text, opener string) (string, bool) {
	start := strings.Index(text, opener)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(opener):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// matchBrace finds the index of the brace closing the one at start,
// ignoring braces inside JSON strings.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
