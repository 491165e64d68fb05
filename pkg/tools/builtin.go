package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func builtinTools() []Tool {
	return []Tool{
		&echoTool{},
		&currentTimeTool{now: time.Now},
		&jsonQueryTool{},
	}
}

// echoTool returns its input text unchanged. Mostly useful for wiring
// checks and tests.
type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Return the provided text unchanged." }

func (t *echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "Text to echo back"}
		},
		"required": ["text"]
	}`)
}

func (t *echoTool) Call(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		return "", fmt.Errorf("echo: missing required string argument 'text'")
	}
	return text, nil
}

// currentTimeTool reports the current time in UTC.
type currentTimeTool struct {
	now func() time.Time
}

func (t *currentTimeTool) Name() string { return "current_time" }

func (t *currentTimeTool) Description() string {
	return "Get the current time in UTC, as RFC 3339 or a Unix timestamp."
}

func (t *currentTimeTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"format": {
				"type": "string",
				"enum": ["rfc3339", "unix"],
				"description": "Output format, defaults to rfc3339"
			}
		}
	}`)
}

func (t *currentTimeTool) Call(_ context.Context, args map[string]any) (string, error) {
	now := t.now().UTC()
	format, _ := args["format"].(string)
	switch format {
	case "", "rfc3339":
		return now.Format(time.RFC3339), nil
	case "unix":
		return strconv.FormatInt(now.Unix(), 10), nil
	default:
		return "", fmt.Errorf("current_time: unsupported format %q", format)
	}
}

// jsonQueryTool extracts a value from a JSON document by dotted path, e.g.
// "items.0.name".
type jsonQueryTool struct{}

func (t *jsonQueryTool) Name() string { return "json_query" }

func (t *jsonQueryTool) Description() string {
	return "Extract a value from a JSON document using a dotted path like 'items.0.name'."
}

func (t *jsonQueryTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"json": {"type": "string", "description": "JSON document to query"},
			"path": {"type": "string", "description": "Dotted path into the document"}
		},
		"required": ["json", "path"]
	}`)
}

func (t *jsonQueryTool) Call(_ context.Context, args map[string]any) (string, error) {
	doc, ok := args["json"].(string)
	if !ok {
		return "", fmt.Errorf("json_query: missing required string argument 'json'")
	}
	path, ok := args["path"].(string)
	if !ok {
		return "", fmt.Errorf("json_query: missing required string argument 'path'")
	}

	var value any
	if err := json.Unmarshal([]byte(doc), &value); err != nil {
		return "", fmt.Errorf("json_query: invalid JSON document: %w", err)
	}

	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return "", fmt.Errorf("json_query: empty path segment in %q", path)
		}
		switch v := value.(type) {
		case map[string]any:
			next, exists := v[segment]
			if !exists {
				return "", fmt.Errorf("json_query: key %q not found", segment)
			}
			value = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil {
				return "", fmt.Errorf("json_query: %q is not an array index", segment)
			}
			if idx < 0 || idx >= len(v) {
				return "", fmt.Errorf("json_query: index %d out of range (len %d)", idx, len(v))
			}
			value = v[idx]
		default:
			return "", fmt.Errorf("json_query: cannot descend into %T at %q", value, segment)
		}
	}

	if s, ok := value.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("json_query: encoding result: %w", err)
	}
	return string(encoded), nil
}
