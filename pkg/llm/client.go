// Package llm abstracts the provider SDKs behind a single completion
// client. Adapters translate the generic request shape to each provider's
// wire format and classify failures so callers can retry transient ones.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation. Tool-role messages answer the
// assistant tool call identified by ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	IsError    bool
}

// ToolCall is a model-requested tool invocation. Arguments is the raw
// JSON argument payload.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single completion call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply. ToolCalls non-empty means the model wants
// tool results before concluding.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Client issues completion requests against one provider endpoint.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Resolver turns a catalog model reference into a ready client.
type Resolver interface {
	Resolve(ctx context.Context, provider, modelID string) (Client, error)
}

// ProviderError is a classified provider failure. Retryable marks network
// errors, 5xx, and rate limits; auth and other 4xx failures are permanent.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether the failure is worth retrying with backoff.
// Context cancellation is never transient; it means the execution is being
// torn down.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// retryableStatus classifies an HTTP status from a provider API.
func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
