package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements Client on top of the Anthropic Messages API.
type AnthropicClient struct {
	messages *sdk.MessageService
}

// NewAnthropicClient builds a client for one endpoint. baseURL may be empty
// for the provider default.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return &AnthropicClient{messages: &ac.Messages}
}

// Complete issues a non-streaming Messages.New request.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.messages.New(ctx, *params)
	if err != nil {
		return nil, classifyAnthropic(err)
	}
	return translateAnthropic(msg), nil
}

func (c *AnthropicClient) prepareRequest(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	conversation, system, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(req.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return &params, nil
}

// encodeAnthropicMessages maps generic turns onto the Messages API shape:
// system turns become top-level system blocks, and tool results ride in
// user messages immediately after the assistant turn that requested them.
func encodeAnthropicMessages(msgs []Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	var pendingResults []sdk.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleUser:
			flushResults()
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			flushResults()
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flushResults()
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema sdk.ToolInputSchemaParam
		if len(def.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(def.InputSchema, &m); err == nil {
				schema = sdk.ToolInputSchemaParam{ExtraFields: m}
			}
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func translateAnthropic(msg *sdk.Message) *Response {
	resp := &Response{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return resp
}

func classifyAnthropic(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Provider:   "anthropic",
			StatusCode: apierr.StatusCode,
			Retryable:  retryableStatus(apierr.StatusCode),
			Err:        err,
		}
	}
	// Transport-level failure: connection refused, timeouts, DNS.
	return &ProviderError{Provider: "anthropic", Retryable: true, Err: err}
}
