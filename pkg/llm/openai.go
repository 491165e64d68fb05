package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAIClient implements Client on top of the Chat Completions API. It also
// serves OpenAI-compatible endpoints via a custom base URL.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient builds a client for one endpoint. baseURL may be empty
// for the provider default.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

// Complete issues a non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: encodeOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if tools := encodeOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Retryable: true, Err: errors.New("empty choices in completion")}
	}
	return translateOpenAI(completion), nil
}

func encodeOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func encodeOpenAITools(defs []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			var params shared.FunctionParameters
			if err := json.Unmarshal(def.InputSchema, &params); err == nil {
				fn.Parameters = params
			}
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

func translateOpenAI(completion *openai.ChatCompletion) *Response {
	choice := completion.Choices[0]
	resp := &Response{
		Text:         choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp
}

func classifyOpenAI(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Provider:   "openai",
			StatusCode: apierr.StatusCode,
			Retryable:  retryableStatus(apierr.StatusCode),
			Err:        fmt.Errorf("chat completion: %w", err),
		}
	}
	return &ProviderError{Provider: "openai", Retryable: true, Err: err}
}
