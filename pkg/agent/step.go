package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/llm"
	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/tools"
)

// retryBackoff is the sleep schedule between transient-failure retries.
var retryBackoff = [...]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// llmAttempts is the total number of tries per LLM call: the initial call
// plus one retry per backoff entry.
const llmAttempts = len(retryBackoff) + 1

// synthesisTemperature keeps the final summary conservative regardless of
// the supervisor's configured sampling temperature.
const synthesisTemperature = 0.3

// UpstreamResult is one completed dependency's output, passed downstream.
type UpstreamResult struct {
	NodeID string
	Output string
}

// StepRequest describes one node run.
type StepRequest struct {
	ExecutionID   string
	Node          *models.Node
	Task          string
	Parameters    map[string]any
	Upstream      []UpstreamResult
	MaxIterations int
}

// StepResult is the node's final answer. Attempts counts every LLM call
// made, including retries of failed ones.
type StepResult struct {
	Output   string
	Attempts int
}

// StepRunner executes single nodes: it resolves the node's model, drives
// the tool-calling loop, and retries transient provider failures with
// exponential backoff.
type StepRunner struct {
	resolver llm.Resolver
	tools    *tools.Registry
	bus      *events.Bus

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewStepRunner(resolver llm.Resolver, toolRegistry *tools.Registry, bus *events.Bus) *StepRunner {
	return &StepRunner{
		resolver: resolver,
		tools:    toolRegistry,
		bus:      bus,
		sleep:    sleepContext,
	}
}

// RunNode drives one node to its final answer. The loop calls the model,
// executes any requested tools, and feeds results back until the model
// answers without tool calls or the iteration budget runs out; an exhausted
// budget forces a conclusion with tools withheld. When the step fails after
// LLM calls were made, the returned result still carries the attempt count.
func (r *StepRunner) RunNode(ctx context.Context, req *StepRequest) (*StepResult, error) {
	node := req.Node
	ref := node.AgentConfig.ModelRef
	if ref.Provider == "" || ref.ModelID == "" {
		return nil, fmt.Errorf("node %s has no model configured", node.ID)
	}

	client, err := r.resolver.Resolve(ctx, ref.Provider, ref.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model %s: %w", ref, err)
	}

	boundTools, err := r.tools.DefinitionsFor(node.AgentConfig.Tools)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: SystemPrompt(node)},
		{Role: llm.RoleUser, Content: UserPrompt(req.Task, req.Parameters, req.Upstream)},
	}

	result := &StepResult{}
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = models.MaxIterationsDefault
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := r.complete(ctx, req.ExecutionID, node.ID, client, &llm.Request{
			Model:       ref.ModelID,
			Messages:    messages,
			Tools:       toolDefinitions(boundTools),
			Temperature: node.AgentConfig.Temperature,
			MaxTokens:   node.AgentConfig.MaxTokens,
		}, &result.Attempts)
		if err != nil {
			return result, err
		}

		if len(resp.ToolCalls) == 0 {
			result.Output = resp.Text
			return result, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			toolMsg, err := r.executeToolCall(ctx, req.ExecutionID, node.ID, tc)
			if err != nil {
				return result, err
			}
			messages = append(messages, toolMsg)
		}
	}

	// Budget exhausted: demand an answer and withhold the tools so the
	// model cannot keep iterating.
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: forcedConclusionPrompt(maxIterations),
	})
	resp, err := r.complete(ctx, req.ExecutionID, node.ID, client, &llm.Request{
		Model:       ref.ModelID,
		Messages:    messages,
		Temperature: node.AgentConfig.Temperature,
		MaxTokens:   node.AgentConfig.MaxTokens,
	}, &result.Attempts)
	if err != nil {
		return result, err
	}
	result.Output = resp.Text
	return result, nil
}

// executeToolCall runs one requested tool and returns its tool-role reply.
// A tool the registry does not know is a hard failure; a tool that errors
// is reported back to the model as an error result instead.
func (r *StepRunner) executeToolCall(ctx context.Context, executionID, nodeID string, tc llm.ToolCall) (llm.Message, error) {
	tool, ok := r.tools.Lookup(tc.Name)
	if !ok {
		return llm.Message{}, fmt.Errorf("unknown tool: %s", tc.Name)
	}

	res := r.tools.Execute(ctx, tool, tc.ID, tc.Arguments)
	if err := r.bus.PublishToolCall(ctx, executionID, nodeID, tc.Name, tc.Arguments, res.OutputHash, res.DurationMS); err != nil {
		return llm.Message{}, fmt.Errorf("failed to publish tool call event: %w", err)
	}

	return llm.Message{
		Role:       llm.RoleTool,
		Content:    res.Content,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		IsError:    res.IsError,
	}, nil
}

// complete issues one logical LLM call, retrying transient provider
// failures with 1s/2s/4s backoff. Every attempt, successful or not, is
// counted into attempts.
func (r *StepRunner) complete(ctx context.Context, executionID, nodeID string, client llm.Client, req *llm.Request, attempts *int) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt < llmAttempts; attempt++ {
		*attempts++
		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !llm.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt == llmAttempts-1 {
			break
		}
		if err := r.bus.PublishLLMRetry(ctx, executionID, nodeID, attempt+1, err.Error()); err != nil {
			return nil, fmt.Errorf("failed to publish retry event: %w", err)
		}
		if err := r.sleep(ctx, retryBackoff[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", llmAttempts, lastErr)
}

// Synthesize runs the entry supervisor's model once over the terminal
// results to produce the execution output.
func (r *StepRunner) Synthesize(ctx context.Context, executionID string, supervisor *models.Node, task string, results []UpstreamResult) (string, error) {
	ref := supervisor.AgentConfig.ModelRef
	if ref.Provider == "" || ref.ModelID == "" {
		return "", fmt.Errorf("supervisor %s has no model configured", supervisor.ID)
	}
	client, err := r.resolver.Resolve(ctx, ref.Provider, ref.ModelID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve model %s: %w", ref, err)
	}

	var attempts int
	resp, err := r.complete(ctx, executionID, supervisor.ID, client, &llm.Request{
		Model:       ref.ModelID,
		Messages:    SynthesisMessages(task, results),
		Temperature: synthesisTemperature,
		MaxTokens:   supervisor.AgentConfig.MaxTokens,
	}, &attempts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func toolDefinitions(defs []tools.Definition) []llm.ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
