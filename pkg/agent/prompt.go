// Package agent runs a single topology node end to end: prompt
// construction, the LLM tool-calling loop with transient retry, and
// structured-output enforcement for the final result.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aiops-hub/maestro/pkg/llm"
	"github.com/aiops-hub/maestro/pkg/models"
)

// upstreamExcerptLen caps how much of each upstream output is inlined into a
// downstream prompt.
const upstreamExcerptLen = 2000

// synthesisSystemTemplate is the system prompt for the final synthesis call.
// %s = original task, %s = formatted per-source results.
const synthesisSystemTemplate = `You are synthesizing the results from multiple agents/nodes.

Original task: %s

Results to synthesize:
%s

Please provide a coherent summary that:
1. Integrates all relevant findings
2. Highlights key insights
3. Provides actionable conclusions
4. Notes any conflicts or uncertainties between results`

const synthesisUserMessage = "Please synthesize these results."

// forcedConclusionTemplate asks for a final answer once the tool loop has
// used up its iteration budget. %d = iteration count.
const forcedConclusionTemplate = `You have reached the iteration limit (%d iterations).

Provide your final answer now based on what you have gathered so far. Do not request any more tool calls. If gaps remain, state what you could not determine and why.`

// correctiveTemplate asks the model to repair output that failed schema
// validation. %s = schema, %s = validator error.
const correctiveTemplate = `Your previous response did not conform to the required JSON schema.

Required schema:
%s

Validation error:
%s

Respond again with ONLY a JSON object that conforms to the schema. Do not include any prose outside the JSON.`

// SystemPrompt returns the node's system message: its instructions, or a
// minimal identity when none are configured.
func SystemPrompt(node *models.Node) string {
	cfg := node.AgentConfig
	if cfg.Instructions == "" {
		return fmt.Sprintf("You are agent %s.", node.ID)
	}
	if cfg.Role != "" {
		return fmt.Sprintf("Role: %s\n\n%s", cfg.Role, cfg.Instructions)
	}
	return cfg.Instructions
}

// UserPrompt assembles the user message: the task, excerpts of every
// upstream result in topological order, and the run parameters as JSON.
func UserPrompt(task string, params map[string]any, upstream []UpstreamResult) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task)

	if len(upstream) > 0 {
		b.WriteString("\n\nResults from upstream nodes:\n")
		for _, u := range upstream {
			b.WriteString(fmt.Sprintf("\n[%s]:\n%s\n", u.NodeID, excerpt(u.Output)))
		}
	}

	if len(params) > 0 {
		b.WriteString("\n\nContext: ")
		b.WriteString(encodeParams(params))
	}
	return b.String()
}

// SynthesisMessages builds the conversation for the final synthesis call.
func SynthesisMessages(task string, results []UpstreamResult) []llm.Message {
	formatted := make([]string, 0, len(results))
	for _, r := range results {
		formatted = append(formatted, fmt.Sprintf("[%s]:\n%s", r.NodeID, r.Output))
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(synthesisSystemTemplate, task, strings.Join(formatted, "\n\n"))},
		{Role: llm.RoleUser, Content: synthesisUserMessage},
	}
}

func forcedConclusionPrompt(iterations int) string {
	return fmt.Sprintf(forcedConclusionTemplate, iterations)
}

func correctivePrompt(schema json.RawMessage, validationErr string) string {
	return fmt.Sprintf(correctiveTemplate, string(schema), validationErr)
}

func excerpt(s string) string {
	if len(s) <= upstreamExcerptLen {
		return s
	}
	return s[:upstreamExcerptLen] + "..."
}

// encodeParams renders parameters as JSON; map keys marshal in sorted order
// so identical inputs produce identical prompts.
func encodeParams(params map[string]any) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(encoded)
}
