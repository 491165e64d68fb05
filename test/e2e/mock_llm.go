package e2e

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aiops-hub/maestro/pkg/llm"
)

// LLMScriptEntry defines a single scripted model response.
type LLMScriptEntry struct {
	// Response content (exactly one of Text/ToolCalls/Error is the outcome)
	Text      string         // final text returned to the step
	ToolCalls []llm.ToolCall // tool invocations; the step loops back with results
	Error     error          // returned from Complete()

	// Test control
	BlockUntilCancelled bool            // park Complete() until ctx ends, then return ctx.Err()
	WaitCh              <-chan struct{} // park Complete() until closed, then answer normally
	OnBlock             chan<- struct{} // notified when Complete() enters its blocking path
}

// ScriptedLLM implements both llm.Resolver and llm.Client with a
// dual-dispatch mock: per-node routing for graphs where call order is
// non-deterministic, plus a sequential fallback for everything the router
// cannot attribute (synthesis, corrective retries, custom-prompt agents).
type ScriptedLLM struct {
	mu         sync.Mutex
	sequential []LLMScriptEntry // consumed in order for non-routed calls
	seqIndex   int
	routes     map[string][]LLMScriptEntry // node ID → per-node script
	routeIndex map[string]int              // node ID → current index
	captured   []*llm.Request
}

// NewScriptedLLM creates an empty scripted client.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{
		routes:     make(map[string][]LLMScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// Resolve implements llm.Resolver. Every model reference resolves to the
// script itself, so teams can name any catalog model.
func (c *ScriptedLLM) Resolve(_ context.Context, _, _ string) (llm.Client, error) {
	return c, nil
}

// AddSequential adds an entry consumed in order for non-routed calls.
func (c *ScriptedLLM) AddSequential(entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddRouted adds an entry for a specific node ID (matched from the default
// system prompt). Used for parallel graphs where nodes need differentiated
// responses.
func (c *ScriptedLLM) AddRouted(nodeID string, entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[nodeID] = append(c.routes[nodeID], entry)
}

// Complete implements llm.Client.
func (c *ScriptedLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	// BlockUntilCancelled: the step observes the context error directly,
	// which IsTransient classifies as permanent.
	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	// WaitCh: park until released, then answer normally.
	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if entry.Error != nil {
		return nil, entry.Error
	}

	resp := &llm.Response{
		Text:         entry.Text,
		ToolCalls:    entry.ToolCalls,
		StopReason:   "end_turn",
		InputTokens:  10,
		OutputTokens: 5,
	}
	if len(entry.ToolCalls) > 0 {
		resp.StopReason = "tool_use"
	}
	return resp, nil
}

// CallCount returns the total number of Complete() calls made.
func (c *ScriptedLLM) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// Requests returns a copy of every request seen, in arrival order.
func (c *ScriptedLLM) Requests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*llm.Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// nextEntry selects the next script entry using dual dispatch.
// Must be called with c.mu held.
func (c *ScriptedLLM) nextEntry(req *llm.Request) (*LLMScriptEntry, error) {
	nodeID := extractNodeID(req)

	// Routed dispatch first; an exhausted route falls back to sequential.
	if nodeID != "" {
		if entries, ok := c.routes[nodeID]; ok {
			idx := c.routeIndex[nodeID]
			if idx < len(entries) {
				c.routeIndex[nodeID] = idx + 1
				return &entries[idx], nil
			}
		}
	}

	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}

	return nil, fmt.Errorf("ScriptedLLM: no more entries (node=%q, sequential=%d/%d)",
		nodeID, c.seqIndex, len(c.sequential))
}

// extractNodeID pulls the node ID out of the default system prompt
// "You are agent <id>.", which nodes without custom instructions carry.
// Synthesis and custom-instruction prompts don't match and dispatch
// sequentially.
func extractNodeID(req *llm.Request) string {
	const preamble = "You are agent "
	for _, msg := range req.Messages {
		if msg.Role != llm.RoleSystem {
			continue
		}
		if !strings.HasPrefix(msg.Content, preamble) {
			return ""
		}
		rest := msg.Content[len(preamble):]
		end := strings.IndexAny(rest, ".\n")
		if end <= 0 {
			return ""
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}
