// Package tools holds the registry of callable tools agents may reference
// by name in their topologies, plus the built-in tool set.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tool is one callable capability. Call returns the textual result handed
// back to the model.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Definition is the advertised shape of a tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Result is the outcome of one tool invocation. Failures during execution
// are carried as IsError content for the model to react to, not as Go
// errors; only unknown tools are hard failures, handled by the caller via
// Lookup.
type Result struct {
	CallID     string
	Name       string
	Content    string
	IsError    bool
	OutputHash string
	DurationMS int64
}

// Registry is the named tool set. Read-mostly after startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewBuiltinRegistry creates a registry holding the built-in tools.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, t := range builtinTools() {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	slog.Info("Tool registry initialized", "tools", len(r.tools))
	return r
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether the named tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Definitions returns all tools' advertised shapes, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefinitionsFor returns the shapes of the named tools only. Unknown names
// error; topology validation should have caught them earlier.
func (r *Registry) DefinitionsFor(names []string) ([]Definition, error) {
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown tool: %s", name)
		}
		out = append(out, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return out, nil
}

// Execute runs a known tool with the raw JSON arguments from a model tool
// call. Argument and execution failures come back as IsError results.
func (r *Registry) Execute(ctx context.Context, tool Tool, callID, argumentsJSON string) *Result {
	start := time.Now()
	res := &Result{CallID: callID, Name: tool.Name()}

	args := map[string]any{}
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			res.Content = fmt.Sprintf("invalid tool arguments: %s", err)
			res.IsError = true
			return finishResult(res, start)
		}
	}
	content, err := tool.Call(ctx, args)
	if err != nil {
		res.Content = err.Error()
		res.IsError = true
		return finishResult(res, start)
	}
	res.Content = content
	return finishResult(res, start)
}

func finishResult(res *Result, start time.Time) *Result {
	res.DurationMS = time.Since(start).Milliseconds()
	sum := sha256.Sum256([]byte(res.Content))
	res.OutputHash = hex.EncodeToString(sum[:])
	return res
}
