// Package tools implements the capability registry the agent runner
// dispatches model tool calls through.
package tools

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/szaher/deskmate/internal/llm"
)

// Executor executes a tool call and returns the result as a string.
type Executor interface {
	Execute(ctx context.Context, input map[string]interface{}) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input map[string]interface{}) (string, error)

// Execute calls f(ctx, input).
func (f ExecutorFunc) Execute(ctx context.Context, input map[string]interface{}) (string, error) {
	return f(ctx, input)
}

// Registry manages tool executors and dispatches tool calls.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	tools     map[string]llm.ToolDefinition
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		tools:     make(map[string]llm.ToolDefinition),
	}
}

// Register adds a tool executor to the registry, replacing any tool
// already registered under name.
func (r *Registry) Register(name string, def llm.ToolDefinition, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def.Name = name
	r.executors[name] = executor
	r.tools[name] = def
}

// Execute dispatches a tool call to its registered executor.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	r.mu.RLock()
	executor, ok := r.executors[call.Name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tool %q not registered", call.Name)
	}

	return executor.Execute(ctx, call.Input)
}

// ExecuteConcurrent dispatches multiple tool calls concurrently and returns
// results in call order. Failures become error results.
func (r *Registry) ExecuteConcurrent(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc llm.ToolCall) {
			defer wg.Done()
			results[idx] = r.Run(ctx, tc)
		}(i, call)
	}

	wg.Wait()
	return results
}

// Run executes a single call and converts a failure into an error result.
func (r *Registry) Run(ctx context.Context, tc llm.ToolCall) llm.ToolResult {
	output, err := r.Execute(ctx, tc)
	if err != nil {
		return llm.ToolResult{ToolUseID: tc.ID, Content: err.Error(), IsError: true}
	}
	return llm.ToolResult{ToolUseID: tc.ID, Content: output}
}

// Definitions returns all registered tool definitions sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Filter returns a registry holding only the tools whose names match one
// of the allowed glob patterns (path.Match syntax, e.g. "calendar__*").
// An empty allowed list returns r itself.
func (r *Registry) Filter(allowed []string) *Registry {
	if len(allowed) == 0 {
		return r
	}

	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, def := range r.tools {
		for _, pattern := range allowed {
			if ok, _ := path.Match(pattern, name); ok {
				out.executors[name] = r.executors[name]
				out.tools[name] = def
				break
			}
		}
	}
	return out
}
