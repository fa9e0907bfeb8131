// Package tools implements the agent-facing tool registry: workspace
// file operations, command execution, the dev-server manager, and the
// workflow decision sentinel.
//
// Tools never return Go errors to the model. Operational failures come
// back as "Error: ..." result strings so the LLM can read and react to
// them; a Go error would abort the whole run for a recoverable mistake
// like a bad path.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/llm"
)

// Tool is a single callable tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the tool arguments.
	Parameters() map[string]any
	// Execute runs the tool. Failures are reported in the result string.
	Execute(ctx context.Context, args map[string]any) string
}

// Registry holds the tools available to agents.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns LLM tool definitions for the named subset. Names
// without a registered tool are skipped.
func (r *Registry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs the named tool. An unknown tool is itself an error
// string so the model can correct course.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	return t.Execute(ctx, args)
}

// reflectSchema derives a JSON Schema from an args struct.
func reflectSchema(v any) map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)

	b, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	delete(m, "$schema")
	return m
}

// stringArg extracts a string argument, tolerating absent keys.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
