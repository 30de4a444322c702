// Package tools implements the tool registry consulted by the agent
// loop's execute-tools phase, grounded on the teacher's
// internal/agent/tool_registry.go (thread-safe name->Tool map, size caps
// on name/params, policy-aware execution).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaygate/conduit/pkg/model"
)

// MaxToolNameLength bounds a tool name to prevent resource exhaustion via
// pathological model output.
const MaxToolNameLength = 256

// MaxToolParamsSize bounds a tool call's argument JSON to 1MB.
const MaxToolParamsSize = 1 << 20

// Registry is a thread-safe name -> ToolDefinition map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]model.ToolDefinition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]model.ToolDefinition)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def model.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (model.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Manifest returns the LLM-facing view of every registered tool, for
// inclusion in a CompletionRequest.
func (r *Registry) Manifest() []model.ToolManifestEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolManifestEntry, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, model.ToolManifestEntry{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

// Execute validates name/params against size limits, looks up the tool,
// and runs its executor. A missing tool or size violation produces a
// non-OK ToolResult rather than an error, the same way the teacher's
// Execute reports it as part of the conversation rather than aborting
// the run.
func (r *Registry) Execute(ctx context.Context, call model.ToolCall) model.ToolResult {
	if len(call.Name) > MaxToolNameLength {
		return model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "tool name exceeds maximum length"}
	}
	if len(call.Arguments) > MaxToolParamsSize {
		return model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "tool arguments exceed maximum size"}
	}

	def, ok := r.Get(call.Name)
	if !ok {
		return model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "tool not found: " + call.Name}
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return model.ToolResult{ToolCallID: call.ID, OK: false, Reason: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	content, err := def.Executor(ctx, args)
	if err != nil {
		return model.ToolResult{ToolCallID: call.ID, OK: false, Reason: err.Error()}
	}
	return model.ToolResult{ToolCallID: call.ID, OK: true, Content: content}
}

// CapabilityOf returns the capability string a tool call should be
// evaluated against by policy, defaulting to the tool name itself when no
// definition is registered (so unknown tools still get a deny/ask
// decision rather than bypassing policy).
func (r *Registry) CapabilityOf(name string) string {
	if def, ok := r.Get(name); ok && def.Capability != "" {
		return def.Capability
	}
	return name
}
