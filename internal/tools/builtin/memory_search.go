// Package builtin provides the small set of native tools wired in by
// default, illustrating the capability/policy/permission path end to end.
// Grounded on the teacher's internal/tools/memorysearch (Config/
// NewMemorySearchTool/Schema/Execute shape) and internal/tools/exec for
// the shell tool's capability/timeout handling.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaygate/conduit/pkg/model"
)

// MemorySearchSchema is the JSON schema advertised to the model.
const MemorySearchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query over long-term memory"},
    "limit": {"type": "integer", "description": "Maximum results to return"}
  },
  "required": ["query"]
}`

// MemorySearchFunc performs the actual hybrid search, injected from the
// wired-up internal/memory search manager so this package stays free of
// a dependency on the memory subsystem's concrete types.
type MemorySearchFunc func(ctx context.Context, sessionID, query string, limit int) (string, error)

// NewMemorySearchTool returns the "memory_search" tool definition, capable
// of reading prior long-term memory for the active session.
func NewMemorySearchTool(sessionID string, search MemorySearchFunc) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "memory_search",
		Capability:  "memory_search",
		Description: "Search the user's long-term memory for relevant facts, preferences, and decisions.",
		Parameters:  json.RawMessage(MemorySearchSchema),
		Required:    []string{"query"},
		Executor: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := 5
			if l, ok := args["limit"].(float64); ok && l > 0 {
				limit = int(l)
			}
			return search(ctx, sessionID, query, limit)
		},
	}
}
