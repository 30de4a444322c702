package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/relaygate/conduit/pkg/model"
)

// ShellExecSchema is the JSON schema advertised to the model. This tool
// is always policy-gated to "ask" or "deny" in practice; it exists to
// exercise the permission bridge end to end with a realistically
// dangerous capability.
const ShellExecSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "description": "Shell command to execute"}
  },
  "required": ["command"]
}`

// NewShellExecTool returns the "shell_exec" tool definition, grounded on
// the teacher's internal/tools/exec manager (exec.CommandContext against
// /bin/sh -c, bounded by a context timeout).
func NewShellExecTool(timeout time.Duration) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "shell_exec",
		Capability:  "shell_exec",
		Description: "Execute a shell command and return its combined output.",
		Parameters:  json.RawMessage(ShellExecSchema),
		Required:    []string{"command"},
		Executor: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return "", fmt.Errorf("command is required")
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out
			if err := cmd.Run(); err != nil {
				return out.String(), fmt.Errorf("command failed: %w", err)
			}
			return out.String(), nil
		},
	}
}
