package model

import (
	"context"
	"encoding/json"
)

// ToolExecutor runs a registered tool's logic against a plain argument map
// and returns the content the model should see, plus any execution error.
type ToolExecutor func(ctx context.Context, args map[string]any) (content string, err error)

// ToolDefinition is immutable after registration: name -> (description,
// JSON-schema parameters, executor, capability).
type ToolDefinition struct {
	Name        string
	Capability  string
	Description string
	Parameters  json.RawMessage // JSON schema
	Required    []string
	Executor    ToolExecutor
}

// ToolManifestEntry is the LLM-facing view of a registered tool.
type ToolManifestEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a single model-requested tool invocation, accumulated from
// streamed name/argument fragments keyed by index.
type ToolCall struct {
	Index     int             `json:"index"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	OK         bool   `json:"ok"`
	Content    string `json:"content"`
	Reason     string `json:"reason,omitempty"`
}

// PolicyDecision is the outcome of evaluating a capability against policy.
type PolicyDecision string

const (
	DecisionAllow PolicyDecision = "allow"
	DecisionAsk   PolicyDecision = "ask"
	DecisionDeny  PolicyDecision = "deny"
)
