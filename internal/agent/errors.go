package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for agent loop operations. Grounded on the teacher's
// internal/agent/errors.go sentinel-error set.
var (
	ErrMaxRounds        = errors.New("agent: max tool-calling rounds exceeded")
	ErrNoProvider       = errors.New("agent: no LLM provider configured")
	ErrToolNotFound     = errors.New("agent: tool not found")
	ErrToolTimeout      = errors.New("agent: tool execution timed out")
	ErrPermissionDenied = errors.New("agent: permission denied")
	ErrRunCancelled     = errors.New("agent: run cancelled")
)

// RunErrorPhase identifies which loop phase produced a RunError.
type RunErrorPhase string

const (
	PhaseErrInit      RunErrorPhase = "init"
	PhaseErrRetrieve  RunErrorPhase = "retrieving_memory"
	PhaseErrStream    RunErrorPhase = "stream"
	PhaseErrExecTools RunErrorPhase = "execute_tools"
	PhaseErrCompact   RunErrorPhase = "compacting"
)

// RunError is the structured error surfaced on a run's terminal failure,
// grounded on the teacher's ToolError (categorized, wraps a cause,
// carries enough context for the gateway to log and report it).
type RunError struct {
	Phase RunErrorPhase
	RunID string
	Cause error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("agent: run %s failed in phase %s: %v", e.RunID, e.Phase, e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }
