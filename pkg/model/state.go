package model

import (
	"encoding/json"
	"time"
)

// RollingSummary is a structured, fixed-shape summary updated incrementally
// rather than rewritten, so successive summarizations are mergeable.
type RollingSummary struct {
	UserProfile    string   `json:"user_profile"`
	ActiveTopics   []string `json:"active_topics"`
	Decisions      []string `json:"decisions"`
	OpenQuestions  []string `json:"open_questions"`
	ToolContext    string   `json:"tool_context"`
}

// MaxActiveTopics, MaxDecisions, and MaxOpenQuestions cap the rolling
// summary's list fields per the state model invariant.
const (
	MaxActiveTopics  = 5
	MaxDecisions     = 10
	MaxOpenQuestions = 5
)

// Turn is a committed user<->assistant message pair, with any tool
// interactions in between. Turns are assembled in the agent loop and only
// committed to state after the assistant half is produced.
type Turn struct {
	UserMessage      string          `json:"user_message"`
	AssistantMessage string          `json:"assistant_message"`
	Timestamp        time.Time       `json:"timestamp"`
	UserMsgID        string          `json:"user_msg_id"`
	AssistantMsgID   string          `json:"assistant_msg_id"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
	ToolResults      json.RawMessage `json:"tool_results,omitempty"`
}

// RecentTurnsCap is the maximum number of complete turns retained verbatim
// in SessionState.RecentTurns; older turns live only in RollingSummary
// and/or long-term memory.
const RecentTurnsCap = 30

// SessionState is the materialized, derived view of a session's current
// live context: a single JSON blob per session, the authoritative fast
// path for the agent loop (the event log remains the system of record).
type SessionState struct {
	SessionID         string         `json:"session_id"`
	RollingSummary    RollingSummary `json:"rolling_summary"`
	RecentTurns       []Turn         `json:"recent_turns"`
	TokenCountEstimate int           `json:"token_count_estimate"`
	MessageCount      int            `json:"message_count"`
	LastCompactionTS  time.Time      `json:"last_compaction_ts,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewSessionState returns a freshly materialized, empty state for a session.
func NewSessionState(sessionID string) *SessionState {
	now := time.Now()
	return &SessionState{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
