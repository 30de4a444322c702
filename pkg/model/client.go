package model

import "time"

// ClientRecord describes one connected socket's attachment to a session.
// It is exclusively owned by the connection manager; the socket is the
// unique key.
type ClientRecord struct {
	Socket             string
	ClientType         ClientType
	SessionID          string
	HistoryLimit       int
	LastPaginationState string
}

// PermissionRequest is a transient request created when the agent loop's
// next action requires an "ask" policy decision. It is satisfied by a
// matching inbound response frame or times out.
type PermissionRequest struct {
	RequestID  string
	RunID      string
	Capability string
	Preview    string
	Reason     string
	CreatedAt  time.Time
}

// PermissionDecision is the resolved outcome of a PermissionRequest.
type PermissionDecision struct {
	Decision PolicyDecision
	Reason   string // "timeout", "client_gone", "user", ""
}
