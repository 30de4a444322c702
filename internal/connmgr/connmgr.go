// Package connmgr tracks which sockets are attached to which sessions and
// broadcasts session events to them, rewriting each event's view per
// client. Grounded on the teacher's internal/gateway/ws_control_plane.go
// wsSession actor, generalized from one-socket-per-session into the
// session_id -> []*Client / socket -> *Client pair spec.md §4.12 requires.
package connmgr

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaygate/conduit/internal/protocol"
	"github.com/relaygate/conduit/pkg/model"
)

// Client is one connected socket's live handle, registered against
// exactly one session at a time. Send is the frontend's write-loop
// enqueue function; it is treated as best-effort by Broadcast — a
// failing Send marks the client for removal rather than aborting
// delivery to the rest of the session.
type Client struct {
	Socket       string
	Type         model.ClientType
	SessionID    string
	HistoryLimit int
	Send         func(protocol.Frame) error
}

// Manager tracks the live session_id -> []*Client and socket -> *Client
// mappings behind one mutex. Add/remove/lookup are all O(1), matching
// spec.md §4.12's required structure.
type Manager struct {
	mu        sync.Mutex
	bySocket  map[string]*Client
	bySession map[string]map[string]*Client // session_id -> socket -> *Client
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		bySocket:  make(map[string]*Client),
		bySession: make(map[string]map[string]*Client),
	}
}

// Register attaches c to its SessionID. A second Register for the same
// socket replaces the prior record.
func (m *Manager) Register(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySocket[c.Socket] = c
	m.attachLocked(c)
}

// Remove detaches socket from whatever session it was attached to. It is
// a no-op for an unknown socket, matching disconnect handling where the
// client may already have been removed by a failed broadcast send.
func (m *Manager) Remove(socket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySocket[socket]
	if !ok {
		return
	}
	delete(m.bySocket, socket)
	m.detachLocked(c)
}

// SwitchSession atomically moves socket from its current session's
// client set to newSessionID's, so a concurrent Broadcast never observes
// the client attached to both or neither.
func (m *Manager) SwitchSession(socket, newSessionID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySocket[socket]
	if !ok {
		return nil, fmt.Errorf("connmgr: unknown socket %q", socket)
	}
	m.detachLocked(c)
	c.SessionID = newSessionID
	m.attachLocked(c)
	return c, nil
}

func (m *Manager) attachLocked(c *Client) {
	set, ok := m.bySession[c.SessionID]
	if !ok {
		set = make(map[string]*Client)
		m.bySession[c.SessionID] = set
	}
	set[c.Socket] = c
}

func (m *Manager) detachLocked(c *Client) {
	set, ok := m.bySession[c.SessionID]
	if !ok {
		return
	}
	delete(set, c.Socket)
	if len(set) == 0 {
		delete(m.bySession, c.SessionID)
	}
}

// Get returns the client registered for socket, if any.
func (m *Manager) Get(socket string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySocket[socket]
	return c, ok
}

// ClientsForSession returns a snapshot of the clients currently attached
// to sessionID.
func (m *Manager) ClientsForSession(sessionID string) []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.bySession[sessionID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Broadcast sends eventName/payload to every client attached to
// sessionID, transforming "message" events with role=user per spec.md
// §4.12: a telegram client that didn't send the message gets a
// sender-prefixed content string; every other client type gets an added
// fromSelf boolean. Other event kinds, and non-user-role messages, pass
// through unchanged. A client whose Send fails is removed once the rest
// of the session has been delivered to.
func (m *Manager) Broadcast(sessionID, senderSocket, eventName string, payload any) {
	clients := m.ClientsForSession(sessionID)
	if len(clients) == 0 {
		return
	}

	senderType := model.ClientType("")
	if sender, ok := m.Get(senderSocket); ok {
		senderType = sender.Type
	}

	var failed []string
	for _, c := range clients {
		view := transformForClient(eventName, payload, c, senderSocket, senderType)
		if err := c.Send(protocol.NewEvent(eventName, view)); err != nil {
			failed = append(failed, c.Socket)
		}
	}
	for _, socket := range failed {
		m.Remove(socket)
	}
}

func transformForClient(eventName string, payload any, c *Client, senderSocket string, senderType model.ClientType) any {
	if eventName != "message" {
		return payload
	}

	view, ok := asMap(payload)
	if !ok {
		return payload
	}
	if role, _ := view["role"].(string); role != string(model.RoleUser) {
		return payload
	}

	isSender := c.Socket == senderSocket
	if c.Type == model.ClientTelegram {
		if !isSender {
			content, _ := view["content"].(string)
			view["content"] = fmt.Sprintf("\U0001F4AC [From %s] %s", senderType, content)
		}
		return view
	}

	view["fromSelf"] = isSender
	return view
}

// asMap returns an independent copy of payload as a map, so each client's
// transformed view can be mutated without one client's rewrite leaking
// into another's.
func asMap(payload any) (map[string]any, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, false
	}
	return view, true
}
