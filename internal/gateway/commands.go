package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/relaygate/conduit/pkg/model"
)

// runCommand handles a slash-command sent as chat.send content, entirely
// on the frontend: these never reach the agent loop. Each produces one
// role=system message broadcast back to the session.
func (c *clientConn) runCommand(sessionID, raw string) {
	fields := strings.Fields(raw)
	name := strings.ToLower(fields[0])
	args := fields[1:]

	var reply string
	switch name {
	case "/help":
		reply = helpText()
	case "/status":
		reply = c.statusText(sessionID)
	case "/sessions":
		reply = c.sessionsText()
	case "/history":
		reply = c.historyText(sessionID)
	case "/switch":
		reply = c.switchCommand(args)
	case "/new":
		reply = c.newCommand()
	default:
		reply = fmt.Sprintf("Unknown command %q. Try /help.", name)
	}

	c.broadcastMessage(model.RoleSystem, reply, uuid.NewString(), "")
}

func helpText() string {
	return strings.Join([]string{
		"Available commands:",
		"/sessions - list your recent sessions",
		"/switch <n> - switch to the nth session from /sessions",
		"/new - start a fresh session",
		"/history - show this session's recent messages",
		"/status - show session stats",
		"/help - show this message",
	}, "\n")
}

func (c *clientConn) statusText(sessionID string) string {
	state, err := c.server.states.GetOrCreate(sessionID)
	if err != nil {
		return fmt.Sprintf("Could not load session status: %v", err)
	}
	return fmt.Sprintf(
		"Session %s: %d messages, ~%d tokens estimated, context window %d.",
		sessionID, state.MessageCount, state.TokenCountEstimate, c.server.contextWindow,
	)
}

func (c *clientConn) sessionsText() string {
	states, err := c.server.states.List()
	if err != nil {
		return fmt.Sprintf("Could not list sessions: %v", err)
	}
	if len(states) == 0 {
		return "No sessions yet."
	}
	var b strings.Builder
	b.WriteString("Recent sessions:\n")
	limit := len(states)
	if limit > 20 {
		limit = 20
	}
	for i, st := range states[:limit] {
		marker := ""
		if st.SessionID == c.sessionID {
			marker = " (current)"
		}
		fmt.Fprintf(&b, "%d. %s - %d messages%s\n", i+1, st.SessionID, st.MessageCount, marker)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *clientConn) historyText(sessionID string) string {
	state, err := c.server.states.GetOrCreate(sessionID)
	if err != nil {
		return fmt.Sprintf("Could not load history: %v", err)
	}
	turns := state.RecentTurns
	if len(turns) > 10 {
		turns = turns[len(turns)-10:]
	}
	if len(turns) == 0 {
		return "No messages yet in this session."
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "user: %s\nassistant: %s\n", truncateLine(t.UserMessage), truncateLine(t.AssistantMessage))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateLine(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// switchCommand resolves a 1-based index into the caller's /sessions
// listing to a session id and switches this client's socket to it.
func (c *clientConn) switchCommand(args []string) string {
	if len(args) != 1 {
		return "Usage: /switch <n> (see /sessions for the list)"
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 1 {
		return "Usage: /switch <n> with n a positive number from /sessions"
	}
	states, err := c.server.states.List()
	if err != nil {
		return fmt.Sprintf("Could not list sessions: %v", err)
	}
	if idx > len(states) {
		return fmt.Sprintf("No session #%d. Run /sessions to see the list.", idx)
	}
	target := states[idx-1].SessionID
	if _, err := c.server.conns.SwitchSession(c.socket, target); err != nil {
		return fmt.Sprintf("Could not switch session: %v", err)
	}
	c.sessionID = target
	c.server.recordSession(c.clientID, target)
	c.sendSessionChanged(target)
	return fmt.Sprintf("Switched to session %s.", target)
}

func (c *clientConn) newCommand() string {
	fresh := uuid.NewString()
	if _, err := c.server.conns.SwitchSession(c.socket, fresh); err != nil {
		return fmt.Sprintf("Could not start a new session: %v", err)
	}
	c.sessionID = fresh
	c.server.recordSession(c.clientID, fresh)
	c.sendSessionChanged(fresh)
	return "Started a new session."
}
