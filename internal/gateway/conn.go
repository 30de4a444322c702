package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaygate/conduit/internal/agent"
	"github.com/relaygate/conduit/internal/connmgr"
	"github.com/relaygate/conduit/internal/eventlog"
	"github.com/relaygate/conduit/internal/protocol"
	"github.com/relaygate/conduit/pkg/model"
)

// defaultHistoryLimit is the number of prior messages included in a
// session_changed event when the client didn't ask for a specific
// historyLimit, varying by client type the way a terminal client wants
// less scrollback than a persistent web session.
func defaultHistoryLimit(t model.ClientType) int {
	switch t {
	case model.ClientTelegram:
		return 20
	case model.ClientCLI:
		return 30
	default:
		return 50
	}
}

// clientConn is one accepted socket's actor: a read loop decoding and
// dispatching inbound frames, and a write loop draining an outbound
// channel, mirroring the teacher's wsSession.run/readLoop/writeLoop.
type clientConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan protocol.Frame
	ctx    context.Context
	cancel context.CancelFunc

	socket       string
	connected    atomic.Bool
	seq          int64
	sessionID    string
	clientID     string
	clientType   model.ClientType
	historyLimit int
}

func (c *clientConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *clientConn) close() {
	c.cancel()
	c.server.conns.Remove(c.socket)
	if c.sessionID != "" && len(c.server.conns.ClientsForSession(c.sessionID)) == 0 {
		if job, ok := c.server.activeRunFor(c.sessionID); ok {
			c.server.perms.ResolveAllForRun(job.ID, "client_gone")
		}
	}
	close(c.send)
	_ = c.conn.Close()
}

func (c *clientConn) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		if err := protocol.ValidateRequestFrame(data, &frame); err != nil {
			c.sendError(frame.ID, "invalid_frame", err.Error())
			continue
		}

		if !c.connected.Load() {
			if frame.Method != protocol.MethodConnect {
				c.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := c.handleConnect(frame); err != nil {
				c.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		if err := c.dispatch(frame); err != nil {
			c.sendError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (c *clientConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) enqueueFrame(frame protocol.Frame) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *clientConn) sendResponse(id string, payload any) {
	_ = c.enqueueFrame(protocol.NewResponse(id, payload))
}

func (c *clientConn) sendError(id, code, message string) {
	_ = c.enqueueFrame(protocol.NewErrorResponse(id, code, message))
}

func (c *clientConn) sendEvent(name string, payload any) {
	frame := protocol.NewEvent(name, payload)
	seq := atomic.AddInt64(&c.seq, 1)
	frame.Seq = &seq
	_ = c.enqueueFrame(frame)
}

// connmgrSend is registered as this client's connmgr.Client.Send, so
// session broadcasts reach this connection's own write loop rather than
// writing to the socket directly from another goroutine.
func (c *clientConn) connmgrSend(frame protocol.Frame) error {
	if frame.Seq == nil {
		seq := atomic.AddInt64(&c.seq, 1)
		frame.Seq = &seq
	}
	return c.enqueueFrame(frame)
}

func (c *clientConn) handleConnect(frame protocol.Frame) error {
	var params protocol.ConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}

	minP, maxP := params.MinProtocol, params.MaxProtocol
	if minP <= 0 {
		minP = protocolVersion
	}
	if maxP <= 0 {
		maxP = protocolVersion
	}
	if protocolVersion < minP || protocolVersion > maxP {
		return fmt.Errorf("unsupported protocol version")
	}

	if c.server.auth.Enabled() {
		token := ""
		if params.Auth != nil {
			token = params.Auth.Token
		}
		if _, err := c.server.auth.Validate(token); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	c.clientID = params.Client.ID
	if c.clientID == "" {
		c.clientID = c.socket
	}
	c.clientType = model.ClientType(params.Client.Type)
	if c.clientType == "" {
		c.clientType = model.ClientWeb
	}
	c.historyLimit = defaultHistoryLimit(c.clientType)

	sessionID, isNew, seenBefore := c.server.resolveSession(c.clientID, params.SessionPreference)
	c.sessionID = sessionID

	c.server.conns.Register(&connmgr.Client{
		Socket:       c.socket,
		Type:         c.clientType,
		SessionID:    sessionID,
		HistoryLimit: c.historyLimit,
		Send:         c.connmgrSend,
	})

	payload := map[string]any{
		"protocolVersion": protocolVersion,
		"sessionId":       sessionID,
		"capabilities": []string{
			"chat.send", "chat.history", "chat.abort",
			"sessions.list", "sessions.switch", "sessions.new",
			"permission.respond",
		},
	}
	c.sendResponse(frame.ID, payload)
	c.connected.Store(true)

	c.sendSessionChanged(sessionID)
	c.sendWelcome(isNew, seenBefore)
	return nil
}

func (c *clientConn) sendSessionChanged(sessionID string) {
	state, err := c.server.states.GetOrCreate(sessionID)
	if err != nil {
		c.server.logger.Warn("session_changed: load state failed", "session_id", sessionID, "error", err)
		return
	}
	c.sendEvent("session_changed", sessionChangedPayload{
		SessionID: sessionID,
		Messages:  recentMessages(state, c.historyLimit),
		Stats: sessionStats{
			MessageCount:       state.MessageCount,
			ModelName:          c.server.loopCfg.Model,
			TokenCountEstimate: state.TokenCountEstimate,
			ContextWindow:      c.server.contextWindow,
		},
	})
}

func (c *clientConn) sendWelcome(isNew, seenBefore bool) {
	variant := "returning-user"
	switch {
	case isNew && !seenBefore:
		variant = "first-user"
	case isNew && seenBefore:
		variant = "new-session"
	}
	content := welcomeText(variant)
	c.broadcastMessage(model.RoleSystem, content, uuid.NewString(), "")
}

func welcomeText(variant string) string {
	switch variant {
	case "first-user":
		return "Welcome! I'm ready when you are."
	case "new-session":
		return "Starting a new session."
	default:
		return "Welcome back."
	}
}

// broadcastMessage fans a message event out to the whole session via the
// connection manager's per-client view rewriting, rather than writing to
// this socket directly, so every attached client sees it.
func (c *clientConn) broadcastMessage(role model.Role, content, messageID, runID string) {
	c.server.conns.Broadcast(c.sessionID, c.socket, "message", model.MessagePayload{
		Role:      role,
		Content:   content,
		MessageID: messageID,
		RunID:     runID,
	})
}

func (c *clientConn) dispatch(frame protocol.Frame) error {
	switch frame.Method {
	case protocol.MethodPing:
		c.sendResponse(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
		return nil
	case protocol.MethodChatSend:
		return c.handleChatSend(frame)
	case protocol.MethodChatHistory:
		return c.handleChatHistory(frame)
	case protocol.MethodChatAbort:
		return c.handleChatAbort(frame)
	case protocol.MethodSessionsList:
		return c.handleSessionsList(frame)
	case protocol.MethodSessionsSwitch:
		return c.handleSessionsSwitch(frame)
	case protocol.MethodSessionsNew:
		return c.handleSessionsNew(frame)
	case protocol.MethodPermissionRespond:
		return c.handlePermissionRespond(frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (c *clientConn) handleChatSend(frame protocol.Frame) error {
	var params protocol.ChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return fmt.Errorf("content is required")
	}

	sessionID := c.sessionID
	if params.SessionID != "" {
		sessionID = params.SessionID
	}

	if strings.HasPrefix(content, "/") {
		c.sendResponse(frame.ID, map[string]any{"status": "accepted"})
		c.runCommand(sessionID, content)
		return nil
	}

	userMsgID := uuid.NewString()
	runID := uuid.NewString()
	c.broadcastMessage(model.RoleUser, content, userMsgID, runID)
	c.sendResponse(frame.ID, map[string]any{"status": "accepted", "runId": runID})

	job, _, err := c.server.jobs.Enqueue(c.ctx, sessionID, runID, func(ctx context.Context) error {
		loop := c.server.newLoop()
		emit := c.makeEmit(sessionID, runID)
		return loop.Run(ctx, agent.Request{
			SessionID: sessionID,
			RunID:     runID,
			Message:   content,
			MessageID: userMsgID,
		}, emit)
	})
	if err != nil {
		c.server.conns.Broadcast(sessionID, c.socket, "error", map[string]any{"runId": runID, "message": err.Error()})
		return nil
	}
	c.server.setActiveRun(sessionID, job)
	go func() {
		_ = job.Wait(context.Background())
		c.server.clearActiveRun(sessionID, job)
	}()
	return nil
}

// makeEmit bridges the agent loop's transport-neutral Emit callback to a
// session-wide broadcast, synthesizing a "message" event with the
// accumulated assistant text once the run reaches "final" — the loop
// itself never emits a "message" event, only status/token/tool/final.
func (c *clientConn) makeEmit(sessionID, runID string) agent.Emit {
	var textBuilder strings.Builder
	return func(name string, payload any) {
		if name == "token" {
			if tp, ok := decodeTokenPayload(payload); ok {
				textBuilder.WriteString(tp.Text)
			}
		}
		c.server.conns.Broadcast(sessionID, c.socket, name, payload)
		if name == "final" {
			if fp, ok := decodeFinalPayload(payload); ok {
				c.server.conns.Broadcast(sessionID, c.socket, "message", model.MessagePayload{
					Role:      model.RoleAssistant,
					Content:   textBuilder.String(),
					MessageID: fp.MessageID,
					RunID:     runID,
				})
			}
		}
	}
}

type wireTokenPayload struct {
	Text string `json:"text"`
}

type wireFinalPayload struct {
	RunID     string `json:"runId"`
	MessageID string `json:"messageId"`
}

// decodeTokenPayload and decodeFinalPayload round-trip payload through
// JSON rather than importing agent's unexported event payload types —
// the wire shape, not the Go type, is the actual contract Emit callers
// rely on.
func decodeTokenPayload(payload any) (wireTokenPayload, bool) {
	var p wireTokenPayload
	return p, decodeInto(payload, &p)
}

func decodeFinalPayload(payload any) (wireFinalPayload, bool) {
	var p wireFinalPayload
	return p, decodeInto(payload, &p)
}

func decodeInto(payload any, out any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (c *clientConn) handleChatHistory(frame protocol.Frame) error {
	var params protocol.ChatHistoryParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	events, err := eventlog.ReplaySession(c.server.eventDir, sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var messages []map[string]any
	for _, ev := range events {
		if ev.Type != model.EventMessage {
			continue
		}
		var mp model.MessagePayload
		if err := json.Unmarshal(ev.Payload, &mp); err != nil {
			continue
		}
		messages = append(messages, map[string]any{
			"role":      mp.Role,
			"content":   mp.Content,
			"messageId": mp.MessageID,
			"timestamp": ev.Timestamp,
		})
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	c.sendResponse(frame.ID, map[string]any{"messages": messages})
	return nil
}

func (c *clientConn) handleChatAbort(frame protocol.Frame) error {
	var params protocol.ChatAbortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	ok := c.server.cancelActiveRun(sessionID)
	c.sendResponse(frame.ID, map[string]any{"aborted": ok})
	return nil
}

func (c *clientConn) handleSessionsList(frame protocol.Frame) error {
	var params protocol.SessionsListParams
	if len(frame.Params) > 0 {
		_ = json.Unmarshal(frame.Params, &params)
	}
	states, err := c.server.states.List()
	if err != nil {
		return err
	}

	offset, limit := params.Offset, params.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 || offset > len(states) {
		offset = 0
	}
	end := offset + limit
	if end > len(states) {
		end = len(states)
	}

	out := make([]map[string]any, 0, end-offset)
	for _, st := range states[offset:end] {
		out = append(out, map[string]any{
			"sessionId":    st.SessionID,
			"messageCount": st.MessageCount,
			"updatedAt":    st.UpdatedAt,
		})
	}
	c.sendResponse(frame.ID, map[string]any{"sessions": out, "total": len(states)})
	return nil
}

func (c *clientConn) handleSessionsSwitch(frame protocol.Frame) error {
	var params protocol.SessionsSwitchParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if params.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	if _, err := c.server.conns.SwitchSession(c.socket, params.SessionID); err != nil {
		return err
	}
	c.sessionID = params.SessionID
	c.server.recordSession(c.clientID, c.sessionID)

	c.sendResponse(frame.ID, map[string]any{"status": "ok"})
	c.sendSessionChanged(c.sessionID)
	return nil
}

func (c *clientConn) handleSessionsNew(frame protocol.Frame) error {
	newID := uuid.NewString()
	if _, err := c.server.conns.SwitchSession(c.socket, newID); err != nil {
		return err
	}
	c.sessionID = newID
	c.server.recordSession(c.clientID, c.sessionID)

	c.sendResponse(frame.ID, map[string]any{"sessionId": newID})
	c.sendSessionChanged(newID)
	return nil
}

func (c *clientConn) handlePermissionRespond(frame protocol.Frame) error {
	var params protocol.PermissionRespondParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	decision := model.PermissionDecision{Decision: model.PolicyDecision(params.Decision), Reason: params.Reason}
	if err := c.server.perms.Resolve(params.RequestID, decision); err != nil {
		return err
	}
	c.sendResponse(frame.ID, map[string]any{"status": "ok"})
	return nil
}

type sessionChangedPayload struct {
	SessionID string           `json:"sessionId"`
	Messages  []map[string]any `json:"messages"`
	Stats     sessionStats     `json:"stats"`
}

type sessionStats struct {
	MessageCount       int    `json:"messageCount"`
	ModelName          string `json:"modelName"`
	TokenCountEstimate int    `json:"tokenCountEstimate"`
	ContextWindow      int    `json:"contextWindow"`
}

// recentMessages flattens state's verbatim recent turns into the last
// limit individual user/assistant messages, most recent last.
func recentMessages(state *model.SessionState, limit int) []map[string]any {
	var out []map[string]any
	for _, t := range state.RecentTurns {
		out = append(out,
			map[string]any{"role": model.RoleUser, "content": t.UserMessage, "messageId": t.UserMsgID, "timestamp": t.Timestamp},
			map[string]any{"role": model.RoleAssistant, "content": t.AssistantMessage, "messageId": t.AssistantMsgID, "timestamp": t.Timestamp},
		)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
