// Package gateway is the duplex-protocol frontend: it accepts socket
// connections, runs the connect handshake, registers each client with the
// connection manager, and dispatches every subsequent frame to a method
// handler or, for slash-commands, to the command table. Grounded on the
// teacher's internal/gateway/ws_control_plane.go wsControlPlane/wsSession
// (ServeHTTP -> run -> readLoop/writeLoop), generalized to the
// multi-client connmgr.Manager instead of one socket owning one session.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaygate/conduit/internal/agent"
	"github.com/relaygate/conduit/internal/auth"
	"github.com/relaygate/conduit/internal/config"
	"github.com/relaygate/conduit/internal/connmgr"
	"github.com/relaygate/conduit/internal/permission"
	"github.com/relaygate/conduit/internal/protocol"
	"github.com/relaygate/conduit/internal/queue"
	"github.com/relaygate/conduit/internal/statecache"
	"github.com/relaygate/conduit/internal/tools"
	"github.com/relaygate/conduit/internal/tools/policy"
)

const protocolVersion = 1

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingPeriod      = 30 * time.Second
)

// Server is the gateway's http.Handler: one instance serves every
// websocket connection, sharing the connection manager, run queue, and
// agent-loop dependencies across all of them.
type Server struct {
	cfg           config.GatewayConfig
	logger        *slog.Logger
	conns         *connmgr.Manager
	jobs          *queue.Manager
	states        *statecache.Cache
	eventDir      string
	perms         *permission.Bridge
	registry      *tools.Registry
	policy        atomic.Pointer[policy.Policy]
	auth          *auth.Service
	loopCfg       agent.Config
	loopDeps      agent.Deps
	contextWindow int
	upgrader      websocket.Upgrader

	mu          sync.Mutex
	activeRuns  map[string]*queue.Job // sessionID -> currently running/queued job
	lastSession map[string]string     // client id -> most recently used session id
	seenClients map[string]bool       // client ids that have connected before
}

// NewServer wires a Server from its subsystem dependencies. contextWindow
// is surfaced in session_changed stats payloads; it isn't otherwise used
// by the loop, which treats the model's context limit as the provider's
// concern.
func NewServer(
	cfg config.GatewayConfig,
	logger *slog.Logger,
	conns *connmgr.Manager,
	jobs *queue.Manager,
	states *statecache.Cache,
	eventDir string,
	perms *permission.Bridge,
	registry *tools.Registry,
	pol *policy.Policy,
	loopCfg agent.Config,
	loopDeps agent.Deps,
	contextWindow int,
	authSvc *auth.Service,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg: cfg, logger: logger, conns: conns, jobs: jobs, states: states,
		eventDir: eventDir, perms: perms, registry: registry, auth: authSvc,
		loopCfg: loopCfg, loopDeps: loopDeps, contextWindow: contextWindow,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		activeRuns:  make(map[string]*queue.Job),
		lastSession: make(map[string]string),
		seenClients: make(map[string]bool),
	}
	s.policy.Store(pol)
	return s
}

// UpdatePolicy hot-swaps the policy gate every subsequent run's loop
// will see, used by the config file watcher (internal/config.Watcher)
// to apply an edited allow/ask/deny list without a restart.
func (s *Server) UpdatePolicy(pol *policy.Policy) {
	s.policy.Store(pol)
}

// Addr returns the host:port this server was configured to listen on.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port) }

// ServeHTTP upgrades the request to a websocket and runs the connection's
// read/write loops until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &clientConn{
		server: s,
		conn:   conn,
		send:   make(chan protocol.Frame, 64),
		ctx:    ctx,
		cancel: cancel,
		socket: uuid.NewString(),
	}
	c.run()
}

// resolveSession picks or creates a session id for clientID per
// sessionPreference ("new" | "continue" | "auto"), tracking a
// process-lifetime clientID -> last-session mapping since there is no
// persistent user/session ownership store in this architecture (out of
// scope per spec.md §1). Returns the session id, whether it is newly
// created, and whether this client id has been seen before.
func (s *Server) resolveSession(clientID, preference string) (sessionID string, isNew bool, seenBefore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenBefore = s.seenClients[clientID]
	s.seenClients[clientID] = true

	last, hasLast := s.lastSession[clientID]
	switch preference {
	case "continue":
		if hasLast {
			return last, false, seenBefore
		}
		fresh := uuid.NewString()
		s.lastSession[clientID] = fresh
		return fresh, true, seenBefore
	case "new":
		fresh := uuid.NewString()
		s.lastSession[clientID] = fresh
		return fresh, true, seenBefore
	default: // "auto" or unrecognized
		if hasLast {
			return last, false, seenBefore
		}
		fresh := uuid.NewString()
		s.lastSession[clientID] = fresh
		return fresh, true, seenBefore
	}
}

// recordSession updates clientID's last-used session after an explicit
// sessions.switch or sessions.new.
func (s *Server) recordSession(clientID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSession[clientID] = sessionID
}

func (s *Server) setActiveRun(sessionID string, job *queue.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRuns[sessionID] = job
}

func (s *Server) clearActiveRun(sessionID string, job *queue.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRuns[sessionID] == job {
		delete(s.activeRuns, sessionID)
	}
}

// activeRunFor returns sessionID's currently tracked run, if any, used to
// resolve its pending permission asks when the last attached client for
// that session disconnects.
func (s *Server) activeRunFor(sessionID string) (*queue.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.activeRuns[sessionID]
	return job, ok
}

// cancelActiveRun cancels sessionID's in-flight or queued run, if any,
// reporting whether one was found.
func (s *Server) cancelActiveRun(sessionID string) bool {
	s.mu.Lock()
	job := s.activeRuns[sessionID]
	s.mu.Unlock()
	if job == nil {
		return false
	}
	job.Cancel()
	return true
}

// ActiveRunInfo describes one currently tracked run, exported so the
// supervisor's stale-run sweep (internal/supervisor.Deps.StaleRuns) can
// consume it without this package importing internal/supervisor.
type ActiveRunInfo struct {
	SessionID string
	RunID     string
	StartedAt time.Time
}

// ActiveRuns returns a snapshot of every session with a tracked active or
// queued run.
func (s *Server) ActiveRuns() []ActiveRunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveRunInfo, 0, len(s.activeRuns))
	for sessionID, job := range s.activeRuns {
		out = append(out, ActiveRunInfo{SessionID: sessionID, RunID: job.ID, StartedAt: job.StartedAt})
	}
	return out
}

// ReapRun cancels and forgets sessionID's tracked run if it still matches
// runID, used by the supervisor to give up on runs stuck past the attach
// window (spec.md §4.14).
func (s *Server) ReapRun(sessionID, runID string) {
	s.mu.Lock()
	job := s.activeRuns[sessionID]
	matches := job != nil && job.ID == runID
	if matches {
		delete(s.activeRuns, sessionID)
	}
	s.mu.Unlock()
	if matches {
		job.Cancel()
	}
}

func (s *Server) newLoop() *agent.Loop {
	deps := s.loopDeps
	deps.EventLogDir = s.eventDir
	deps.States = s.states
	deps.Permissions = s.perms
	deps.Registry = s.registry
	deps.Policy = s.policy.Load()
	return agent.New(s.loopCfg, deps)
}

