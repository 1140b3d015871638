// ABOUTME: Tracks live agent connections and translates connect/disconnect into session transitions
// ABOUTME: Orphaning and reclaiming happen here; the registry is the only writer of agent liveness

package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/store"
)

// Broadcaster is the fan-out capability the registry needs.
type Broadcaster interface {
	Publish(group string, frame *protocol.Frame, excludeSubID string)
}

// agentConn tracks one live agent socket.
type agentConn struct {
	agentID      string
	companyID    string
	connectionID string
	connectedAt  time.Time
}

// Registry is the in-memory roster of connected agents. Agent liveness is
// process state (a socket lives in exactly one process); session state
// lives in the store so transitions survive restarts.
type Registry struct {
	store  store.Store
	router Broadcaster
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*agentConn // keyed by agent ID
}

// NewRegistry creates an empty registry.
func NewRegistry(s store.Store, router Broadcaster, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		router: router,
		logger: logger.With("component", "presence"),
		agents: make(map[string]*agentConn),
	}
}

// AgentConnected registers an agent socket and reclaims any sessions the
// agent left orphaned. It returns the agent's open sessions, for joining
// their room groups, and the subset that was just reclaimed, so the caller
// can tell the agent which conversations survived the disconnect.
//
// A second connection for the same agent replaces the roster entry; the
// older socket's eventual disconnect is ignored because its connection ID
// no longer matches.
func (r *Registry) AgentConnected(ctx context.Context, agentID, companyID, connectionID string) (open, reclaimed []*store.Session, err error) {
	r.mu.Lock()
	r.agents[agentID] = &agentConn{
		agentID:      agentID,
		companyID:    companyID,
		connectionID: connectionID,
		connectedAt:  time.Now(),
	}
	total := len(r.agents)
	r.mu.Unlock()

	reclaimed, err = r.store.ReclaimSessions(ctx, agentID, time.Now())
	if err != nil {
		return nil, nil, err
	}
	for _, session := range reclaimed {
		frame := protocol.NewFrame(protocol.KindAgentReclaimed,
			protocol.RoomEventPayload{RoomKey: session.RoomKey})
		r.router.Publish(broadcast.RoomGroup(session.RoomKey), frame, "")
	}

	open, err = r.store.ListSessionsByAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}

	r.logger.Info("agent connected",
		"agent_id", agentID,
		"reclaimed", len(reclaimed),
		"open_sessions", len(open),
		"total_agents", total)
	return open, reclaimed, nil
}

// AgentDisconnected removes the agent from the roster and orphans its
// assigned sessions, starting their grace windows. The connection ID must
// match the registered socket; a stale disconnect after a newer connection
// replaced it is a no-op.
func (r *Registry) AgentDisconnected(ctx context.Context, agentID, connectionID string) error {
	r.mu.Lock()
	conn, exists := r.agents[agentID]
	if !exists || conn.connectionID != connectionID {
		r.mu.Unlock()
		return nil
	}
	delete(r.agents, agentID)
	total := len(r.agents)
	r.mu.Unlock()

	orphaned, err := r.store.OrphanSessionsByAgent(ctx, agentID, time.Now())
	if err != nil {
		return err
	}
	for _, session := range orphaned {
		frame := protocol.NewFrame(protocol.KindAgentOffline,
			protocol.RoomEventPayload{RoomKey: session.RoomKey})
		r.router.Publish(broadcast.RoomGroup(session.RoomKey), frame, "")
	}

	r.logger.Info("agent disconnected",
		"agent_id", agentID,
		"orphaned", len(orphaned),
		"total_agents", total)
	return nil
}

// VisitorDisconnected records a visitor socket closing. The session status
// never changes: an assigned session stays with its agent, a queued one
// keeps its place in line. Only the away timestamp is set so the sweeper
// can reap the session if the visitor never returns.
func (r *Registry) VisitorDisconnected(ctx context.Context, visitorID, connectionID string) error {
	if err := r.store.ClearVisitorConnection(ctx, visitorID, connectionID); err != nil {
		return err
	}

	session, err := r.store.GetOpenSessionByVisitor(ctx, visitorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := r.store.MarkSessionAway(ctx, session.ID, time.Now()); err != nil {
		return err
	}

	r.router.Publish(broadcast.RoomGroup(session.RoomKey),
		protocol.NewFrame(protocol.KindVisitorOffline,
			protocol.RoomEventPayload{RoomKey: session.RoomKey}), "")

	r.logger.Debug("visitor away", "visitor_id", visitorID, "session_id", session.ID)
	return nil
}

// IsAgentOnline reports whether an agent has a live socket in this process.
func (r *Registry) IsAgentOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// OnlineAgents returns the count of connected agents for a company.
func (r *Registry) OnlineAgents(companyID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conn := range r.agents {
		if conn.companyID == companyID {
			n++
		}
	}
	return n
}
