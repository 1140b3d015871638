// ABOUTME: Room assignment engine driving the queued/assigned/orphaned/closed state machine
// ABOUTME: All transitions go through the store's atomic conditional updates, then broadcast

package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/bot"
	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/store"
)

// Claim rejection reasons surfaced in claim_rejected frames.
const (
	ReasonAlreadyAssigned = "ALREADY_ASSIGNED"
	ReasonSessionClosed   = "SESSION_CLOSED"
	ReasonNotFound        = "NOT_FOUND"
)

// historyLimit bounds the message history seeded into claim_ok.
const historyLimit = 50

// ErrRoomNotFound covers both nonexistent rooms and rooms belonging to a
// different company: callers cannot distinguish them, by construction.
var ErrRoomNotFound = errors.New("room not found")

// Broadcaster is the capability the engine needs from the fan-out layer.
// Injected so handlers are testable in isolation and a shared-bus
// implementation can replace the in-memory router.
type Broadcaster interface {
	Publish(group string, frame *protocol.Frame, excludeSubID string)
}

// Engine coordinates session lifecycle transitions and message flow.
type Engine struct {
	store     store.Store
	gate      *auth.Gate
	router    Broadcaster
	responder bot.Responder // nil disables automatic replies
	logger    *slog.Logger
}

// NewEngine creates the engine. Pass nil responder to disable the answer
// generation collaborator, nil logger for default.
func NewEngine(s store.Store, gate *auth.Gate, router Broadcaster, responder bot.Responder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		gate:      gate,
		router:    router,
		responder: responder,
		logger:    logger.With("component", "room"),
	}
}

// VerifyRequest is a visitor's verify message plus its connection identity.
type VerifyRequest struct {
	SessionID    string // client-generated, durable across reloads
	APIKey       string
	Profile      protocol.Profile
	ConnectionID string
}

// VerifyResult carries the bound visitor and its (possibly new) session.
type VerifyResult struct {
	Visitor *store.Visitor
	Session *store.Session
	Created bool
}

// Verify gates the company API key, upserts the visitor, and resolves or
// creates its single open session. Key failures create no state.
func (e *Engine) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	company, err := e.gate.VerifyCompanyKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	visitor, err := e.store.UpsertVisitor(ctx, &store.Visitor{
		ID:               uuid.New().String(),
		CompanyID:        company.ID,
		SessionID:        req.SessionID,
		Name:             req.Profile.Name,
		Browser:          req.Profile.Browser,
		Page:             req.Profile.Page,
		LiveConnectionID: req.ConnectionID,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting visitor: %w", err)
	}

	session, created, err := e.ensureSession(ctx, company.ID, visitor.ID)
	if err != nil {
		return nil, err
	}

	if created {
		e.publishQueueDelta(company.ID, session.ID, protocol.QueueAdded)
	} else {
		// Returning visitor: cancel any visitor-side grace window. The
		// conditional update leaves orphaned sessions alone; that window
		// belongs to the disconnected agent.
		if err := e.store.ClearSessionGrace(ctx, session.ID); err != nil {
			e.logger.Error("failed to clear session grace", "error", err, "session_id", session.ID)
		}
	}

	e.router.Publish(broadcast.RoomGroup(session.RoomKey),
		protocol.NewFrame(protocol.KindVisitorOnline, protocol.RoomEventPayload{RoomKey: session.RoomKey}), "")

	e.logger.Debug("visitor verified",
		"visitor_id", visitor.ID,
		"session_id", session.ID,
		"created", created)

	return &VerifyResult{Visitor: visitor, Session: session, Created: created}, nil
}

// ensureSession resolves the visitor's open session or creates a queued one.
func (e *Engine) ensureSession(ctx context.Context, companyID, visitorID string) (*store.Session, bool, error) {
	session, err := e.store.GetOpenSessionByVisitor(ctx, visitorID)
	if err == nil {
		return session, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	session = &store.Session{
		ID:             uuid.New().String(),
		CompanyID:      companyID,
		VisitorID:      visitorID,
		RoomKey:        uuid.New().String(),
		Status:         store.StatusQueued,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		// Another connection for the same visitor may have created the
		// session between our lookup and insert attempt
		if errors.Is(err, store.ErrDuplicateSession) {
			existing, lookupErr := e.store.GetOpenSessionByVisitor(ctx, visitorID)
			if lookupErr == nil {
				e.logger.Debug("found existing session after race", "session_id", existing.ID)
				return existing, false, nil
			}
			e.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, err
	}

	e.logger.Debug("session created", "session_id", session.ID, "visitor_id", visitorID)
	return session, true, nil
}

// ClaimResult carries the claimed session and recent history for seeding
// the agent's view.
type ClaimResult struct {
	Session *store.Session
	History []*store.Message
}

// Claim atomically assigns a queued session to the agent. Exactly one of
// two concurrent claims succeeds; the loser gets store.ErrAlreadyAssigned.
func (e *Engine) Claim(ctx context.Context, identity *auth.AgentIdentity, sessionID string) (*ClaimResult, error) {
	session, err := e.getCompanySession(ctx, identity.CompanyID, sessionID)
	if err != nil {
		return nil, err
	}

	if err := e.store.ClaimSession(ctx, session.ID, identity.UserID, time.Now()); err != nil {
		return nil, err
	}

	history, err := e.store.GetSessionMessages(ctx, session.ID, historyLimit)
	if err != nil {
		e.logger.Error("failed to load history after claim", "error", err, "session_id", session.ID)
		history = nil
	}

	e.publishQueueDelta(identity.CompanyID, session.ID, protocol.QueueRemoved)
	e.router.Publish(broadcast.RoomGroup(session.RoomKey),
		protocol.NewFrame(protocol.KindAgentOnline, protocol.RoomEventPayload{RoomKey: session.RoomKey}), "")

	session.Status = store.StatusAssigned
	session.AssignedAgentID = identity.UserID

	e.logger.Info("session claimed", "session_id", session.ID, "agent_id", identity.UserID)
	return &ClaimResult{Session: session, History: history}, nil
}

// RejectionReason maps a claim error to its wire reason code.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrAlreadyAssigned):
		return ReasonAlreadyAssigned
	case errors.Is(err, store.ErrSessionClosed):
		return ReasonSessionClosed
	default:
		return ReasonNotFound
	}
}

// Release voluntarily returns an assigned or orphaned session to the queue.
func (e *Engine) Release(ctx context.Context, identity *auth.AgentIdentity, sessionID string) error {
	session, err := e.getCompanySession(ctx, identity.CompanyID, sessionID)
	if err != nil {
		return err
	}

	if err := e.store.ReleaseSession(ctx, session.ID, identity.UserID, time.Now()); err != nil {
		return err
	}

	e.publishQueueDelta(identity.CompanyID, session.ID, protocol.QueueAdded)
	e.router.Publish(broadcast.RoomGroup(session.RoomKey),
		protocol.NewFrame(protocol.KindAgentOffline, protocol.RoomEventPayload{RoomKey: session.RoomKey}), "")

	e.logger.Info("session released", "session_id", session.ID, "agent_id", identity.UserID)
	return nil
}

// Leave ends a visitor's chat immediately. No grace window: the session is
// closed now and leaves the queue if it was waiting.
func (e *Engine) Leave(ctx context.Context, visitorID string) error {
	session, err := e.store.GetOpenSessionByVisitor(ctx, visitorID)
	if err != nil {
		return err
	}

	wasQueued := session.Status == store.StatusQueued

	if err := e.store.CloseSession(ctx, session.ID, time.Now()); err != nil {
		return err
	}

	if wasQueued {
		e.publishQueueDelta(session.CompanyID, session.ID, protocol.QueueRemoved)
	}
	e.router.Publish(broadcast.RoomGroup(session.RoomKey),
		protocol.NewFrame(protocol.KindVisitorOffline, protocol.RoomEventPayload{RoomKey: session.RoomKey}), "")

	e.logger.Info("session closed by visitor", "session_id", session.ID)
	return nil
}

// Sender identifies who is sending a message or typing indicator.
type Sender struct {
	Kind      string // store.SenderVisitor or store.SenderAgent
	CompanyID string
	VisitorID string // set for visitors
	AgentID   string // set for agents
}

// SendMessage persists a chat message first, then fans it out to the room
// group. Both visitor and agent receive it, including the sender, so
// optimistic client echoes can be confirmed against the server's ordering.
//
// When the message is a visitor's and no agent holds the session, the
// answer-generation collaborator is invoked fire-and-forget; a non-empty
// reply re-enters through this same persist+broadcast path as a bot message.
func (e *Engine) SendMessage(ctx context.Context, sender *Sender, roomKey, text string) (*store.Message, error) {
	session, err := e.authorizeRoom(ctx, sender, roomKey)
	if err != nil {
		return nil, err
	}

	msg, err := e.append(ctx, session, sender.Kind, text)
	if err != nil {
		return nil, err
	}

	if sender.Kind == store.SenderVisitor && session.AssignedAgentID == "" && e.responder != nil {
		go e.generateReply(session, text)
	}

	return msg, nil
}

// append is the single persistence+broadcast path for all message kinds.
func (e *Engine) append(ctx context.Context, session *store.Session, senderKind, text string) (*store.Message, error) {
	msg := &store.Message{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		SenderKind: senderKind,
		Content:    text,
		CreatedAt:  time.Now(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	if err := e.store.TouchSession(ctx, session.ID, msg.CreatedAt); err != nil {
		e.logger.Error("failed to touch session", "error", err, "session_id", session.ID)
	}

	e.router.Publish(broadcast.RoomGroup(session.RoomKey),
		protocol.NewFrame(protocol.KindMessageReceived, protocol.MessageReceivedPayload{
			RoomKey:    session.RoomKey,
			SenderKind: senderKind,
			Text:       text,
			At:         msg.CreatedAt,
		}), "")

	return msg, nil
}

// generateReply invokes the responder off the request path. Persistence
// uses a fresh context so a closed visitor connection cannot cancel it.
func (e *Engine) generateReply(session *store.Session, visitorText string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reply, err := e.responder.GenerateReply(ctx, session.CompanyID, visitorText)
	if err != nil {
		e.logger.Error("reply generation failed", "error", err, "session_id", session.ID)
		return
	}
	if reply == "" {
		return
	}

	// The session may have been claimed or closed while the model ran;
	// re-read so a reply never lands in a closed room.
	current, err := e.store.GetSession(ctx, session.ID)
	if err != nil || !current.Open() {
		return
	}

	if _, err := e.append(ctx, current, store.SenderBot, reply); err != nil {
		e.logger.Error("failed to inject bot reply", "error", err, "session_id", session.ID)
	}
}

// Typing forwards an ephemeral typing indicator to the room, excluding the
// sender's own subscription. Nothing is persisted.
func (e *Engine) Typing(ctx context.Context, sender *Sender, roomKey string, stop bool, excludeSubID string) error {
	session, err := e.authorizeRoom(ctx, sender, roomKey)
	if err != nil {
		return err
	}

	kind := protocol.KindTyping
	if stop {
		kind = protocol.KindStopTyping
	}
	e.router.Publish(broadcast.RoomGroup(session.RoomKey),
		protocol.NewFrame(kind, protocol.TypingPayload{RoomKey: session.RoomKey}), excludeSubID)
	return nil
}

// ListQueue computes the waiting list for an agent's company.
func (e *Engine) ListQueue(ctx context.Context, companyID string) (*protocol.QueueSnapshotPayload, error) {
	sessions, err := e.store.ListQueuedSessions(ctx, companyID)
	if err != nil {
		return nil, err
	}

	snapshot := &protocol.QueueSnapshotPayload{Sessions: []protocol.QueueEntry{}}
	for _, session := range sessions {
		entry := protocol.QueueEntry{
			SessionID: session.ID,
			RoomKey:   session.RoomKey,
			CreatedAt: session.CreatedAt,
		}
		if visitor, err := e.store.GetVisitor(ctx, session.VisitorID); err == nil {
			entry.VisitorName = visitor.Name
			entry.Page = visitor.Page
		}
		snapshot.Sessions = append(snapshot.Sessions, entry)
	}
	return snapshot, nil
}

// History returns a session's persisted messages for seeding clients.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	return e.store.GetSessionMessages(ctx, sessionID, limit)
}

// authorizeRoom resolves a room key and checks the sender may act in it.
// Wrong-company and nonexistent rooms are indistinguishable to the caller.
func (e *Engine) authorizeRoom(ctx context.Context, sender *Sender, roomKey string) (*store.Session, error) {
	session, err := e.store.GetSessionByRoomKey(ctx, roomKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	if session.CompanyID != sender.CompanyID {
		return nil, ErrRoomNotFound
	}
	if sender.Kind == store.SenderVisitor && session.VisitorID != sender.VisitorID {
		return nil, ErrRoomNotFound
	}
	if !session.Open() {
		return nil, store.ErrSessionClosed
	}

	return session, nil
}

// getCompanySession loads a session scoped to the agent's company.
func (e *Engine) getCompanySession(ctx context.Context, companyID, sessionID string) (*store.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return session, nil
}

// publishQueueDelta notifies a company's agent roster of a queue change.
func (e *Engine) publishQueueDelta(companyID, sessionID, action string) {
	e.router.Publish(broadcast.CompanyGroup(companyID),
		protocol.NewFrame(protocol.KindQueueDelta, protocol.QueueDeltaPayload{
			SessionID: sessionID,
			Action:    action,
		}), "")
}
