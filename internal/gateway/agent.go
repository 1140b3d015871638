// ABOUTME: Agent WebSocket endpoint: bearer-token handshake then the queue/claim frame loop
// ABOUTME: Invalid credentials are rejected before the upgrade, never downgraded to visitor

package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/room"
	"github.com/2389/hearth/internal/store"
)

// handleAgentWS authenticates and upgrades an agent socket. The token comes
// from the Authorization header or, for browser WebSocket clients that
// cannot set headers, the token query parameter.
func (g *Gateway) handleAgentWS(c echo.Context) error {
	token := bearerToken(c.Request())
	identity, err := g.gate.VerifyAgent(token)
	if err != nil {
		g.logger.Info("agent auth rejected", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid agent token")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	connID := uuid.New().String()
	logger := g.logger.With("conn_id", connID, "role", "agent", "agent_id", identity.UserID)
	ac := newConn(c.Request().Context(), connID, ws, g.router, logger)
	defer ac.close()

	go ac.writePump()
	ac.setupRead()

	// The company group carries queue snapshots and deltas; room groups are
	// joined per session. Both before reclaim so nothing is missed.
	ac.joinGroup(broadcast.CompanyGroup(identity.CompanyID))

	sessions, reclaimed, err := g.presence.AgentConnected(ac.ctx, identity.UserID, identity.CompanyID, connID)
	if err != nil {
		logger.Error("agent connect failed", "error", err)
		return nil
	}
	for _, session := range sessions {
		ac.joinGroup(broadcast.RoomGroup(session.RoomKey))
	}
	// The room broadcast above happened before this socket joined; tell the
	// agent directly which conversations survived the disconnect
	for _, session := range reclaimed {
		ac.enqueue(protocol.NewFrame(protocol.KindAgentReclaimed,
			protocol.RoomEventPayload{RoomKey: session.RoomKey}))
	}

	// Seed the dashboard so clients need not request the first snapshot
	if snapshot, err := g.engine.ListQueue(ac.ctx, identity.CompanyID); err == nil {
		ac.enqueue(protocol.NewFrame(protocol.KindQueueSnapshot, snapshot))
	}

	for {
		data, err := ac.readFrame()
		if err != nil {
			break
		}

		frame, payload, err := protocol.ParseInbound(data, protocol.RoleAgent)
		if err != nil {
			ac.sendError("BAD_FRAME", err.Error())
			continue
		}

		switch frame.Kind {
		case protocol.KindListQueue:
			snapshot, err := g.engine.ListQueue(ac.ctx, identity.CompanyID)
			if err != nil {
				ac.sendError("QUEUE_FAILED", err.Error())
				continue
			}
			ac.enqueue(protocol.NewFrame(protocol.KindQueueSnapshot, snapshot))

		case protocol.KindClaim:
			g.agentClaim(ac, identity, payload.(*protocol.ClaimPayload).SessionID)

		case protocol.KindRelease:
			p := payload.(*protocol.ReleasePayload)
			if err := g.engine.Release(ac.ctx, identity, p.SessionID); err != nil {
				ac.sendError("RELEASE_FAILED", err.Error())
				continue
			}
			if session, err := g.store.GetSession(ac.ctx, p.SessionID); err == nil {
				ac.leaveGroup(broadcast.RoomGroup(session.RoomKey))
			}

		case protocol.KindSendMessage:
			p := payload.(*protocol.SendMessagePayload)
			sender := &room.Sender{
				Kind:      store.SenderAgent,
				CompanyID: identity.CompanyID,
				AgentID:   identity.UserID,
			}
			if _, err := g.engine.SendMessage(ac.ctx, sender, p.RoomKey, p.Text); err != nil {
				ac.sendError("SEND_FAILED", err.Error())
			}

		case protocol.KindTyping, protocol.KindStopTyping:
			p := payload.(*protocol.TypingPayload)
			sender := &room.Sender{
				Kind:      store.SenderAgent,
				CompanyID: identity.CompanyID,
				AgentID:   identity.UserID,
			}
			stop := frame.Kind == protocol.KindStopTyping
			exclude := ac.subID(broadcast.RoomGroup(p.RoomKey))
			if err := g.engine.Typing(ac.ctx, sender, p.RoomKey, stop, exclude); err != nil {
				ac.sendError("TYPING_FAILED", err.Error())
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := g.presence.AgentDisconnected(ctx, identity.UserID, connID); err != nil {
		logger.Error("agent disconnect cleanup failed", "error", err)
	}
	cancel()

	logger.Debug("agent socket closed")
	return nil
}

// agentClaim runs a claim attempt. Losing a race is a normal outcome, so
// it produces a claim_rejected frame rather than an error frame.
func (g *Gateway) agentClaim(ac *conn, identity *auth.AgentIdentity, sessionID string) {
	result, err := g.engine.Claim(ac.ctx, identity, sessionID)
	if err != nil {
		ac.enqueue(protocol.NewFrame(protocol.KindClaimRejected, protocol.ClaimRejectedPayload{
			SessionID: sessionID,
			Reason:    room.RejectionReason(err),
		}))
		return
	}

	ac.joinGroup(broadcast.RoomGroup(result.Session.RoomKey))

	history := make([]protocol.MessageReceivedPayload, 0, len(result.History))
	for _, msg := range result.History {
		history = append(history, protocol.MessageReceivedPayload{
			RoomKey:    result.Session.RoomKey,
			SenderKind: msg.SenderKind,
			Text:       msg.Content,
			At:         msg.CreatedAt,
		})
	}

	ac.enqueue(protocol.NewFrame(protocol.KindClaimOK, protocol.ClaimOKPayload{
		SessionID: result.Session.ID,
		RoomKey:   result.Session.RoomKey,
		History:   history,
	}))
}

// bearerToken extracts the agent credential from the request.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
