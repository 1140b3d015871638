// ABOUTME: Visitor WebSocket endpoint: verify handshake then the chat frame loop
// ABOUTME: Visitors are anonymous until verify binds them to a company via API key

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/room"
	"github.com/2389/hearth/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The widget runs on arbitrary customer sites; verification happens
	// in-band via the company API key, not via the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// visitorState is the per-connection identity established by verify.
type visitorState struct {
	visitorID string
	companyID string
	sessionID string
	roomKey   string
}

// handleVisitorWS upgrades a visitor socket. The connection starts
// unbound; every frame before a successful verify is rejected.
func (g *Gateway) handleVisitorWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	connID := uuid.New().String()
	logger := g.logger.With("conn_id", connID, "role", "visitor")
	vc := newConn(c.Request().Context(), connID, ws, g.router, logger)
	defer vc.close()

	go vc.writePump()
	vc.setupRead()

	logger.Debug("visitor socket opened")

	var state *visitorState
	for {
		data, err := vc.readFrame()
		if err != nil {
			break
		}

		frame, payload, err := protocol.ParseInbound(data, protocol.RoleVisitor)
		if err != nil {
			vc.sendError("BAD_FRAME", err.Error())
			continue
		}

		if state == nil && frame.Kind != protocol.KindVerify {
			vc.sendError("NOT_VERIFIED", "verify required before any other frame")
			continue
		}

		switch frame.Kind {
		case protocol.KindVerify:
			state = g.visitorVerify(vc, state, payload.(*protocol.VerifyPayload))

		case protocol.KindSendMessage:
			p := payload.(*protocol.SendMessagePayload)
			sender := &room.Sender{
				Kind:      store.SenderVisitor,
				CompanyID: state.companyID,
				VisitorID: state.visitorID,
			}
			if _, err := g.engine.SendMessage(vc.ctx, sender, p.RoomKey, p.Text); err != nil {
				vc.sendError("SEND_FAILED", err.Error())
			}

		case protocol.KindTyping, protocol.KindStopTyping:
			p := payload.(*protocol.TypingPayload)
			sender := &room.Sender{
				Kind:      store.SenderVisitor,
				CompanyID: state.companyID,
				VisitorID: state.visitorID,
			}
			stop := frame.Kind == protocol.KindStopTyping
			exclude := vc.subID(broadcast.RoomGroup(p.RoomKey))
			if err := g.engine.Typing(vc.ctx, sender, p.RoomKey, stop, exclude); err != nil {
				vc.sendError("TYPING_FAILED", err.Error())
			}

		case protocol.KindLeave:
			if err := g.engine.Leave(vc.ctx, state.visitorID); err != nil {
				vc.sendError("LEAVE_FAILED", err.Error())
				continue
			}
			vc.leaveGroup(broadcast.RoomGroup(state.roomKey))
			state = nil
		}
	}

	if state != nil {
		// Fresh context: the socket's own context is already dead
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.presence.VisitorDisconnected(ctx, state.visitorID, connID); err != nil {
			logger.Error("visitor disconnect cleanup failed", "error", err)
		}
		cancel()
	}
	logger.Debug("visitor socket closed")
	return nil
}

// visitorVerify runs the verify handshake. On failure the visitor gets a
// verify_failed frame with a reason code and the connection stays unbound.
// Repeating verify on a bound connection is idempotent.
func (g *Gateway) visitorVerify(vc *conn, prev *visitorState, p *protocol.VerifyPayload) *visitorState {
	result, err := g.engine.Verify(vc.ctx, &room.VerifyRequest{
		SessionID:    p.SessionID,
		APIKey:       p.APIKey,
		Profile:      p.Profile,
		ConnectionID: vc.id,
	})
	if err != nil {
		reason := auth.FailureReason(err)
		vc.enqueue(protocol.NewFrame(protocol.KindVerifyFailed,
			protocol.VerifyFailedPayload{Reason: reason}))
		g.logger.Info("visitor verify failed", "reason", reason, "conn_id", vc.id)
		return prev
	}

	state := &visitorState{
		visitorID: result.Visitor.ID,
		companyID: result.Session.CompanyID,
		sessionID: result.Session.ID,
		roomKey:   result.Session.RoomKey,
	}
	vc.joinGroup(broadcast.RoomGroup(state.roomKey))
	vc.enqueue(protocol.NewFrame(protocol.KindSessionReady,
		protocol.SessionReadyPayload{RoomKey: state.roomKey}))
	return state
}
