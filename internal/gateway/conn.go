// ABOUTME: Per-socket connection plumbing shared by the visitor and agent endpoints
// ABOUTME: Write pump, ping/pong keepalive, and broadcast-group forwarding into one send queue

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a socket may stay silent before it is dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames.
	maxFrameSize = 64 * 1024

	// sendBuffer is the per-connection outbound queue depth.
	sendBuffer = 64
)

// conn wraps one WebSocket with an outbound queue and its broadcast-group
// subscriptions. All group channels funnel into the single send queue so
// the socket has exactly one writer.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan *protocol.Frame
	router *broadcast.Router
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	groups map[string]string // group -> subscription ID
}

func newConn(parent context.Context, id string, ws *websocket.Conn, router *broadcast.Router, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		id:     id,
		ws:     ws,
		send:   make(chan *protocol.Frame, sendBuffer),
		router: router,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string]string),
	}
}

// joinGroup subscribes the connection to a broadcast group and starts a
// forwarder that funnels the group's frames into the send queue. Joining
// an already-joined group is a no-op.
func (c *conn) joinGroup(group string) string {
	c.mu.Lock()
	if subID, ok := c.groups[group]; ok {
		c.mu.Unlock()
		return subID
	}
	ch, subID := c.router.Join(c.ctx, group)
	c.groups[group] = subID
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case frame, ok := <-ch:
				if !ok {
					return
				}
				c.enqueue(frame)
			}
		}
	}()
	return subID
}

// subID returns the connection's subscription ID in a group, or empty if
// not joined. Used to exclude the sender from its own typing broadcasts.
func (c *conn) subID(group string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[group]
}

// leaveGroup drops a single group subscription.
func (c *conn) leaveGroup(group string) {
	c.mu.Lock()
	subID, ok := c.groups[group]
	if ok {
		delete(c.groups, group)
	}
	c.mu.Unlock()
	if ok {
		c.router.Leave(group, subID)
	}
}

// enqueue queues an outbound frame, dropping it if the client cannot keep
// up. Dropping beats blocking the router or the read loop.
func (c *conn) enqueue(frame *protocol.Frame) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send queue full, dropping frame",
			"conn_id", c.id, "kind", frame.Kind)
	}
}

// writePump is the sole writer on the socket. It drains the send queue and
// keeps the connection alive with pings. Returns when the context is
// cancelled or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// readFrame blocks for the next inbound frame, honoring the pong deadline.
func (c *conn) readFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// setupRead configures inbound limits and the pong handler. Call once
// before the read loop.
func (c *conn) setupRead() {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// sendError queues a typed error event. The connection stays alive.
func (c *conn) sendError(code, message string) {
	c.enqueue(protocol.NewFrame(protocol.KindError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

// close tears down the connection: cancel cancels every group forwarder
// and wakes the write pump, which closes the socket.
func (c *conn) close() {
	c.cancel()
}
