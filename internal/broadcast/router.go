// ABOUTME: In-memory fan-out router for room and company broadcast groups
// ABOUTME: Publishes protocol frames to all subscribers of a group key

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/protocol"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// RoomGroup addresses a single visitor's room.
func RoomGroup(roomKey string) string {
	return "room:" + roomKey
}

// CompanyGroup addresses every online agent of a company. The company ID
// must come from the acting connection's verified identity, never from
// client-supplied input.
func CompanyGroup(companyID string) string {
	return "company:" + companyID
}

// Router provides in-memory pub/sub over group keys. Connections join the
// groups they may receive from; Publish fans a frame out to every member.
// Cross-company leakage is impossible as long as group keys are constructed
// through RoomGroup/CompanyGroup from verified identity.
type Router struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *protocol.Frame // group -> subID -> ch
	logger      *slog.Logger
}

// NewRouter creates a router. Pass nil logger for default.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subscribers: make(map[string]map[string]chan *protocol.Frame),
		logger:      logger.With("component", "broadcast"),
	}
}

// Join registers a subscriber for frames on the given group.
// Returns a channel that receives frames and a subscription ID for later
// Leave calls. The subscription is automatically cleaned up when ctx is
// cancelled.
func (r *Router) Join(ctx context.Context, group string) (<-chan *protocol.Frame, string) {
	subID := uuid.New().String()
	ch := make(chan *protocol.Frame, subscriberBufferSize)

	r.mu.Lock()
	if _, ok := r.subscribers[group]; !ok {
		r.subscribers[group] = make(map[string]chan *protocol.Frame)
	}
	r.subscribers[group][subID] = ch
	r.mu.Unlock()

	r.logger.Debug("subscriber joined", "group", group, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		r.Leave(group, subID)
	}()

	return ch, subID
}

// Publish sends a frame to all subscribers of the given group.
// If excludeSubID is non-empty, that subscriber is skipped (used for
// typing indicators, which exclude the sender).
// Non-blocking: frames are dropped for subscribers whose channels are full.
func (r *Router) Publish(group string, frame *protocol.Frame, excludeSubID string) {
	// Sends happen under the read lock: Leave and Close take the write lock
	// before closing a channel, so no channel can close mid-publish. The
	// sends never block (full channels drop), so the lock is held briefly.
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, ch := range r.subscribers[group] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- frame:
			// Sent
		default:
			// Subscriber channel full: drop the frame for this subscriber
			r.logger.Debug("dropped frame for slow subscriber",
				"group", group,
				"kind", frame.Kind)
		}
	}
}

// Leave removes a subscription and closes its channel.
func (r *Router) Leave(group, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscribers[group]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty group entries
	if len(subs) == 0 {
		delete(r.subscribers, group)
	}

	r.logger.Debug("subscriber left", "group", group, "sub_id", subID)
}

// Close shuts down the router and closes all subscriber channels.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for group, subs := range r.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(r.subscribers, group)
	}

	r.logger.Debug("router closed")
}
