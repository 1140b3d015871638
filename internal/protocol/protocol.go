// ABOUTME: Closed set of inbound/outbound frame kinds for the chat wire protocol
// ABOUTME: Payload shape is validated at the boundary before any dispatch

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is the envelope for every message on the wire.
type Frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame kinds.
const (
	KindVerify      = "verify"
	KindSendMessage = "send_message"
	KindTyping      = "typing"
	KindStopTyping  = "stop_typing"
	KindLeave       = "leave"
	KindListQueue   = "list_queue"
	KindClaim       = "claim"
	KindRelease     = "release"
)

// Outbound frame kinds.
const (
	KindSessionReady    = "session_ready"
	KindVerifyFailed    = "verify_failed"
	KindMessageReceived = "message_received"
	KindQueueSnapshot   = "queue_snapshot"
	KindQueueDelta      = "queue_delta"
	KindClaimOK         = "claim_ok"
	KindClaimRejected   = "claim_rejected"
	KindAgentReclaimed  = "agent_reclaimed"
	KindVisitorOnline   = "visitor_online"
	KindVisitorOffline  = "visitor_offline"
	KindAgentOnline     = "agent_online"
	KindAgentOffline    = "agent_offline"
	KindError           = "error"
)

// Queue delta actions.
const (
	QueueAdded   = "added"
	QueueRemoved = "removed"
)

// Parse errors
var (
	ErrUnknownKind    = errors.New("unknown frame kind")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotPermitted   = errors.New("frame kind not permitted for this role")
)

// Role restricts which inbound kinds a connection may send.
type Role int

const (
	RoleVisitor Role = iota
	RoleAgent
)

// VerifyPayload binds a visitor connection to a company.
type VerifyPayload struct {
	SessionID string  `json:"session_id"`
	APIKey    string  `json:"company_api_key"`
	Profile   Profile `json:"profile"`
}

// Profile is the visitor's self-reported snippet. Informational only; it
// never participates in authorization decisions.
type Profile struct {
	Name    string `json:"name,omitempty"`
	Browser string `json:"browser,omitempty"`
	Page    string `json:"page,omitempty"`
}

// SendMessagePayload carries a chat message addressed by room key.
type SendMessagePayload struct {
	RoomKey string `json:"room_key"`
	Text    string `json:"text"`
}

// TypingPayload addresses an ephemeral typing indicator.
type TypingPayload struct {
	RoomKey string `json:"room_key"`
}

// LeavePayload ends a visitor's chat immediately, no grace.
type LeavePayload struct {
	SessionID string `json:"session_id"`
}

// ClaimPayload is an agent's atomic acquisition attempt.
type ClaimPayload struct {
	SessionID string `json:"session_id"`
}

// ReleasePayload voluntarily returns a session to the queue.
type ReleasePayload struct {
	SessionID string `json:"session_id"`
}

// SessionReadyPayload confirms visitor verification.
type SessionReadyPayload struct {
	RoomKey string `json:"room_key"`
}

// VerifyFailedPayload reports a verification failure reason code.
type VerifyFailedPayload struct {
	Reason string `json:"reason"`
}

// MessageReceivedPayload is a persisted chat message fanned out to a room.
// The sender receives it too, confirming optimistic echoes against the
// server's ordering.
type MessageReceivedPayload struct {
	RoomKey    string    `json:"room_key"`
	SenderKind string    `json:"sender_kind"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
}

// QueueEntry is one waiting session in a queue snapshot.
type QueueEntry struct {
	SessionID   string    `json:"session_id"`
	RoomKey     string    `json:"room_key"`
	VisitorName string    `json:"visitor_name,omitempty"`
	Page        string    `json:"page,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueueSnapshotPayload is the full waiting list for an agent's company.
type QueueSnapshotPayload struct {
	Sessions []QueueEntry `json:"sessions"`
}

// QueueDeltaPayload is an incremental queue change broadcast to a company.
type QueueDeltaPayload struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

// ClaimOKPayload confirms a successful claim and carries recent history so
// the agent's view is seeded without replaying message_received events.
type ClaimOKPayload struct {
	SessionID string                   `json:"session_id"`
	RoomKey   string                   `json:"room_key"`
	History   []MessageReceivedPayload `json:"history,omitempty"`
}

// ClaimRejectedPayload tells the losing agent to refresh its queue.
type ClaimRejectedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// RoomEventPayload addresses presence and reclaim notifications to a room.
type RoomEventPayload struct {
	RoomKey string `json:"room_key"`
}

// ErrorPayload is a typed error event; the connection stays alive.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// visitorKinds and agentKinds are the closed inbound sets per role.
var visitorKinds = map[string]bool{
	KindVerify:      true,
	KindSendMessage: true,
	KindTyping:      true,
	KindStopTyping:  true,
	KindLeave:       true,
}

var agentKinds = map[string]bool{
	KindListQueue:   true,
	KindClaim:       true,
	KindRelease:     true,
	KindSendMessage: true,
	KindTyping:      true,
	KindStopTyping:  true,
}

// ParseInbound decodes and validates a raw frame for the given role.
// The returned payload is one of the *Payload structs above, fully
// shape-checked; handlers never re-validate.
func ParseInbound(data []byte, role Role) (*Frame, any, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	allowed := visitorKinds
	if role == RoleAgent {
		allowed = agentKinds
	}
	if !allowed[frame.Kind] {
		if _, known := visitorKinds[frame.Kind]; known {
			return nil, nil, ErrNotPermitted
		}
		if _, known := agentKinds[frame.Kind]; known {
			return nil, nil, ErrNotPermitted
		}
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Kind)
	}

	payload, err := decodePayload(&frame)
	if err != nil {
		return nil, nil, err
	}
	return &frame, payload, nil
}

func decodePayload(frame *Frame) (any, error) {
	switch frame.Kind {
	case KindVerify:
		var p VerifyPayload
		if err := unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("%w: verify requires session_id", ErrInvalidPayload)
		}
		if p.APIKey == "" {
			return nil, fmt.Errorf("%w: verify requires company_api_key", ErrInvalidPayload)
		}
		return &p, nil

	case KindSendMessage:
		var p SendMessagePayload
		if err := unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.RoomKey == "" {
			return nil, fmt.Errorf("%w: send_message requires room_key", ErrInvalidPayload)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("%w: send_message requires text", ErrInvalidPayload)
		}
		return &p, nil

	case KindTyping, KindStopTyping:
		var p TypingPayload
		if err := unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.RoomKey == "" {
			return nil, fmt.Errorf("%w: typing requires room_key", ErrInvalidPayload)
		}
		return &p, nil

	case KindLeave:
		var p LeavePayload
		if err := unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("%w: leave requires session_id", ErrInvalidPayload)
		}
		return &p, nil

	case KindListQueue:
		// No payload
		return &struct{}{}, nil

	case KindClaim:
		var p ClaimPayload
		if err := unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("%w: claim requires session_id", ErrInvalidPayload)
		}
		return &p, nil

	case KindRelease:
		var p ReleasePayload
		if err := unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("%w: release requires session_id", ErrInvalidPayload)
		}
		return &p, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, frame.Kind)
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// NewFrame builds an outbound frame, marshaling the payload.
// Marshaling our own payload structs cannot fail; a nil payload yields an
// empty envelope.
func NewFrame(kind string, payload any) *Frame {
	frame := &Frame{Kind: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			// Programming error; emit a typed error frame instead of dropping
			data, _ = json.Marshal(ErrorPayload{Code: "INTERNAL", Message: "payload encoding failed"})
			return &Frame{Kind: KindError, Payload: data}
		}
		frame.Payload = data
	}
	return frame
}

// Encode serializes a frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
