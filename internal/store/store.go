// ABOUTME: Store interface and data types for hearth persistence
// ABOUTME: Defines Company, Visitor, Session, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a visitor already has an open session
var ErrDuplicateSession = errors.New("visitor already has an open session")

// ErrAlreadyAssigned is returned when a claim loses the conditional update race
var ErrAlreadyAssigned = errors.New("session already assigned")

// ErrSessionClosed is returned when an operation targets a closed session
var ErrSessionClosed = errors.New("session is closed")

// ErrNotClaimHolder is returned when an agent releases a session they do not hold
var ErrNotClaimHolder = errors.New("session not assigned to this agent")

// Session status values. The four states of the assignment machine.
const (
	StatusQueued   = "queued"
	StatusAssigned = "assigned"
	StatusOrphaned = "orphaned"
	StatusClosed   = "closed"
)

// Sender kinds for messages
const (
	SenderVisitor = "visitor"
	SenderAgent   = "agent"
	SenderSystem  = "system"
	SenderBot     = "bot"
)

// Company represents a tenant whose site embeds the chat widget
type Company struct {
	ID        string
	Name      string
	APIKey    string
	Active    bool
	CreatedAt time.Time
}

// Visitor represents an anonymous website visitor identified by a
// client-generated session ID that is stable across page reloads.
type Visitor struct {
	ID               string
	CompanyID        string
	SessionID        string // client-generated, durable across reloads
	Name             string
	Browser          string
	Page             string
	LiveConnectionID string // empty while no socket is open
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is the lifecycle record binding one visitor to one company
// conversation. At most one non-closed session exists per visitor.
type Session struct {
	ID              string
	CompanyID       string
	VisitorID       string
	RoomKey         string // stable broadcast-group address, survives reconnects
	AssignedAgentID string // empty unless status is assigned or orphaned
	Status          string
	ClaimedAt       *time.Time // set by the first claim, never cleared
	OrphanedAt      *time.Time // start of the grace window, nil when live
	LastActivityAt  time.Time
	CreatedAt       time.Time
}

// Open reports whether the session is in a non-terminal state.
func (s *Session) Open() bool {
	return s.Status != StatusClosed
}

// Message is a single chat message within a session. Append-only; Seq is
// the ordering key (timestamps are server-assigned, so insertion order is
// time order).
type Message struct {
	ID         string
	SessionID  string
	SenderKind string
	Content    string
	CreatedAt  time.Time
	Seq        int64
}

// Store defines the interface for hearth persistence.
//
// Every state transition method is implemented as a single conditional
// UPDATE or DELETE so that concurrent callers (possibly in different
// processes sharing one database) race safely: exactly one conditional
// update wins and the losers observe zero affected rows.
type Store interface {
	// Companies
	CreateCompany(ctx context.Context, company *Company) error
	GetCompanyByAPIKey(ctx context.Context, apiKey string) (*Company, error)

	// Visitors
	UpsertVisitor(ctx context.Context, visitor *Visitor) (*Visitor, error)
	GetVisitor(ctx context.Context, id string) (*Visitor, error)
	SetVisitorConnection(ctx context.Context, visitorID, connectionID string) error
	ClearVisitorConnection(ctx context.Context, visitorID, connectionID string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByRoomKey(ctx context.Context, roomKey string) (*Session, error)
	GetOpenSessionByVisitor(ctx context.Context, visitorID string) (*Session, error)
	ListQueuedSessions(ctx context.Context, companyID string) ([]*Session, error)
	ListSessionsByAgent(ctx context.Context, agentID string) ([]*Session, error)

	// Transitions (atomic conditional updates)
	ClaimSession(ctx context.Context, sessionID, agentID string, now time.Time) error
	ReleaseSession(ctx context.Context, sessionID, agentID string, now time.Time) error
	ReclaimSessions(ctx context.Context, agentID string, now time.Time) ([]*Session, error)
	OrphanSessionsByAgent(ctx context.Context, agentID string, now time.Time) ([]*Session, error)
	MarkSessionAway(ctx context.Context, sessionID string, now time.Time) error
	ClearSessionGrace(ctx context.Context, sessionID string) error
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
	CloseSession(ctx context.Context, sessionID string, now time.Time) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// Reaping
	ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)
	ReapSession(ctx context.Context, sessionID string, cutoff time.Time) (bool, error)

	// Close releases any resources held by the store
	Close() error
}
