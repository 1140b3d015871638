// ABOUTME: Tests for the room assignment engine state machine and message path
// ABOUTME: Uses a real SQLite store and a recording fake broadcaster

package room

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/store"
)

// recordingRouter captures publishes instead of fanning out.
type recordingRouter struct {
	mu     sync.Mutex
	frames []publishedFrame
}

type publishedFrame struct {
	group   string
	frame   *protocol.Frame
	exclude string
}

func (r *recordingRouter) Publish(group string, frame *protocol.Frame, excludeSubID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, publishedFrame{group: group, frame: frame, exclude: excludeSubID})
}

func (r *recordingRouter) published(group, kind string) []publishedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []publishedFrame
	for _, p := range r.frames {
		if p.group == group && p.frame.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// staticResponder returns a fixed reply without any network call.
type staticResponder struct {
	reply string
	calls chan string
}

func (s *staticResponder) GenerateReply(_ context.Context, _ string, visitorText string) (string, error) {
	if s.calls != nil {
		s.calls <- visitorText
	}
	return s.reply, nil
}

type engineFixture struct {
	engine  *Engine
	store   store.Store
	router  *recordingRouter
	company *store.Company
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	company := &store.Company{
		ID:     "company-1",
		Name:   "Acme",
		APIKey: "key-acme",
		Active: true,
	}
	require.NoError(t, s.CreateCompany(t.Context(), company))

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	gate := auth.NewGate(verifier, s, slog.Default())
	router := &recordingRouter{}

	return &engineFixture{
		engine:  NewEngine(s, gate, router, nil, slog.Default()),
		store:   s,
		router:  router,
		company: company,
	}
}

func (f *engineFixture) verify(t *testing.T, clientSessionID string) *VerifyResult {
	t.Helper()
	result, err := f.engine.Verify(t.Context(), &VerifyRequest{
		SessionID:    clientSessionID,
		APIKey:       f.company.APIKey,
		Profile:      protocol.Profile{Name: "Pat"},
		ConnectionID: "conn-" + clientSessionID,
	})
	require.NoError(t, err)
	return result
}

func agentIdentity(companyID string) *auth.AgentIdentity {
	return &auth.AgentIdentity{UserID: "agent-1", CompanyID: companyID, Role: "agent"}
}

func TestVerifyCreatesQueuedSession(t *testing.T) {
	f := setupEngine(t)

	result := f.verify(t, "client-1")
	assert.True(t, result.Created)
	assert.Equal(t, store.StatusQueued, result.Session.Status)
	assert.NotEmpty(t, result.Session.RoomKey)

	deltas := f.router.published(broadcast.CompanyGroup(f.company.ID), protocol.KindQueueDelta)
	require.Len(t, deltas, 1)
}

func TestVerifyIsIdempotentAcrossReconnects(t *testing.T) {
	f := setupEngine(t)

	first := f.verify(t, "client-1")
	second := f.verify(t, "client-1")

	assert.False(t, second.Created)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, first.Session.RoomKey, second.Session.RoomKey)

	// Only the first verify adds a queue entry
	deltas := f.router.published(broadcast.CompanyGroup(f.company.ID), protocol.KindQueueDelta)
	assert.Len(t, deltas, 1)
}

func TestVerifyRejectsBadAPIKey(t *testing.T) {
	f := setupEngine(t)

	_, err := f.engine.Verify(t.Context(), &VerifyRequest{
		SessionID: "client-1",
		APIKey:    "no-such-key",
	})
	assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)
}

func TestVerifyRejectsInactiveCompany(t *testing.T) {
	f := setupEngine(t)

	dormant := &store.Company{ID: "company-2", Name: "Dormant", APIKey: "key-dormant", Active: false}
	require.NoError(t, f.store.CreateCompany(t.Context(), dormant))

	_, err := f.engine.Verify(t.Context(), &VerifyRequest{
		SessionID: "client-1",
		APIKey:    dormant.APIKey,
	})
	assert.ErrorIs(t, err, auth.ErrCompanyNotActive)
}

func TestVerifyClearsVisitorGrace(t *testing.T) {
	f := setupEngine(t)

	result := f.verify(t, "client-1")
	require.NoError(t, f.store.MarkSessionAway(t.Context(), result.Session.ID, time.Now()))

	f.verify(t, "client-1")

	session, err := f.store.GetSession(t.Context(), result.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, session.OrphanedAt)
}

func TestClaimAssignsAndSeedsHistory(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")

	sender := &Sender{Kind: store.SenderVisitor, CompanyID: f.company.ID, VisitorID: result.Visitor.ID}
	_, err := f.engine.SendMessage(t.Context(), sender, result.Session.RoomKey, "hello?")
	require.NoError(t, err)

	claim, err := f.engine.Claim(t.Context(), agentIdentity(f.company.ID), result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, claim.Session.Status)
	require.Len(t, claim.History, 1)
	assert.Equal(t, "hello?", claim.History[0].Content)

	// Queue loses the entry, room learns the agent arrived
	deltas := f.router.published(broadcast.CompanyGroup(f.company.ID), protocol.KindQueueDelta)
	require.Len(t, deltas, 2) // added on verify, removed on claim
	online := f.router.published(broadcast.RoomGroup(result.Session.RoomKey), protocol.KindAgentOnline)
	assert.Len(t, online, 1)
}

func TestClaimLoserGetsAlreadyAssigned(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")

	_, err := f.engine.Claim(t.Context(), agentIdentity(f.company.ID), result.Session.ID)
	require.NoError(t, err)

	rival := &auth.AgentIdentity{UserID: "agent-2", CompanyID: f.company.ID}
	_, err = f.engine.Claim(t.Context(), rival, result.Session.ID)
	assert.ErrorIs(t, err, store.ErrAlreadyAssigned)
	assert.Equal(t, ReasonAlreadyAssigned, RejectionReason(err))
}

func TestClaimAcrossCompanyLooksLikeNotFound(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")

	outsider := &auth.AgentIdentity{UserID: "agent-x", CompanyID: "company-other"}
	_, err := f.engine.Claim(t.Context(), outsider, result.Session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, ReasonNotFound, RejectionReason(err))
}

func TestReleaseRequeues(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")
	identity := agentIdentity(f.company.ID)

	_, err := f.engine.Claim(t.Context(), identity, result.Session.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.Release(t.Context(), identity, result.Session.ID))

	session, err := f.store.GetSession(t.Context(), result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, session.Status)
	assert.Empty(t, session.AssignedAgentID)

	offline := f.router.published(broadcast.RoomGroup(result.Session.RoomKey), protocol.KindAgentOffline)
	assert.Len(t, offline, 1)
}

func TestReleaseByNonHolderRejected(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")

	_, err := f.engine.Claim(t.Context(), agentIdentity(f.company.ID), result.Session.ID)
	require.NoError(t, err)

	rival := &auth.AgentIdentity{UserID: "agent-2", CompanyID: f.company.ID}
	err = f.engine.Release(t.Context(), rival, result.Session.ID)
	assert.ErrorIs(t, err, store.ErrNotClaimHolder)
}

func TestLeaveClosesImmediately(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")

	require.NoError(t, f.engine.Leave(t.Context(), result.Visitor.ID))

	session, err := f.store.GetSession(t.Context(), result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, session.Status)

	// Leaving from the queue removes the entry
	deltas := f.router.published(broadcast.CompanyGroup(f.company.ID), protocol.KindQueueDelta)
	require.Len(t, deltas, 2)

	// A fresh verify opens a brand-new session
	next := f.verify(t, "client-1")
	assert.True(t, next.Created)
	assert.NotEqual(t, result.Session.ID, next.Session.ID)
}

func TestSendMessagePersistsThenBroadcasts(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")
	sender := &Sender{Kind: store.SenderVisitor, CompanyID: f.company.ID, VisitorID: result.Visitor.ID}

	msg, err := f.engine.SendMessage(t.Context(), sender, result.Session.RoomKey, "hi there")
	require.NoError(t, err)
	assert.NotZero(t, msg.Seq)

	stored, err := f.store.GetSessionMessages(t.Context(), result.Session.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	frames := f.router.published(broadcast.RoomGroup(result.Session.RoomKey), protocol.KindMessageReceived)
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].exclude, "sender receives its own message back")
}

func TestSendMessageToForeignRoomRejected(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")
	other := f.verify(t, "client-2")

	// A visitor cannot write into another visitor's room
	sender := &Sender{Kind: store.SenderVisitor, CompanyID: f.company.ID, VisitorID: other.Visitor.ID}
	_, err := f.engine.SendMessage(t.Context(), sender, result.Session.RoomKey, "intrusion")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSendMessageToClosedSessionRejected(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")
	require.NoError(t, f.engine.Leave(t.Context(), result.Visitor.ID))

	sender := &Sender{Kind: store.SenderVisitor, CompanyID: f.company.ID, VisitorID: result.Visitor.ID}
	_, err := f.engine.SendMessage(t.Context(), sender, result.Session.RoomKey, "anyone?")
	assert.ErrorIs(t, err, store.ErrSessionClosed)
}

func TestBotRepliesWhileUnassigned(t *testing.T) {
	f := setupEngine(t)
	responder := &staticResponder{reply: "Our hours are 9-5.", calls: make(chan string, 1)}
	f.engine.responder = responder

	result := f.verify(t, "client-1")
	sender := &Sender{Kind: store.SenderVisitor, CompanyID: f.company.ID, VisitorID: result.Visitor.ID}

	_, err := f.engine.SendMessage(t.Context(), sender, result.Session.RoomKey, "what are your hours?")
	require.NoError(t, err)

	select {
	case asked := <-responder.calls:
		assert.Equal(t, "what are your hours?", asked)
	case <-time.After(2 * time.Second):
		t.Fatal("responder never invoked")
	}

	// The reply lands as a persisted bot message
	require.Eventually(t, func() bool {
		msgs, err := f.store.GetSessionMessages(t.Context(), result.Session.ID, 10)
		return err == nil && len(msgs) == 2 && msgs[1].SenderKind == store.SenderBot
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBotSilentWhenAssigned(t *testing.T) {
	f := setupEngine(t)
	responder := &staticResponder{reply: "should not fire", calls: make(chan string, 1)}
	f.engine.responder = responder

	result := f.verify(t, "client-1")
	_, err := f.engine.Claim(t.Context(), agentIdentity(f.company.ID), result.Session.ID)
	require.NoError(t, err)

	sender := &Sender{Kind: store.SenderVisitor, CompanyID: f.company.ID, VisitorID: result.Visitor.ID}
	_, err = f.engine.SendMessage(t.Context(), sender, result.Session.RoomKey, "hello agent")
	require.NoError(t, err)

	select {
	case <-responder.calls:
		t.Fatal("responder invoked for an assigned session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTypingExcludesSender(t *testing.T) {
	f := setupEngine(t)
	result := f.verify(t, "client-1")
	sender := &Sender{Kind: store.SenderVisitor, CompanyID: f.company.ID, VisitorID: result.Visitor.ID}

	require.NoError(t, f.engine.Typing(t.Context(), sender, result.Session.RoomKey, false, "sub-self"))
	require.NoError(t, f.engine.Typing(t.Context(), sender, result.Session.RoomKey, true, "sub-self"))

	typing := f.router.published(broadcast.RoomGroup(result.Session.RoomKey), protocol.KindTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "sub-self", typing[0].exclude)

	stopped := f.router.published(broadcast.RoomGroup(result.Session.RoomKey), protocol.KindStopTyping)
	require.Len(t, stopped, 1)

	// Nothing persisted
	msgs, err := f.store.GetSessionMessages(t.Context(), result.Session.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListQueueSnapshot(t *testing.T) {
	f := setupEngine(t)
	first := f.verify(t, "client-1")
	f.verify(t, "client-2")

	_, err := f.engine.Claim(t.Context(), agentIdentity(f.company.ID), first.Session.ID)
	require.NoError(t, err)

	snapshot, err := f.engine.ListQueue(t.Context(), f.company.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Sessions, 1)
	assert.Equal(t, "Pat", snapshot.Sessions[0].VisitorName)
}

func TestListQueueScopedByCompany(t *testing.T) {
	f := setupEngine(t)
	f.verify(t, "client-1")

	snapshot, err := f.engine.ListQueue(t.Context(), "company-other")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Sessions)
}
