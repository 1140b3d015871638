// ABOUTME: Tests for the session sweeper's reap pass
// ABOUTME: Covers grace expiry, reconnect rescue, and queue delta notifications

package sweeper

import (
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/store"
)

type recordingRouter struct {
	mu     sync.Mutex
	frames map[string][]string
}

func (r *recordingRouter) Publish(group string, frame *protocol.Frame, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]string)
	}
	r.frames[group] = append(r.frames[group], frame.Kind)
}

func (r *recordingRouter) kinds(group string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[group]
}

func setupSweeper(t *testing.T, grace time.Duration) (*Sweeper, store.Store, *recordingRouter) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateCompany(t.Context(), &store.Company{
		ID: "company-1", Name: "Acme", APIKey: "key-1", Active: true,
	}))

	router := &recordingRouter{}
	return New(s, router, time.Minute, grace, slog.Default()), s, router
}

func seedSession(t *testing.T, s store.Store, createdAt time.Time) *store.Session {
	t.Helper()

	visitor, err := s.UpsertVisitor(t.Context(), &store.Visitor{
		ID:        uuid.New().String(),
		CompanyID: "company-1",
		SessionID: uuid.New().String(),
	})
	require.NoError(t, err)

	session := &store.Session{
		ID:             uuid.New().String(),
		CompanyID:      "company-1",
		VisitorID:      visitor.ID,
		RoomKey:        uuid.New().String(),
		Status:         store.StatusQueued,
		LastActivityAt: createdAt,
		CreatedAt:      createdAt,
	}
	require.NoError(t, s.CreateSession(t.Context(), session))
	return session
}

func TestSweepReapsExpiredQueuedSession(t *testing.T) {
	sw, s, router := setupSweeper(t, time.Hour)
	session := seedSession(t, s, time.Now().Add(-2*time.Hour))

	reaped := sw.Sweep(t.Context())
	assert.Equal(t, 1, reaped)

	_, err := s.GetSession(t.Context(), session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Agents learn the queue shrank
	assert.Contains(t, router.kinds(broadcast.CompanyGroup("company-1")), protocol.KindQueueDelta)
}

func TestSweepSparesFreshSessions(t *testing.T) {
	sw, s, _ := setupSweeper(t, time.Hour)
	session := seedSession(t, s, time.Now())

	reaped := sw.Sweep(t.Context())
	assert.Zero(t, reaped)

	_, err := s.GetSession(t.Context(), session.ID)
	assert.NoError(t, err)
}

func TestSweepReapsExpiredGraceWindow(t *testing.T) {
	sw, s, _ := setupSweeper(t, time.Hour)
	session := seedSession(t, s, time.Now())

	require.NoError(t, s.ClaimSession(t.Context(), session.ID, "agent-1", time.Now()))
	_, err := s.OrphanSessionsByAgent(t.Context(), "agent-1", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	reaped := sw.Sweep(t.Context())
	assert.Equal(t, 1, reaped)

	_, err = s.GetSession(t.Context(), session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepSparesReclaimedSession(t *testing.T) {
	sw, s, _ := setupSweeper(t, time.Hour)
	session := seedSession(t, s, time.Now())

	require.NoError(t, s.ClaimSession(t.Context(), session.ID, "agent-1", time.Now()))
	_, err := s.OrphanSessionsByAgent(t.Context(), "agent-1", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	// Agent reconnects before the sweep fires
	_, err = s.ReclaimSessions(t.Context(), "agent-1", time.Now())
	require.NoError(t, err)

	reaped := sw.Sweep(t.Context())
	assert.Zero(t, reaped)

	got, err := s.GetSession(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, got.Status)
}

func TestSweepDeletesMessagesAndVisitor(t *testing.T) {
	sw, s, _ := setupSweeper(t, time.Hour)
	session := seedSession(t, s, time.Now().Add(-2*time.Hour))

	require.NoError(t, s.SaveMessage(t.Context(), &store.Message{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		SenderKind: store.SenderVisitor,
		Content:    "anyone?",
		CreatedAt:  time.Now().Add(-2 * time.Hour),
	}))

	reaped := sw.Sweep(t.Context())
	require.Equal(t, 1, reaped)

	_, err := s.GetVisitor(t.Context(), session.VisitorID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepIsIdempotent(t *testing.T) {
	sw, s, _ := setupSweeper(t, time.Hour)
	seedSession(t, s, time.Now().Add(-2*time.Hour))

	assert.Equal(t, 1, sw.Sweep(t.Context()))
	assert.Zero(t, sw.Sweep(t.Context()))
}
