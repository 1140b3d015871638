// ABOUTME: Session lifecycle operations for the SQLite store
// ABOUTME: Every transition is a single conditional UPDATE/DELETE so concurrent claims race safely

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession creates a new session row in the queued state.
// Returns ErrDuplicateSession if the visitor already has an open session
// (enforced by the partial unique index on visitor_id).
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, company_id, visitor_id, room_key, assigned_agent_id, status, claimed_at, orphaned_at, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.CompanyID,
		session.VisitorID,
		session.RoomKey,
		nullString(session.AssignedAgentID),
		session.Status,
		nullTime(session.ClaimedAt),
		nullTime(session.OrphanedAt),
		session.LastActivityAt.UTC().Format(time.RFC3339),
		session.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "visitor_id", session.VisitorID, "room_key", session.RoomKey)
	return nil
}

const sessionSelect = `
	SELECT id, company_id, visitor_id, room_key, assigned_agent_id, status, claimed_at, orphaned_at, last_activity_at, created_at
	FROM sessions
`

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
}

// GetSessionByRoomKey retrieves a session by its room key.
func (s *SQLiteStore) GetSessionByRoomKey(ctx context.Context, roomKey string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE room_key = ?`, roomKey))
}

// GetOpenSessionByVisitor retrieves the visitor's single non-closed session.
func (s *SQLiteStore) GetOpenSessionByVisitor(ctx context.Context, visitorID string) (*Session, error) {
	query := sessionSelect + ` WHERE visitor_id = ? AND status != 'closed'`
	return scanSession(s.db.QueryRowContext(ctx, query, visitorID))
}

// ListQueuedSessions returns the waiting list for a company, oldest first.
func (s *SQLiteStore) ListQueuedSessions(ctx context.Context, companyID string) ([]*Session, error) {
	query := sessionSelect + ` WHERE company_id = ? AND status = 'queued' ORDER BY created_at ASC`
	return s.querySessions(ctx, query, companyID)
}

// ListSessionsByAgent returns all non-closed sessions held by an agent
// (both assigned and orphaned).
func (s *SQLiteStore) ListSessionsByAgent(ctx context.Context, agentID string) ([]*Session, error) {
	query := sessionSelect + ` WHERE assigned_agent_id = ? AND status != 'closed' ORDER BY created_at ASC`
	return s.querySessions(ctx, query, agentID)
}

// ClaimSession atomically assigns a queued session to an agent.
//
// Under concurrent claims exactly one UPDATE matches; the loser observes
// zero affected rows and gets ErrAlreadyAssigned (or ErrSessionClosed /
// ErrNotFound depending on what it lost to).
func (s *SQLiteStore) ClaimSession(ctx context.Context, sessionID, agentID string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	query := `
		UPDATE sessions
		SET assigned_agent_id = ?, status = 'assigned', claimed_at = COALESCE(claimed_at, ?), last_activity_at = ?
		WHERE id = ? AND status = 'queued' AND assigned_agent_id IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, agentID, nowStr, nowStr, sessionID)
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.classifyClaimFailure(ctx, sessionID)
	}

	s.logger.Debug("session claimed", "session_id", sessionID, "agent_id", agentID)
	return nil
}

// classifyClaimFailure decides which error a losing claim gets.
func (s *SQLiteStore) classifyClaimFailure(ctx context.Context, sessionID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err // ErrNotFound or a query failure
	}
	if session.Status == StatusClosed {
		return ErrSessionClosed
	}
	return ErrAlreadyAssigned
}

// ReleaseSession voluntarily returns a session to the queue. Only the claim
// holder may release; the session re-enters the visible queue for any agent.
// claimed_at is deliberately left in place: a released session is waiting,
// not abandoned, and must not expire on age.
func (s *SQLiteStore) ReleaseSession(ctx context.Context, sessionID, agentID string, now time.Time) error {
	query := `
		UPDATE sessions
		SET assigned_agent_id = NULL, status = 'queued', orphaned_at = NULL, last_activity_at = ?
		WHERE id = ? AND assigned_agent_id = ? AND status IN ('assigned', 'orphaned')
	`

	result, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339), sessionID, agentID)
	if err != nil {
		return fmt.Errorf("releasing session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrNotClaimHolder
	}

	s.logger.Debug("session released", "session_id", sessionID, "agent_id", agentID)
	return nil
}

// ReclaimSessions flips every orphaned session held by a reconnecting agent
// back to assigned and clears the grace window. Returns the sessions that
// were actually reclaimed (already-assigned sessions are untouched).
//
// Only the holding agent's identity matches the WHERE clause, so there is no
// reassignment race with other agents.
func (s *SQLiteStore) ReclaimSessions(ctx context.Context, agentID string, now time.Time) ([]*Session, error) {
	// Snapshot the orphaned set for event emission; the UPDATE below is the
	// authoritative transition and only touches rows still orphaned.
	orphaned, err := s.querySessions(ctx,
		sessionSelect+` WHERE assigned_agent_id = ? AND status = 'orphaned'`, agentID)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE sessions
		SET status = 'assigned', orphaned_at = NULL, last_activity_at = ?
		WHERE assigned_agent_id = ? AND status = 'orphaned'
	`
	if _, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339), agentID); err != nil {
		return nil, fmt.Errorf("reclaiming sessions: %w", err)
	}

	for _, session := range orphaned {
		session.Status = StatusAssigned
		session.OrphanedAt = nil
	}

	if len(orphaned) > 0 {
		s.logger.Debug("sessions reclaimed", "agent_id", agentID, "count", len(orphaned))
	}
	return orphaned, nil
}

// OrphanSessionsByAgent marks every assigned session of a disconnecting agent
// as orphaned, starting the grace window. The claim is preserved, not
// released: "agent stepped away" is distinct from "agent left".
func (s *SQLiteStore) OrphanSessionsByAgent(ctx context.Context, agentID string, now time.Time) ([]*Session, error) {
	query := `
		UPDATE sessions
		SET status = 'orphaned', orphaned_at = ?
		WHERE assigned_agent_id = ? AND status = 'assigned'
	`
	if _, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339), agentID); err != nil {
		return nil, fmt.Errorf("orphaning sessions: %w", err)
	}

	orphaned, err := s.querySessions(ctx,
		sessionSelect+` WHERE assigned_agent_id = ? AND status = 'orphaned'`, agentID)
	if err != nil {
		return nil, err
	}

	if len(orphaned) > 0 {
		s.logger.Debug("sessions orphaned", "agent_id", agentID, "count", len(orphaned))
	}
	return orphaned, nil
}

// MarkSessionAway records a visitor-side disconnect by starting the grace
// window without changing status. An assigned session keeps its agent; a
// queued session stays visible in the queue.
func (s *SQLiteStore) MarkSessionAway(ctx context.Context, sessionID string, now time.Time) error {
	query := `UPDATE sessions SET orphaned_at = ? WHERE id = ? AND status != 'closed'`

	if _, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339), sessionID); err != nil {
		return fmt.Errorf("marking session away: %w", err)
	}
	return nil
}

// ClearSessionGrace cancels a visitor-side grace window on reconnect.
// Orphaned sessions keep their timestamp: that window belongs to the
// disconnected agent, and only a reclaim may clear it.
func (s *SQLiteStore) ClearSessionGrace(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET orphaned_at = NULL WHERE id = ? AND status IN ('queued', 'assigned')`

	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("clearing session grace: %w", err)
	}
	return nil
}

// TouchSession refreshes last_activity_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	query := `UPDATE sessions SET last_activity_at = ? WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339), sessionID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// CloseSession terminates a session immediately. Closing clears the
// assignment so the invariant "agent set iff assigned/orphaned" holds.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, now time.Time) error {
	query := `
		UPDATE sessions
		SET status = 'closed', assigned_agent_id = NULL, orphaned_at = NULL, last_activity_at = ?
		WHERE id = ? AND status != 'closed'
	`

	result, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		session, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == StatusClosed {
			// Already closed; closing is idempotent
			return nil
		}
		return fmt.Errorf("closing session %s: no rows affected", sessionID)
	}

	s.logger.Debug("session closed", "session_id", sessionID)
	return nil
}

// SaveMessage appends a message to a session. The AUTOINCREMENT seq column
// is the ordering key for reads.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, session_id, sender_kind, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.SenderKind,
		msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if seq, err := result.LastInsertId(); err == nil {
		msg.Seq = seq
	}

	s.logger.Debug("saved message", "id", msg.ID, "session_id", msg.SessionID, "sender_kind", msg.SenderKind)
	return nil
}

// GetSessionMessages retrieves messages for a session, limited to the most
// recent `limit` messages, returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	// seq is the sole ordering key. Timestamps are server-assigned, so
	// insertion order is time order, and the RFC3339Nano TEXT column does
	// not compare lexicographically (trailing fractional zeros are dropped).
	if limit > 0 {
		query = `
			SELECT seq, id, session_id, sender_kind, content, created_at
			FROM (
				SELECT seq, id, session_id, sender_kind, content, created_at
				FROM messages
				WHERE session_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT seq, id, session_id, sender_kind, content, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY seq ASC
		`
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string

		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.SessionID, &msg.SenderKind, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// expiredCondition matches sessions whose grace window elapsed without a
// reclaim, plus queued sessions nobody ever claimed before the cutoff.
// claimed_at survives a release, so a session an agent claimed and handed
// back to the queue is never treated as abandoned on age alone; it only
// expires through the orphaned_at grace window.
const expiredCondition = `
	status != 'closed'
	AND (
		(orphaned_at IS NOT NULL AND orphaned_at <= ?)
		OR (claimed_at IS NULL AND created_at <= ?)
	)
`

// ListExpiredSessions returns reap candidates for the sweeper.
func (s *SQLiteStore) ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339)
	query := sessionSelect + ` WHERE ` + expiredCondition
	return s.querySessions(ctx, query, cutoffStr, cutoffStr)
}

// ReapSession permanently deletes an expired session, its messages, and,
// if no other open session remains, its visitor.
//
// The session delete re-checks the expiry condition, so a reconnect that
// cleared orphaned_at between the sweeper's read and this call wins: zero
// rows match, the transaction rolls back, and nothing is deleted. The whole
// reap is idempotent and safe to re-run.
func (s *SQLiteStore) ReapSession(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning reap transaction: %w", err)
	}
	defer tx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339)

	// Messages first: if the sweep dies mid-way the rollback restores them,
	// and a committed session delete can never leave orphaned history.
	deleteMessages := `
		DELETE FROM messages
		WHERE session_id IN (SELECT id FROM sessions WHERE id = ? AND ` + expiredCondition + `)
	`
	if _, err := tx.ExecContext(ctx, deleteMessages, sessionID, cutoffStr, cutoffStr); err != nil {
		return false, fmt.Errorf("deleting messages: %w", err)
	}

	var visitorID string
	deleteSession := `
		DELETE FROM sessions
		WHERE id = ? AND ` + expiredCondition + `
		RETURNING visitor_id
	`
	err = tx.QueryRowContext(ctx, deleteSession, sessionID, cutoffStr, cutoffStr).Scan(&visitorID)
	if err == sql.ErrNoRows {
		// Reclaimed, closed-and-reaped already, or never existed: nothing to do
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}

	// Visitor last, and only if orphaned from all sessions
	deleteVisitor := `
		DELETE FROM visitors
		WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM sessions WHERE visitor_id = ? AND status != 'closed')
	`
	if _, err := tx.ExecContext(ctx, deleteVisitor, visitorID, visitorID); err != nil {
		return false, fmt.Errorf("deleting visitor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing reap: %w", err)
	}

	s.logger.Debug("reaped session", "session_id", sessionID, "visitor_id", visitorID)
	return true, nil
}

// querySessions runs a session query and scans all rows.
func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var session Session
	var agentID, claimedAt, orphanedAt sql.NullString
	var lastActivityStr, createdAtStr string

	err := row.Scan(
		&session.ID,
		&session.CompanyID,
		&session.VisitorID,
		&session.RoomKey,
		&agentID,
		&session.Status,
		&claimedAt,
		&orphanedAt,
		&lastActivityStr,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	return finishSession(&session, agentID, claimedAt, orphanedAt, lastActivityStr, createdAtStr)
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	var session Session
	var agentID, claimedAt, orphanedAt sql.NullString
	var lastActivityStr, createdAtStr string

	err := rows.Scan(
		&session.ID,
		&session.CompanyID,
		&session.VisitorID,
		&session.RoomKey,
		&agentID,
		&session.Status,
		&claimedAt,
		&orphanedAt,
		&lastActivityStr,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	return finishSession(&session, agentID, claimedAt, orphanedAt, lastActivityStr, createdAtStr)
}

func finishSession(session *Session, agentID, claimedAt, orphanedAt sql.NullString, lastActivityStr, createdAtStr string) (*Session, error) {
	session.AssignedAgentID = agentID.String

	if claimedAt.Valid {
		t, err := time.Parse(time.RFC3339, claimedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing claimed_at: %w", err)
		}
		session.ClaimedAt = &t
	}

	if orphanedAt.Valid {
		t, err := time.Parse(time.RFC3339, orphanedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing orphaned_at: %w", err)
		}
		session.OrphanedAt = &t
	}

	var err error
	session.LastActivityAt, err = time.Parse(time.RFC3339, lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	session.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return session, nil
}

// nullTime returns nil for nil times, otherwise the RFC3339 string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
