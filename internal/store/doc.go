// Package store provides persistent storage for hearth using SQLite.
//
// # Data Models
//
//   - Company: a tenant whose site embeds the chat widget, keyed by API key
//   - Visitor: an anonymous website visitor with a stable client session ID
//   - Session: the lifecycle record binding one visitor to one company
//     conversation (queued, assigned, orphaned, closed)
//   - Message: append-only chat history owned by a session
//
// # Concurrency
//
// The session row is the only shared resource requiring cross-process
// coordination. Every lifecycle transition (claim, release, reclaim, orphan,
// close, reap) is a single conditional UPDATE or DELETE ("compare field,
// then set fields"), never a read-then-write sequence. Concurrent callers
// race at the database: exactly one conditional update wins and the losers
// observe zero affected rows, surfaced as typed errors (ErrAlreadyAssigned,
// ErrNotClaimHolder, ErrSessionClosed).
//
// Two schema-level invariants back the state machine:
//
//   - a partial unique index keeps at most one non-closed session per visitor
//   - a CHECK constraint ties assigned_agent_id to the assigned/orphaned states
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests.
package store
