// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Company/visitor persistence plus schema creation; session ops in sessions.go

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes all writes and keeps :memory: databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS companies (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			api_key    TEXT NOT NULL UNIQUE,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_companies_api_key ON companies(api_key);

		CREATE TABLE IF NOT EXISTS visitors (
			id                 TEXT PRIMARY KEY,
			company_id         TEXT NOT NULL,
			session_id         TEXT NOT NULL,
			name               TEXT,
			browser            TEXT,
			page               TEXT,
			live_connection_id TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,

			UNIQUE(company_id, session_id)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			company_id        TEXT NOT NULL,
			visitor_id        TEXT NOT NULL,
			room_key          TEXT NOT NULL UNIQUE,
			assigned_agent_id TEXT,
			status            TEXT NOT NULL,
			claimed_at        TEXT,
			orphaned_at       TEXT,
			last_activity_at  TEXT NOT NULL,
			created_at        TEXT NOT NULL,

			CHECK (status IN ('queued', 'assigned', 'orphaned', 'closed')),
			CHECK ((assigned_agent_id IS NOT NULL) = (status IN ('assigned', 'orphaned')))
		);

		-- At most one non-closed session per visitor
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_visitor
			ON sessions(visitor_id) WHERE status != 'closed';

		CREATE INDEX IF NOT EXISTS idx_sessions_company_status ON sessions(company_id, status);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(assigned_agent_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_orphaned ON sessions(orphaned_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			session_id  TEXT NOT NULL,
			sender_kind TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			CHECK (sender_kind IN ('visitor', 'agent', 'system', 'bot')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateCompany inserts a new company row
func (s *SQLiteStore) CreateCompany(ctx context.Context, company *Company) error {
	query := `
		INSERT INTO companies (id, name, api_key, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		company.ID,
		company.Name,
		company.APIKey,
		boolToInt(company.Active),
		company.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting company: %w", err)
	}

	s.logger.Debug("created company", "id", company.ID, "name", company.Name)
	return nil
}

// GetCompanyByAPIKey retrieves a company by its widget API key.
// Returns ErrNotFound if no company has the key. The caller is responsible
// for checking Active (inactive companies fail verification differently
// from unknown keys).
func (s *SQLiteStore) GetCompanyByAPIKey(ctx context.Context, apiKey string) (*Company, error) {
	query := `
		SELECT id, name, api_key, active, created_at
		FROM companies
		WHERE api_key = ?
	`

	var company Company
	var active int
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, apiKey).Scan(
		&company.ID,
		&company.Name,
		&company.APIKey,
		&active,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying company by api key: %w", err)
	}

	company.Active = active != 0
	company.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &company, nil
}

// UpsertVisitor inserts or refreshes a visitor keyed by (company_id, session_id).
// The session ID is client-generated and stable across reloads, so a returning
// visitor updates its profile snapshot rather than creating a new row.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, visitor *Visitor) (*Visitor, error) {
	now := time.Now()
	query := `
		INSERT INTO visitors (id, company_id, session_id, name, browser, page, live_connection_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, session_id) DO UPDATE SET
			name = excluded.name,
			browser = excluded.browser,
			page = excluded.page,
			live_connection_id = excluded.live_connection_id,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		visitor.ID,
		visitor.CompanyID,
		visitor.SessionID,
		nullString(visitor.Name),
		nullString(visitor.Browser),
		nullString(visitor.Page),
		nullString(visitor.LiveConnectionID),
		now.UTC().Format(time.RFC3339),
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting visitor: %w", err)
	}

	// Re-read to pick up the existing row ID on conflict
	return s.getVisitorBySessionID(ctx, visitor.CompanyID, visitor.SessionID)
}

// GetVisitor retrieves a visitor by ID.
// Returns ErrNotFound if the visitor doesn't exist.
func (s *SQLiteStore) GetVisitor(ctx context.Context, id string) (*Visitor, error) {
	query := visitorSelect + ` WHERE id = ?`
	return s.scanVisitor(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) getVisitorBySessionID(ctx context.Context, companyID, sessionID string) (*Visitor, error) {
	query := visitorSelect + ` WHERE company_id = ? AND session_id = ?`
	return s.scanVisitor(s.db.QueryRowContext(ctx, query, companyID, sessionID))
}

const visitorSelect = `
	SELECT id, company_id, session_id, name, browser, page, live_connection_id, created_at, updated_at
	FROM visitors
`

func (s *SQLiteStore) scanVisitor(row *sql.Row) (*Visitor, error) {
	var v Visitor
	var name, browser, page, connID sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(&v.ID, &v.CompanyID, &v.SessionID, &name, &browser, &page, &connID, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning visitor: %w", err)
	}

	v.Name = name.String
	v.Browser = browser.String
	v.Page = page.String
	v.LiveConnectionID = connID.String

	v.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	v.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &v, nil
}

// SetVisitorConnection records the live connection for a visitor.
func (s *SQLiteStore) SetVisitorConnection(ctx context.Context, visitorID, connectionID string) error {
	query := `UPDATE visitors SET live_connection_id = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, connectionID, time.Now().UTC().Format(time.RFC3339), visitorID)
	if err != nil {
		return fmt.Errorf("setting visitor connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearVisitorConnection clears the live connection, but only if it still
// points at the given connection. A disconnect racing a fresh reconnect must
// not wipe the newer socket.
func (s *SQLiteStore) ClearVisitorConnection(ctx context.Context, visitorID, connectionID string) error {
	query := `
		UPDATE visitors SET live_connection_id = NULL, updated_at = ?
		WHERE id = ? AND live_connection_id = ?
	`

	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339), visitorID, connectionID); err != nil {
		return fmt.Errorf("clearing visitor connection: %w", err)
	}
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
