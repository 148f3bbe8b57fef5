// Package store persists the session registry: one row per session with its
// current resume state and status, plus a run history used for inspection and
// hygiene sweeps.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id is not in the registry.
var ErrNotFound = errors.New("session not found")

// Session statuses.
const (
	StatusActive      = "active"
	StatusInterrupted = "interrupted"
	StatusEnded       = "ended"
	StatusFailed      = "failed"
)

// Session is one registry row.
type Session struct {
	ID         string // warden's own identifier, stable across engine restarts
	Handle     string // engine resume handle, replace-only
	Cursor     string // last processed turn id, advance-only
	Status     string
	Backend    string
	MailboxDir string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Run is one worker run in a session's history.
type Run struct {
	SessionID      string
	Classification string
	ExitCode       int
	Attempt        int
	Error          string
	StartedAt      time.Time
	EndedAt        time.Time
}

// Store wraps the SQLite connection and path.
type Store struct {
	sql  *sql.DB
	path string
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "warden", "warden.db")
}

// Open opens or creates the database, applies pragmas, and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultPath()
	}

	resolved := expandPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := applyPragmas(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &Store{sql: sqlDB, path: resolved}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

// Migrate creates or updates the schema.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			handle      TEXT NOT NULL DEFAULT '',
			cursor      TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'active',
			backend     TEXT NOT NULL DEFAULT 'host',
			mailbox_dir TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			classification TEXT NOT NULL,
			exit_code      INTEGER NOT NULL,
			attempt        INTEGER NOT NULL DEFAULT 1,
			error          TEXT NOT NULL DEFAULT '',
			started_at     TIMESTAMP NOT NULL,
			ended_at       TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess Session) error {
	now := time.Now().UTC()
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	_, err := s.sql.Exec(
		`INSERT INTO sessions (id, handle, cursor, status, backend, mailbox_dir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Handle, sess.Cursor, sess.Status, sess.Backend, sess.MailboxDir, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.sql.QueryRow(
		`SELECT id, handle, cursor, status, backend, mailbox_dir, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	var sess Session
	err := row.Scan(&sess.ID, &sess.Handle, &sess.Cursor, &sess.Status,
		&sess.Backend, &sess.MailboxDir, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// UpdateResume records new resume state. The handle is replace-only and the
// cursor advance-only, so empty values never clobber known state.
func (s *Store) UpdateResume(id, handle, cursor string) error {
	res, err := s.sql.Exec(
		`UPDATE sessions SET
			handle     = CASE WHEN ? = '' THEN handle ELSE ? END,
			cursor     = CASE WHEN ? = '' THEN cursor ELSE ? END,
			updated_at = ?
		 WHERE id = ?`,
		handle, handle, cursor, cursor, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating resume state: %w", err)
	}
	return affectedOne(res)
}

// SetStatus transitions a session's status.
func (s *Store) SetStatus(id, status string) error {
	res, err := s.sql.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return affectedOne(res)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.sql.Query(
		`SELECT id, handle, cursor, status, backend, mailbox_dir, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Handle, &sess.Cursor, &sess.Status,
			&sess.Backend, &sess.MailboxDir, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// EndedBefore returns ended or failed sessions last touched before cutoff.
// The janitor uses it to find mailboxes safe to remove.
func (s *Store) EndedBefore(cutoff time.Time) ([]Session, error) {
	rows, err := s.sql.Query(
		`SELECT id, handle, cursor, status, backend, mailbox_dir, created_at, updated_at
		 FROM sessions
		 WHERE status IN (?, ?) AND updated_at < ?
		 ORDER BY updated_at ASC`,
		StatusEnded, StatusFailed, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying ended sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Handle, &sess.Cursor, &sess.Status,
			&sess.Backend, &sess.MailboxDir, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via cascade, its run history.
func (s *Store) DeleteSession(id string) error {
	res, err := s.sql.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return affectedOne(res)
}

// RecordRun appends one run to a session's history.
func (s *Store) RecordRun(run Run) error {
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	_, err := s.sql.Exec(
		`INSERT INTO runs (session_id, classification, exit_code, attempt, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.SessionID, run.Classification, run.ExitCode, run.Attempt, run.Error,
		run.StartedAt.UTC(), run.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Runs returns up to limit runs for a session, most recent first. limit <= 0
// returns all.
func (s *Store) Runs(sessionID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats negative LIMIT as unlimited
	}
	rows, err := s.sql.Query(
		`SELECT session_id, classification, exit_code, attempt, error, started_at, ended_at
		 FROM runs WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.SessionID, &run.Classification, &run.ExitCode,
			&run.Attempt, &run.Error, &run.StartedAt, &run.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
