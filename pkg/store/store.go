package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrConflict is returned when a conditional write matched no row,
	// meaning another worker got there first.
	ErrConflict = errors.New("conditional write matched no row")
)

// Store is the sqlite-backed persistence layer for projects, jobs, agents
// and the audit log.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an in-memory database in tests.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		path = "foreman.db"
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-only status queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		repo_url         TEXT,
		budget_allocated REAL,
		created_at       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		project_id        TEXT NOT NULL REFERENCES projects(id),
		assigned_agent_id TEXT,
		type              TEXT NOT NULL,
		payload           TEXT NOT NULL DEFAULT '{}',
		status            TEXT NOT NULL DEFAULT 'pending',
		retry_count       INTEGER NOT NULL DEFAULT 0,
		max_retries       INTEGER NOT NULL DEFAULT 3,
		failure_reason    TEXT NOT NULL DEFAULT '',
		last_error        TEXT NOT NULL DEFAULT '',
		next_retry_at     DATETIME,
		tokens_in         INTEGER NOT NULL DEFAULT 0,
		tokens_out        INTEGER NOT NULL DEFAULT 0,
		tokens_total      INTEGER NOT NULL DEFAULT 0,
		actual_cost       REAL NOT NULL DEFAULT 0,
		estimated_cost    REAL NOT NULL DEFAULT 0,
		started_at        DATETIME,
		completed_at      DATETIME,
		actual_duration   INTEGER NOT NULL DEFAULT 0,
		result            TEXT,
		logs              TEXT NOT NULL DEFAULT '',
		cancel_requested  INTEGER NOT NULL DEFAULT 0,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS agents (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		type           TEXT NOT NULL,
		provider       TEXT NOT NULL,
		model          TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'idle',
		current_job_id TEXT NOT NULL DEFAULT '',
		last_heartbeat DATETIME
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
