// Package store provides the embedded SQLite object store for one sleepsync
// process.
//
// Each process (host or companion) owns exactly one physical store. The
// repository package is the only caller; nothing else opens a handle to the
// same file.
//
// Architecture:
//   - Database file: <data dir>/sleepsync.db (WAL mode, foreign keys on)
//   - Current shape: schedules, sleep_blocks
//   - Legacy shape: legacy_schedules, legacy_sleep_blocks
//   - Sessions: sleep_entries
//   - Sync bookkeeping: pending_changes, processed_messages, sync_state
//   - Supporting: preferences, onboarding_answers, phase_undo
//
// Writes go through Tx (see WithTx) so that a repository save is applied in a
// single transaction in call order. Reads are available on both DB and Tx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MemoryPath is the path that selects an in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite connection.
type DB struct {
	reads
	conn   *sql.DB
	path   string
	memory bool
}

// Open creates a database connection at the specified path.
//
// The database is opened with WAL for concurrent reads and foreign keys on,
// and the schema is created if missing. The caller MUST call Close() when
// done.
//
// Example:
//
//	db, err := store.Open("data/sleepsync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path == MemoryPath {
		return OpenMemory()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout and foreign_keys are per connection, so they go in the
	// DSN and apply to every pooled connection.
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{reads: reads{q: conn}, conn: conn, path: path}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a private in-memory database with the schema applied.
//
// The pool is pinned to one connection because every SQLite connection to
// ":memory:" sees its own database.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite3", MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{reads: reads{q: conn}, conn: conn, path: MemoryPath, memory: true}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database path (MemoryPath for in-memory stores).
func (db *DB) Path() string { return db.path }

// IsMemory reports whether the store lives only in memory.
func (db *DB) IsMemory() bool { return db.memory }

// Close closes the database connection.
// File-backed stores checkpoint the WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if !db.memory {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Ping checks that the connection is still usable.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database is closed")
	}
	return db.conn.PingContext(ctx)
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	if db.conn == nil {
		return fmt.Errorf("failed to begin transaction: database is closed")
	}

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{reads: reads{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx is a write transaction handed out by WithTx. Reads issued on a Tx see
// its uncommitted writes.
type Tx struct {
	reads
	tx *sql.Tx
}

// reads holds the query methods shared by DB and Tx.
type reads struct {
	q querier
}

const schemaDDL = `
-- Current shape
CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	sync_id TEXT,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '{}',  -- JSON object, language tag -> text
	total_sleep_hours REAL NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	adaptation_phase INTEGER,
	activated_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sleep_blocks (
	id TEXT PRIMARY KEY,
	schedule_id TEXT REFERENCES schedules(id) ON DELETE CASCADE,
	start_minute INTEGER NOT NULL,
	end_minute INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL,
	is_core INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Legacy shape
CREATE TABLE IF NOT EXISTS legacy_schedules (
	id TEXT PRIMARY KEY,
	sync_id TEXT,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	total_sleep_hours REAL NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS legacy_sleep_blocks (
	id TEXT PRIMARY KEY,
	schedule_id TEXT REFERENCES legacy_schedules(id) ON DELETE CASCADE,
	start_time TEXT NOT NULL,  -- HH:MM
	end_time TEXT NOT NULL,    -- HH:MM
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	is_core INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Sessions. block_id is a soft reference: entries outlive their blocks.
CREATE TABLE IF NOT EXISTS sleep_entries (
	id TEXT PRIMARY KEY,
	sync_id TEXT,
	owner_id TEXT NOT NULL,
	date TEXT NOT NULL,
	block_id TEXT,
	emoji TEXT NOT NULL DEFAULT '',
	rating INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Sync bookkeeping
CREATE TABLE IF NOT EXISTS pending_changes (
	id TEXT PRIMARY KEY,
	entity_name TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL,  -- create, update, delete
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	message_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	processed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Supporting
CREATE TABLE IF NOT EXISTS preferences (
	owner_id TEXT PRIMARY KEY,
	reminder_lead_minutes INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS onboarding_answers (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	answers TEXT NOT NULL,  -- JSON object
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS phase_undo (
	schedule_id TEXT PRIMARY KEY REFERENCES schedules(id) ON DELETE CASCADE,
	previous_phase INTEGER,
	previous_activated_at TEXT,
	recorded_at TEXT NOT NULL
);

-- At most one live active schedule per owner
CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_one_active
	ON schedules(owner_id) WHERE is_active = 1 AND is_deleted = 0;

CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules(owner_id);
CREATE INDEX IF NOT EXISTS idx_legacy_schedules_owner ON legacy_schedules(owner_id);
CREATE INDEX IF NOT EXISTS idx_blocks_schedule ON sleep_blocks(schedule_id);
CREATE INDEX IF NOT EXISTS idx_legacy_blocks_schedule ON legacy_sleep_blocks(schedule_id);
CREATE INDEX IF NOT EXISTS idx_entries_owner_date ON sleep_entries(owner_id, date);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_changes(created_at);
CREATE INDEX IF NOT EXISTS idx_answers_owner ON onboarding_answers(owner_id, recorded_at);
`
