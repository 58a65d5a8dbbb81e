// Package store implements the local database every read and write
// goes through. It is an embedded SQLite database (WAL mode) that acts
// as the single source of truth on this device; the remote authority
// only ever sees it through the outbox and the sync engine.
//
// Every mutating write runs in one transaction that also appends the
// matching outbox entry: a change that is not observable in the outbox
// is not observable to readers either. Durability to the snapshot blob
// is best-effort per call and retried on the next mutation.
//
// Multiple processes operate on independent physical copies; there is
// no cross-process locking. Reconciliation between copies happens only
// through the remote authority.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tunebook/tunebook/internal/events"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Options configures a Store beyond its database path.
type Options struct {
	// SnapshotPath is where Persist writes the durable snapshot blob.
	// Empty disables snapshotting (WAL checkpoints still run).
	SnapshotPath string

	// DeviceID tags every local write's sync metadata. Empty loads (or
	// generates) the persisted device identity next to the database.
	DeviceID string

	// Bus receives typed change notifications. Nil creates a private
	// bus nobody listens on.
	Bus *events.Bus

	// Logger for store activity. Nil uses a default stderr logger.
	Logger *log.Logger
}

// Store wraps the embedded database connection.
//
// Mutating transactions are serialized behind a mutex (single logical
// writer per process); reads run concurrently under WAL.
type Store struct {
	conn         *sql.DB
	path         string
	snapshotPath string
	deviceID     string
	bus          *events.Bus
	logger       *log.Logger

	// writeMu serializes mutating transactions.
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path. If the database file
// is missing but a snapshot blob exists, the snapshot is restored
// first, so a reload immediately after a crash resumes from the last
// persisted state.
//
// The caller MUST call Close() when done.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Restore from the snapshot blob when the live database is gone.
	if opts.SnapshotPath != "" {
		if err := restoreSnapshot(path, opts.SnapshotPath); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:         conn,
		path:         path,
		snapshotPath: opts.SnapshotPath,
		deviceID:     opts.DeviceID,
		bus:          opts.Bus,
		logger:       opts.Logger,
	}
	if s.bus == nil {
		s.bus = events.NewBus()
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if s.deviceID == "" {
		id, err := loadDeviceID(dir)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.deviceID = id
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// DeviceID returns the stable identifier tagging this installation's
// writes. It is provenance only, never authorization.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// Bus returns the change-notification bus mutations publish on.
func (s *Store) Bus() *events.Bus {
	return s.bus
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// InitSchema creates all tables and indexes if they don't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Syncable tables. Every row carries sync metadata:
	-- sync_version, last_modified_at, device_id, deleted.
	CREATE TABLE IF NOT EXISTS tunes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		type TEXT NOT NULL,
		genre TEXT,
		mode TEXT,
		structure TEXT,
		incipit TEXT,
		public INTEGER NOT NULL DEFAULT 0,
		owner_user_id TEXT,
		created_at TEXT NOT NULL,
		sync_version INTEGER NOT NULL DEFAULT 0,
		last_modified_at TEXT NOT NULL,
		device_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tune_overrides (
		user_id TEXT NOT NULL,
		tune_id TEXT NOT NULL,
		fields TEXT NOT NULL,  -- JSON object: field name -> value
		sync_version INTEGER NOT NULL DEFAULT 0,
		last_modified_at TEXT NOT NULL,
		device_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, tune_id)
	);

	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL,
		sync_version INTEGER NOT NULL DEFAULT 0,
		last_modified_at TEXT NOT NULL,
		device_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS collection_tunes (
		collection_id TEXT NOT NULL,
		tune_id TEXT NOT NULL,
		added_at TEXT NOT NULL,
		sync_version INTEGER NOT NULL DEFAULT 0,
		last_modified_at TEXT NOT NULL,
		device_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection_id, tune_id)
	);

	CREATE TABLE IF NOT EXISTS practice_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tune_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		practiced_at TEXT NOT NULL,
		rating TEXT NOT NULL,
		stability REAL NOT NULL,
		difficulty REAL NOT NULL,
		state TEXT NOT NULL,
		due TEXT NOT NULL,
		repetitions INTEGER NOT NULL,
		lapses INTEGER NOT NULL,
		sync_version INTEGER NOT NULL DEFAULT 0,
		last_modified_at TEXT NOT NULL,
		device_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	-- Local-only tables: never pushed, never pulled.
	CREATE TABLE IF NOT EXISTS staging (
		user_id TEXT NOT NULL,
		tune_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		rating TEXT NOT NULL,
		goal TEXT,
		staged_at TEXT NOT NULL,
		stability REAL NOT NULL,
		difficulty REAL NOT NULL,
		state TEXT NOT NULL,
		due TEXT NOT NULL,
		repetitions INTEGER NOT NULL,
		lapses INTEGER NOT NULL,
		PRIMARY KEY (user_id, tune_id, collection_id)
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		queue_date TEXT NOT NULL,
		user_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		tune_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		generated_at TEXT NOT NULL,
		PRIMARY KEY (queue_date, user_id, collection_id, tune_id)
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_table TEXT NOT NULL,
		row_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_watermarks (
		entity_table TEXT PRIMARY KEY,
		last_version INTEGER NOT NULL DEFAULT 0
	);

	-- Indexes for the hot queries.
	CREATE INDEX IF NOT EXISTS idx_tunes_owner ON tunes(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_collections_user ON collections(user_id);
	CREATE INDEX IF NOT EXISTS idx_memberships_tune ON collection_tunes(tune_id);
	CREATE INDEX IF NOT EXISTS idx_records_key
	    ON practice_records(user_id, collection_id, tune_id, practiced_at);
	CREATE INDEX IF NOT EXISTS idx_records_due ON practice_records(due);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_row ON outbox(entity_table, row_id);
	CREATE INDEX IF NOT EXISTS idx_queue_date ON queue_entries(queue_date, user_id, collection_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// mutate runs fn inside a single serialized write transaction. On
// commit it triggers a passive WAL checkpoint so a reload immediately
// after the commit never loses the mutation; checkpoint failure is
// logged, not returned, and retried on the next mutation.
func (s *Store) mutate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if _, err := s.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		s.logger.Printf("Warning: post-commit checkpoint failed: %v", err)
	}
	return nil
}

// now returns the wall-clock timestamp used for sync metadata.
func now() time.Time {
	return time.Now().UTC()
}

// formatTime renders a timestamp for TEXT columns. Nanosecond
// precision keeps last-writer-wins comparisons exact after a
// round-trip through the database.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime.
func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts an optional time for SQL storage.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime is the inverse of timeToNullString.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
