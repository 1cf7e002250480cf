// Package store persists envelopes, agents, bindings, cron schedules,
// run audits, and daemon config in a process-private SQLite database.
// All mutation goes through this package; callers receive value
// snapshots, never shared rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If unset, the
// store is silent.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source; tests use this to pin "now".
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// dbtx is the common surface of *sql.DB and *sql.Tx, letting the same
// query helpers run inside and outside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the durable store backed by a local SQLite file. A single
// shared connection (SetMaxOpenConns(1)) serializes all writers, which
// eliminates SQLITE_BUSY under concurrent IPC and scheduler access.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open creates a Store at dbPath. WAL mode keeps readers from blocking
// the single writer.
func Open(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.New(discardHandler{}), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("store opened", "path", dbPath)
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// nowMS is the store's current time in unix milliseconds.
func (s *Store) nowMS() int64 { return s.now().UnixMilli() }

// Init creates all tables and indexes. Safe to call on every start.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			from_boss INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			attachments TEXT,
			reply_to TEXT,
			deliver_at INTEGER,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_to_status ON envelopes(to_addr, status)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_from ON envelopes(from_addr)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_due ON envelopes(status, deliver_at)`,
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY COLLATE NOCASE,
			token TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			workspace TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			reasoning_effort TEXT NOT NULL DEFAULT '',
			auto_level TEXT NOT NULL DEFAULT '',
			permission TEXT NOT NULL DEFAULT 'standard',
			daily_reset_at TEXT NOT NULL DEFAULT '',
			idle_timeout_ms INTEGER NOT NULL DEFAULT 0,
			max_context_length INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bindings (
			agent_name TEXT NOT NULL COLLATE NOCASE,
			adapter_type TEXT NOT NULL,
			adapter_token TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(adapter_type, adapter_token)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_agent ON bindings(agent_name)`,
		`CREATE TABLE IF NOT EXISTS cron_schedules (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL COLLATE NOCASE,
			expr TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			pending_envelope_id TEXT,
			to_addr TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			attachments TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cron_agent ON cron_schedules(agent_name)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL COLLATE NOCASE,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			envelope_ids TEXT,
			response TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			error TEXT NOT NULL DEFAULT '',
			context_length INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON agent_runs(agent_name, started_at)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Info("store initialized", "duration", time.Since(start))
	return nil
}

// Tx exposes store operations bound to one SQL transaction. Used for
// multi-row advancement (cron materialization) and setup reconciliation.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// InTransaction runs fn inside a single transaction, committing on nil
// and rolling back on error or panic.
func (s *Store) InTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()
	if err := fn(&Tx{s: s, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// discardHandler silences the store when no logger is configured.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
