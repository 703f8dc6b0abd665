package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// schemaVersion is stamped into user_version. Bumping it discards any
// existing snapshot on open; the caller detects the reset via
// [Store.WasReset] and replays the log.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversations_workspace ON conversations(workspace_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	label        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	started_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id, started_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	device_id       TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS traces (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_session ON traces(session_id, created_at);

CREATE TABLE IF NOT EXISTS app_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS applied_events (
	event_id   TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

// ftsSchemaSQL is only executed when the linked sqlite has the FTS5
// extension; see [fts5Available].
const ftsSchemaSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS conversations_fts USING fts5(
	conversation_id UNINDEXED,
	title
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	message_id UNINDEXED,
	conversation_id UNINDEXED,
	content
);
`

// openSQLite opens or creates the snapshot file and ensures the schema is at
// the current version. The second return value reports whether a fresh
// (empty) schema was created, either because the file did not exist or
// because its user_version did not match; the third reports whether the
// engine supports full-text search.
func openSQLite(ctx context.Context, path string) (*sql.DB, bool, bool, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, false, false, fmt.Errorf("create cache directory: %w", err)
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	// journal_mode=MEMORY keeps the snapshot a single file with no -wal or
	// -shm sidecars, so deleting it is a complete reset.
	dsn := fmt.Sprintf("file:%s?_journal_mode=MEMORY&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, false, false, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes all statements and keeps transaction
	// semantics simple with the sqlite3 driver.
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, false, false, fmt.Errorf("ping sqlite: %w", err)
	}

	fts, err := fts5Available(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, false, false, err
	}

	var version int

	err = db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	if err != nil {
		_ = db.Close()

		return nil, false, false, fmt.Errorf("read schema version: %w", err)
	}

	reset := !existed

	if existed && version != schemaVersion {
		err = dropAll(ctx, db)
		if err != nil {
			_ = db.Close()

			return nil, false, false, fmt.Errorf("reset outdated schema (version %d): %w", version, err)
		}

		reset = true
	}

	_, err = db.ExecContext(ctx, schemaSQL)
	if err != nil {
		_ = db.Close()

		return nil, false, false, fmt.Errorf("create schema: %w", err)
	}

	if fts {
		_, err = db.ExecContext(ctx, ftsSchemaSQL)
		if err != nil {
			_ = db.Close()

			return nil, false, false, fmt.Errorf("create search schema: %w", err)
		}
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	if err != nil {
		_ = db.Close()

		return nil, false, false, fmt.Errorf("stamp schema version: %w", err)
	}

	return db, reset, fts, nil
}

// fts5Available reports whether the linked sqlite carries the FTS5
// extension. The go-sqlite3 driver only compiles it in under the
// sqlite_fts5 build tag, so a default build runs without search.
func fts5Available(ctx context.Context, db *sql.DB) (bool, error) {
	var enabled int

	err := db.QueryRowContext(ctx,
		"SELECT sqlite_compileoption_used('ENABLE_FTS5')").Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("detect fts5 support: %w", err)
	}

	return enabled == 1, nil
}

// dropAll removes every table and virtual table so an outdated snapshot can
// be rebuilt from scratch.
func dropAll(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string

	for rows.Next() {
		var name string

		err = rows.Scan(&name)
		if err != nil {
			return fmt.Errorf("scan table name: %w", err)
		}

		names = append(names, name)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("iterate tables: %w", err)
	}

	for _, name := range names {
		// FTS5 shadow tables (x_data, x_idx, ...) disappear when their
		// virtual table is dropped and cannot be dropped directly.
		if isFTSShadow(name, names) {
			continue
		}

		_, err = db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", name))
		if err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
	}

	return nil
}

func isFTSShadow(name string, all []string) bool {
	for _, suffix := range []string{"_data", "_idx", "_docsize", "_config", "_content"} {
		base, ok := strings.CutSuffix(name, suffix)
		if !ok {
			continue
		}

		for _, other := range all {
			if other == base {
				return true
			}
		}
	}

	return false
}

// tables lists every row-bearing table in replay order.
var tables = []string{
	"workspaces",
	"conversations",
	"sessions",
	"messages",
	"traces",
	"app_state",
	"applied_events",
}

// ftsTables only exist when [Store.SearchReady]. They are cleared last so
// a rebuild leaves no stale search entries behind.
var ftsTables = []string{
	"conversations_fts",
	"messages_fts",
}

// ClearAll deletes every row from every table while keeping the schema. It
// is the first step of a rebuild.
func (s *Store) ClearAll(ctx context.Context) error {
	if !s.Ready() {
		return ErrUnavailable
	}

	targets := tables
	if s.fts {
		targets = append(targets[:len(targets):len(targets)], ftsTables...)
	}

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, table := range targets {
			_, err := tx.ExecContext(ctx, "DELETE FROM "+table)
			if err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		return nil
	})
}

// RebuildFTS discards both search indexes and refills them from the primary
// tables. Deleted conversations are excluded; their messages remain
// searchable only through the conversation id. Without FTS support there is
// nothing to rebuild and the call is a no-op.
func (s *Store) RebuildFTS(ctx context.Context) error {
	if !s.Ready() {
		return ErrUnavailable
	}

	if !s.fts {
		return nil
	}

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM conversations_fts",
			"DELETE FROM messages_fts",
			"INSERT INTO conversations_fts (conversation_id, title) SELECT id, title FROM conversations WHERE deleted = 0",
			"INSERT INTO messages_fts (message_id, conversation_id, content) SELECT id, conversation_id, content FROM messages",
		} {
			_, err := tx.ExecContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("rebuild fts: %w", err)
			}
		}

		return nil
	})
}
