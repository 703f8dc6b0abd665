// Package cache implements the rebuildable SQLite materialized view over the
// event log.
//
// The cache holds no information that is not derivable from the log: it is a
// pure, discardable function of it. The snapshot file can be deleted at any
// time; [Open] then creates a fresh schema and a full replay restores every
// row. Every failure mode here is therefore recoverable: an engine that will
// not initialize degrades the store to an unavailable state instead of
// failing the process, and any error inside a transaction rolls back just
// that transaction.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// DefaultFlushInterval is the debounce for snapshot maintenance. The store
// only does flush work when mutations happened since the last run.
const DefaultFlushInterval = 30 * time.Second

// ErrUnavailable reports that the cache engine is not initialized. The event
// log remains fully functional; callers fall back to scanning it or report
// the data as temporarily degraded.
var ErrUnavailable = errors.New("cache unavailable")

// ErrSearchUnavailable reports that the engine runs without the FTS5
// extension, which the go-sqlite3 driver only compiles in under the
// sqlite_fts5 build tag. Everything except full-text search keeps working.
var ErrSearchUnavailable = errors.New("search unavailable: sqlite compiled without fts5 (build with -tags sqlite_fts5)")

// ErrRejected reports an event whose payload failed projection validation.
// Rejection is permanent: replaying the same event can never succeed, so
// callers skip it instead of retrying.
var ErrRejected = errors.New("event rejected")

// Store is the SQLite-backed query cache.
//
// A Store is either ready or degraded. Degraded stores are valid values:
// every operation returns [ErrUnavailable] and [Store.InitErr] carries the
// initialization failure.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger

	initErr error
	reset   bool
	fts     bool

	dirty     atomic.Bool
	flushEach time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a [Store].
type Option func(*Store)

// WithFlushInterval overrides the snapshot maintenance debounce.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushEach = d
		}
	}
}

// Open initializes the cache at path, loading the existing snapshot file or
// creating a fresh schema and persisting it immediately.
//
// Engine initialization failure is not fatal: Open logs the cause and
// returns a degraded Store with a nil error. Only invalid arguments return a
// non-nil error. Check [Store.Ready] before relying on query results.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("open cache: context is nil")
	}

	if path == "" {
		return nil, errors.New("open cache: path is empty")
	}

	if logger == nil {
		return nil, errors.New("open cache: logger is nil")
	}

	s := &Store{
		path:      filepath.Clean(path),
		log:       logger,
		flushEach: DefaultFlushInterval,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	db, reset, fts, err := openSQLite(ctx, s.path)
	if err != nil {
		logger.Warn("cache engine unavailable, queries degraded to log scans",
			"path", s.path,
			"err", err)

		s.initErr = err

		return s, nil
	}

	s.db = db
	s.reset = reset
	s.fts = fts

	if !fts {
		logger.Warn("sqlite engine lacks fts5, full-text search disabled",
			"path", s.path)
	}

	s.wg.Add(1)

	go s.flushLoop()

	return s, nil
}

// Ready reports whether the engine initialized and queries can be served.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

// SearchReady reports whether full-text search queries can be served.
func (s *Store) SearchReady() bool {
	return s.Ready() && s.fts
}

// InitErr returns the engine initialization failure for a degraded store,
// or nil when the store is ready.
func (s *Store) InitErr() error {
	if s == nil {
		return nil
	}

	return s.initErr
}

// WasReset reports whether Open created a fresh (empty) schema rather than
// loading an existing snapshot. Callers use it to trigger a full replay.
func (s *Store) WasReset() bool {
	return s != nil && s.reset
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// Exec executes a statement that returns no rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	if !s.Ready() {
		return ErrUnavailable
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("cache exec: %w", err)
	}

	s.MarkDirty()

	return nil
}

// Query executes a query and returns the resulting rows. Callers are
// responsible for closing them.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if !s.Ready() {
		return nil, ErrUnavailable
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache query: %w", err)
	}

	return rows, nil
}

// QueryRow executes a query expected to return at most one row.
// Returns nil when the store is degraded; callers must check [Store.Ready]
// first or use the typed helpers which do.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if !s.Ready() {
		return nil
	}

	return s.db.QueryRowContext(ctx, query, args...)
}

// MarkDirty records that the snapshot has pending mutations, arming the next
// debounced flush.
func (s *Store) MarkDirty() {
	if s != nil {
		s.dirty.Store(true)
	}
}

// Flush runs snapshot maintenance now and clears the dirty flag.
//
// With a file-backed engine, row durability is the engine's commit path;
// Flush covers the slow-moving rest (query planner statistics) so a
// long-running process does not drift.
func (s *Store) Flush(ctx context.Context) error {
	if !s.Ready() {
		return ErrUnavailable
	}

	s.dirty.Store(false)

	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	if err != nil {
		return fmt.Errorf("cache flush: %w", err)
	}

	return nil
}

// Vacuum compacts the snapshot file and flushes.
func (s *Store) Vacuum(ctx context.Context) error {
	if !s.Ready() {
		return ErrUnavailable
	}

	_, err := s.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("cache vacuum: %w", err)
	}

	return s.Flush(ctx)
}

// Close stops the flush loop, runs a final flush if the store is dirty, and
// releases the engine. Close on a degraded store is a no-op.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}

	var err error

	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		if s.db == nil {
			return
		}

		if s.dirty.Load() {
			flushErr := s.Flush(context.Background())
			if flushErr != nil {
				s.log.Warn("final cache flush failed", "err", flushErr)
			}
		}

		closeErr := s.db.Close()
		if closeErr != nil {
			err = fmt.Errorf("close cache: %w", closeErr)
		}
	})

	return err
}

// flushLoop debounces snapshot maintenance: at most one flush per interval,
// and none at all while no mutations happen.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushEach)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.dirty.Load() {
				continue
			}

			err := s.Flush(context.Background())
			if err != nil {
				s.log.Warn("debounced cache flush failed", "err", err)
			}
		}
	}
}
