// Package storage is the façade the rest of the program talks to: it ties
// the append-only event logs, the SQLite cache projection, and the sync
// coordinator together under one directory layout.
//
// Writes append to the log first and project into the cache second; the log
// is the source of truth and a failed projection is recoverable, a failed
// append is not. Reads are served from the cache, with a slow log-scan
// fallback for listings when the cache engine is unavailable.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/mwendler/driftlog/internal/cache"
	"github.com/mwendler/driftlog/internal/device"
	"github.com/mwendler/driftlog/internal/event"
	"github.com/mwendler/driftlog/internal/eventlog"
	driftsync "github.com/mwendler/driftlog/internal/sync"
	driftfs "github.com/mwendler/driftlog/pkg/fs"
)

// ErrCacheUnavailable is returned by reads that cannot be served without
// the cache engine (search, pagination). It aliases the cache package's
// sentinel so callers can check either.
var ErrCacheUnavailable = cache.ErrUnavailable

// Options configures [Open].
type Options struct {
	// BaseDir is the externally-synced directory holding the event logs.
	BaseDir string

	// LocalDir is the non-synced directory for the device id, sync state,
	// and cache snapshot. It must never live inside BaseDir.
	LocalDir string

	// Logger receives structured diagnostics. Required.
	Logger *slog.Logger

	// FS overrides the host filesystem. Defaults to [driftfs.Real].
	FS driftfs.FS

	// CacheOptions are passed through to [cache.Open].
	CacheOptions []cache.Option

	// LogOptions are passed through to [eventlog.New].
	LogOptions []eventlog.Option
}

// Storage is the assembled storage engine for one device.
type Storage struct {
	fsys     driftfs.FS
	baseDir  string
	localDir string

	ident device.Identity
	log   *eventlog.Log
	store *cache.Store
	coord *driftsync.Coordinator
	slog  *slog.Logger

	// mu guards unprojected: events durably in the log whose local cache
	// projection failed. Sync retries them; until then the cache is stale.
	mu          sync.Mutex
	unprojected []event.Event
}

// Open assembles the engine: loads (or creates) the device identity, opens
// the event log and the cache snapshot, and wires the sync coordinator.
//
// When the cache snapshot was missing or outdated, Open replays every log
// file into the fresh schema before returning, so queries never observe a
// half-empty cache.
func Open(ctx context.Context, opts Options) (*Storage, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("open storage: base dir is empty")
	}

	if opts.LocalDir == "" {
		return nil, errors.New("open storage: local dir is empty")
	}

	if opts.Logger == nil {
		return nil, errors.New("open storage: logger is nil")
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = driftfs.NewReal()
	}

	ident, err := device.Load(filepath.Join(opts.LocalDir, deviceFile))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	log := eventlog.New(fsys, opts.BaseDir, ident, opts.Logger, opts.LogOptions...)

	store, err := cache.Open(ctx, filepath.Join(opts.LocalDir, cacheFile), opts.Logger, opts.CacheOptions...)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	s := &Storage{
		fsys:     fsys,
		baseDir:  opts.BaseDir,
		localDir: opts.LocalDir,
		ident:    ident,
		log:      log,
		store:    store,
		slog:     opts.Logger,
	}

	tracker := driftsync.TrackerFunc(func(ctx context.Context) ([]string, error) {
		return trackedFiles(ctx, fsys, opts.BaseDir)
	})

	s.coord, err = driftsync.NewCoordinator(
		log, store, ident, tracker, filepath.Join(opts.LocalDir, syncStateFile), opts.Logger)
	if err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("open storage: %w", err)
	}

	if store.Ready() && store.WasReset() {
		err = s.Rebuild(ctx)
		if err != nil {
			_ = store.Close()

			return nil, fmt.Errorf("open storage: rebuild fresh cache: %w", err)
		}
	}

	return s, nil
}

// DeviceID returns this installation's device id.
func (s *Storage) DeviceID() string {
	return s.ident.DeviceID()
}

// CacheReady reports whether reads are served from the cache engine.
func (s *Storage) CacheReady() bool {
	return s.store.Ready()
}

// SearchReady reports whether full-text search queries can be served.
func (s *Storage) SearchReady() bool {
	return s.store.SearchReady()
}

// Log exposes the underlying event log for direct inspection tooling.
func (s *Storage) Log() *eventlog.Log {
	return s.log
}

// AppendWorkspaceEvent appends draft to the workspace's log file and
// projects it into the local cache.
func (s *Storage) AppendWorkspaceEvent(ctx context.Context, workspaceID string, draft event.Draft) (event.Event, error) {
	return s.append(ctx, WorkspaceLogPath(workspaceID), draft)
}

// AppendConversationEvent appends draft to the conversation's log file and
// projects it into the local cache.
func (s *Storage) AppendConversationEvent(ctx context.Context, conversationID string, draft event.Draft) (event.Event, error) {
	return s.append(ctx, ConversationLogPath(conversationID), draft)
}

// AppendSessionEvent appends draft to the session's log file and projects
// it into the local cache.
func (s *Storage) AppendSessionEvent(ctx context.Context, workspaceID, sessionID string, draft event.Draft) (event.Event, error) {
	return s.append(ctx, SessionLogPath(workspaceID, sessionID), draft)
}

// append writes the event durably, then projects it. Once the log write
// succeeded the event exists no matter what happens after: a projection
// failure is logged and repaired by the next rebuild, never surfaced as an
// append failure.
func (s *Storage) append(ctx context.Context, path string, draft event.Draft) (event.Event, error) {
	e, err := s.log.Append(ctx, path, draft)
	if err != nil {
		return event.Event{}, err
	}

	if !s.store.Ready() {
		return e, nil
	}

	err = s.projectLocal(ctx, e)
	if err != nil {
		if errors.Is(err, cache.ErrRejected) {
			// The payload can never project; queueing it would retry
			// forever for nothing.
			s.slog.Warn("local event rejected by projection",
				"event", e.ID,
				"file", path,
				"err", err)

			return e, nil
		}

		s.slog.Warn("local projection failed, cache stale until next sync",
			"event", e.ID,
			"file", path,
			"err", err)

		s.mu.Lock()
		s.unprojected = append(s.unprojected, e)
		s.mu.Unlock()
	}

	return e, nil
}

// CacheStale reports whether locally-written events are missing from the
// cache because their projection failed. [Storage.Sync] retries them.
func (s *Storage) CacheStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.unprojected) > 0
}

// retryUnprojected replays queued local events into the cache. Events that
// still fail transiently go back on the queue for the next sync; rejected
// ones are dropped for good.
func (s *Storage) retryUnprojected(ctx context.Context) {
	s.mu.Lock()
	pending := s.unprojected
	s.unprojected = nil
	s.mu.Unlock()

	var failed []event.Event

	for _, e := range pending {
		err := s.projectLocal(ctx, e)
		if err == nil {
			continue
		}

		if errors.Is(err, cache.ErrRejected) {
			s.slog.Warn("dropping rejected local event", "event", e.ID, "err", err)

			continue
		}

		s.slog.Warn("local projection retry failed", "event", e.ID, "err", err)

		failed = append(failed, e)
	}

	if len(failed) > 0 {
		s.mu.Lock()
		s.unprojected = append(failed, s.unprojected...)
		s.mu.Unlock()
	}
}

// projectLocal folds one locally-written event into the cache and marks it
// applied, so a later sync pass treats it as already reconciled.
func (s *Storage) projectLocal(ctx context.Context, e event.Event) error {
	return s.store.Transaction(ctx, func(tx *sql.Tx) error {
		seen, err := cache.AppliedInTx(ctx, tx, e.ID)
		if err != nil {
			return err
		}

		if seen {
			return nil
		}

		err = s.store.Apply(ctx, tx, e)
		if err != nil {
			return err
		}

		return cache.MarkAppliedInTx(ctx, tx, e.ID, e.Timestamp)
	})
}

// Sync first retries any locally-written events whose cache projection
// failed, then runs one reconciliation pass over the other devices' events.
func (s *Storage) Sync(ctx context.Context) (driftsync.Result, error) {
	if s.store.Ready() {
		s.retryUnprojected(ctx)
	}

	return s.coord.Pass(ctx)
}

// OnApplied registers an observer for foreign events reconciled by [Sync].
func (s *Storage) OnApplied(fn func(event.Event)) {
	s.coord.OnApplied(fn)
}

// SyncState returns a copy of the coordinator's watermark state.
func (s *Storage) SyncState() driftsync.State {
	return s.coord.State()
}

// Close flushes and releases the cache engine. The event logs need no
// teardown; every append was durable when it returned.
func (s *Storage) Close() error {
	return s.store.Close()
}
