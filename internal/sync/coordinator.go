package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/mwendler/driftlog/internal/cache"
	"github.com/mwendler/driftlog/internal/device"
	"github.com/mwendler/driftlog/internal/event"
	"github.com/mwendler/driftlog/internal/eventlog"
)

// Tracker enumerates the log files one pass reconciles. The storage layer
// implements it; the coordinator itself knows nothing about directory
// layout.
type Tracker interface {
	TrackedFiles(ctx context.Context) ([]string, error)
}

// TrackerFunc adapts a function to the [Tracker] interface.
type TrackerFunc func(ctx context.Context) ([]string, error)

// TrackedFiles calls f.
func (f TrackerFunc) TrackedFiles(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Result summarizes one sync pass.
type Result struct {
	Files   int // log files scanned
	Seen    int // foreign events past the watermark
	Applied int // events projected this pass
	Skipped int // events already applied, undecodable, or rejected
}

// Coordinator runs incremental sync passes: foreign events from tracked log
// files are projected into the cache exactly once, and per-file watermarks
// are advanced and persisted.
//
// A Coordinator is safe for concurrent use, but passes are serialized
// internally; running them back to back is cheap because watermarks skip
// everything already reconciled.
type Coordinator struct {
	log       *eventlog.Log
	store     *cache.Store
	ident     device.Identity
	tracker   Tracker
	statePath string
	slog      *slog.Logger
	now       func() int64

	mu        gosync.Mutex
	state     State
	observers []func(event.Event)
}

// CoordinatorOption configures a [Coordinator].
type CoordinatorOption func(*Coordinator)

// WithClock overrides the applied-at timestamp source. Intended for tests.
func WithClock(now func() int64) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator loads existing sync state from statePath and returns a
// coordinator ready to run passes.
func NewCoordinator(
	log *eventlog.Log,
	store *cache.Store,
	ident device.Identity,
	tracker Tracker,
	statePath string,
	logger *slog.Logger,
	opts ...CoordinatorOption,
) (*Coordinator, error) {
	if log == nil || store == nil || ident == nil || tracker == nil || logger == nil {
		return nil, errors.New("new coordinator: nil dependency")
	}

	if statePath == "" {
		return nil, errors.New("new coordinator: state path is empty")
	}

	state, err := LoadState(statePath, ident.DeviceID())
	if err != nil {
		return nil, fmt.Errorf("new coordinator: %w", err)
	}

	c := &Coordinator{
		log:       log,
		store:     store,
		ident:     ident,
		tracker:   tracker,
		statePath: statePath,
		slog:      logger,
		now:       func() int64 { return time.Now().UnixMilli() },
		state:     state,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// OnApplied registers fn to run after each foreign event commits into the
// projection. Callbacks run synchronously on the pass goroutine, after the
// transaction, so they observe the event's effects. Callbacks must not call
// back into the coordinator.
func (c *Coordinator) OnApplied(fn func(event.Event)) {
	if fn == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.observers = append(c.observers, fn)
}

// State returns a copy of the current sync state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := c.state
	copied.FileTimestamps = make(map[string]int64, len(c.state.FileTimestamps))

	for k, v := range c.state.FileTimestamps {
		copied.FileTimestamps[k] = v
	}

	return copied
}

// Pass runs one reconciliation pass over every tracked file.
//
// Each event is projected in its own transaction together with its
// applied-event mark, so a crash can never half-apply one. A transient
// projection failure stops scanning that file and leaves its watermark
// untouched; the next pass retries from the previous watermark and the
// applied-event gate skips everything that already committed. Events whose
// payload cannot be decoded or is rejected by validation are logged,
// counted as skipped, and never block the rest of the file. State is
// persisted once at the end of the pass.
func (c *Coordinator) Pass(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result

	if !c.store.Ready() {
		return res, fmt.Errorf("sync pass: %w", cache.ErrUnavailable)
	}

	files, err := c.tracker.TrackedFiles(ctx)
	if err != nil {
		return res, fmt.Errorf("sync pass: %w", err)
	}

	self := c.ident.DeviceID()

	var fileErrs []error

	for _, file := range files {
		res.Files++

		err := c.reconcileFile(ctx, file, self, &res)
		if err != nil {
			c.slog.Warn("sync pass left file partially reconciled",
				"file", file,
				"err", err)

			fileErrs = append(fileErrs, fmt.Errorf("%s: %w", file, err))
		}
	}

	err = SaveState(c.statePath, c.state)
	if err != nil {
		fileErrs = append(fileErrs, err)
	}

	if len(fileErrs) > 0 {
		return res, fmt.Errorf("sync pass: %w", errors.Join(fileErrs...))
	}

	c.slog.Debug("sync pass complete",
		"files", res.Files,
		"seen", res.Seen,
		"applied", res.Applied,
		"skipped", res.Skipped)

	return res, nil
}

// reconcileFile applies one file's foreign events in log order. The
// watermark advances only after the whole file reconciled: events appear in
// file order, not timestamp order, so a partial advance could move the
// watermark past an unprocessed event with a lower timestamp and lose it.
func (c *Coordinator) reconcileFile(ctx context.Context, file, self string, res *Result) error {
	since := c.state.Watermark(file)

	events, err := c.log.EventsNotFromDevice(ctx, file, self, since)
	if err != nil {
		return err
	}

	res.Seen += len(events)

	handled := since

	for _, e := range events {
		_, err := e.Payload()
		if err != nil {
			c.slog.Warn("skipping undecodable event", "file", file, "err", err)

			res.Skipped++
			handled = max(handled, e.Timestamp)

			continue
		}

		applied, err := c.applyOne(ctx, e)
		if err != nil {
			if errors.Is(err, cache.ErrRejected) {
				// An invalid payload can never project, no matter how often
				// it is replayed. Treat it like an undecodable line so one
				// bad record does not wedge the file.
				c.slog.Warn("skipping rejected event",
					"file", file,
					"event", e.ID,
					"err", err)

				res.Skipped++
				handled = max(handled, e.Timestamp)

				continue
			}

			// Transient failure: stop without advancing so the next pass
			// retries everything past the previous watermark.
			return err
		}

		if applied {
			res.Applied++
			c.notify(e)
		} else {
			res.Skipped++
		}

		handled = max(handled, e.Timestamp)
	}

	c.state.Advance(file, handled)

	return nil
}

// applyOne projects a single event and marks it applied in one transaction.
// It reports false when the event had already been applied.
func (c *Coordinator) applyOne(ctx context.Context, e event.Event) (bool, error) {
	applied := false

	err := c.store.Transaction(ctx, func(tx *sql.Tx) error {
		seen, err := cache.AppliedInTx(ctx, tx, e.ID)
		if err != nil {
			return err
		}

		if seen {
			return nil
		}

		err = c.store.Apply(ctx, tx, e)
		if err != nil {
			return err
		}

		err = cache.MarkAppliedInTx(ctx, tx, e.ID, c.now())
		if err != nil {
			return err
		}

		applied = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

func (c *Coordinator) notify(e event.Event) {
	for _, fn := range c.observers {
		fn(e)
	}
}
