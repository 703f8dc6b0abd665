package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mwendler/driftlog/internal/cache"
)

// Rebuild discards the entire cache projection and replays every event from
// every log file. The result is byte-for-byte independent of the previous
// cache contents: identical logs always rebuild into an identical
// projection.
//
// Events replay one transaction per file, so a rebuild interrupted by a
// crash leaves a cache that the next rebuild (or the reset-on-open path)
// fixes.
func (s *Storage) Rebuild(ctx context.Context) error {
	if !s.store.Ready() {
		return fmt.Errorf("rebuild: %w", cache.ErrUnavailable)
	}

	err := s.store.ClearAll(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	files, err := trackedFiles(ctx, s.fsys, s.baseDir)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	total := 0

	for _, file := range files {
		n, err := s.replayFile(ctx, file)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", file, err)
		}

		total += n
	}

	err = s.store.RebuildFTS(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	s.slog.Info("cache rebuilt from event logs", "files", len(files), "events", total)

	return nil
}

// replayFile folds one log file into the projection in a single
// transaction and returns how many events it applied.
func (s *Storage) replayFile(ctx context.Context, file string) (int, error) {
	events, err := s.log.Read(ctx, file)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	applied := 0

	err = s.store.Transaction(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			_, err := e.Payload()
			if err != nil {
				s.slog.Warn("skipping undecodable event during rebuild",
					"file", file,
					"event", e.ID,
					"err", err)

				continue
			}

			seen, err := cache.AppliedInTx(ctx, tx, e.ID)
			if err != nil {
				return err
			}

			if seen {
				// The same event can appear in more than one file copy
				// after external sync conflict duplication.
				continue
			}

			err = s.store.Apply(ctx, tx, e)
			if err != nil {
				if errors.Is(err, cache.ErrRejected) {
					s.slog.Warn("skipping rejected event during rebuild",
						"file", file,
						"event", e.ID,
						"err", err)

					continue
				}

				return err
			}

			err = cache.MarkAppliedInTx(ctx, tx, e.ID, e.Timestamp)
			if err != nil {
				return err
			}

			applied++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return applied, nil
}
