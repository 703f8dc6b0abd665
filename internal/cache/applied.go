package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IsEventApplied reports whether the event id is already recorded in the
// projection. Applied events are skipped on re-delivery, which is what makes
// sync passes idempotent.
func (s *Store) IsEventApplied(ctx context.Context, eventID string) (bool, error) {
	if !s.Ready() {
		return false, ErrUnavailable
	}

	return appliedIn(ctx, s.db, eventID)
}

// AppliedInTx is [Store.IsEventApplied] scoped to an open transaction, so
// the check and the projection it gates commit atomically.
func AppliedInTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	return appliedIn(ctx, tx, eventID)
}

// MarkAppliedInTx records the event id inside an open transaction. Marking
// an already-applied event is not an error; concurrent appliers may race to
// the same conclusion.
func MarkAppliedInTx(ctx context.Context, tx *sql.Tx, eventID string, appliedAt int64) error {
	if eventID == "" {
		return errors.New("mark applied: event id is empty")
	}

	_, err := tx.ExecContext(ctx,
		"INSERT INTO applied_events (event_id, applied_at) VALUES (?, ?) ON CONFLICT (event_id) DO NOTHING",
		eventID, appliedAt)
	if err != nil {
		return fmt.Errorf("mark event %s applied: %w", eventID, err)
	}

	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func appliedIn(ctx context.Context, q querier, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("applied check: event id is empty")
	}

	var one int

	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM applied_events WHERE event_id = ?", eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("applied check for event %s: %w", eventID, err)
	}

	return true, nil
}
