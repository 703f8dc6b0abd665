package cache

import (
	"context"
	"database/sql"
	"fmt"
)

// Transaction runs fn inside a single transaction. Any error or panic from
// fn rolls the transaction back; a panic is re-raised after the rollback.
// On commit the store is marked dirty for the next debounced flush.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if !s.Ready() {
		return ErrUnavailable
	}

	if fn == nil {
		return fmt.Errorf("cache transaction: fn is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	err = fn(tx)
	if err != nil {
		return fmt.Errorf("cache transaction: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit cache transaction: %w", err)
	}

	committed = true

	s.MarkDirty()

	return nil
}
