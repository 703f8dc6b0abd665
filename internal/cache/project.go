package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mwendler/driftlog/internal/event"
)

// Apply folds one event into the projection inside an open transaction.
//
// Apply is the single definition of what the cache contains: local writes,
// sync passes, and full rebuilds all go through it, so replaying the same
// events always produces the same rows. It must stay commutative across
// devices and tolerant of arrival order; updates carry last-write-wins
// timestamp guards and creates accept being preceded by their own updates.
//
// Unknown event types and unknown tombstone entities are no-ops, never
// errors. A payload that fails validation is reported wrapped in
// [ErrRejected]; every other error is transient and worth retrying. Apply
// does not consult applied_events; callers gate on [AppliedInTx] first.
func (s *Store) Apply(ctx context.Context, tx *sql.Tx, e event.Event) error {
	p, err := e.Payload()
	if err != nil {
		return fmt.Errorf("project event %s: %w: %w", e.ID, ErrRejected, err)
	}

	switch p := p.(type) {
	case event.WorkspaceCreated:
		return applyWorkspaceCreated(ctx, tx, e, p)
	case event.WorkspaceUpdated:
		return applyWorkspaceUpdated(ctx, tx, e, p)
	case event.ConversationCreated:
		return applyConversationCreated(ctx, tx, e, p, s.fts)
	case event.ConversationUpdated:
		return applyConversationUpdated(ctx, tx, e, p, s.fts)
	case event.SessionStarted:
		return applySessionStarted(ctx, tx, e, p)
	case event.SessionUpdated:
		return applySessionUpdated(ctx, tx, e, p)
	case event.MessageAppended:
		return applyMessageAppended(ctx, tx, e, p, s.fts)
	case event.TraceRecorded:
		return applyTraceRecorded(ctx, tx, e, p)
	case event.StateSet:
		return applyStateSet(ctx, tx, e, p)
	case event.Tombstone:
		return applyTombstone(ctx, tx, e, p, s.fts)
	case event.Unknown:
		return nil
	default:
		return nil
	}
}

func applyWorkspaceCreated(ctx context.Context, tx *sql.Tx, e event.Event, p event.WorkspaceCreated) error {
	if p.WorkspaceID == "" {
		return fmt.Errorf("project event %s: workspace id is empty: %w", e.ID, ErrRejected)
	}

	// An update from another device may have raced ahead of the create; keep
	// the newer name and the earlier creation time.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			created_at = MIN(created_at, excluded.created_at),
			name       = CASE WHEN excluded.updated_at >= updated_at THEN excluded.name ELSE name END,
			updated_at = MAX(updated_at, excluded.updated_at)`,
		p.WorkspaceID, p.Name, e.Timestamp, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project workspace create %s: %w", p.WorkspaceID, err)
	}

	return nil
}

func applyWorkspaceUpdated(ctx context.Context, tx *sql.Tx, e event.Event, p event.WorkspaceUpdated) error {
	if p.WorkspaceID == "" {
		return fmt.Errorf("project event %s: workspace id is empty: %w", e.ID, ErrRejected)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE
				WHEN excluded.name != '' AND excluded.updated_at >= updated_at THEN excluded.name
				ELSE name
			END,
			updated_at = MAX(updated_at, excluded.updated_at)`,
		p.WorkspaceID, p.Name, e.Timestamp, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project workspace update %s: %w", p.WorkspaceID, err)
	}

	return nil
}

func applyConversationCreated(ctx context.Context, tx *sql.Tx, e event.Event, p event.ConversationCreated, fts bool) error {
	if p.ConversationID == "" {
		return fmt.Errorf("project event %s: conversation id is empty: %w", e.ID, ErrRejected)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = CASE WHEN workspace_id = '' THEN excluded.workspace_id ELSE workspace_id END,
			created_at   = MIN(created_at, excluded.created_at),
			title        = CASE WHEN excluded.updated_at >= updated_at AND excluded.title != '' THEN excluded.title ELSE title END,
			updated_at   = MAX(updated_at, excluded.updated_at)`,
		p.ConversationID, p.WorkspaceID, p.Title, e.Timestamp, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project conversation create %s: %w", p.ConversationID, err)
	}

	return refreshConversationFTS(ctx, tx, p.ConversationID, fts)
}

func applyConversationUpdated(ctx context.Context, tx *sql.Tx, e event.Event, p event.ConversationUpdated, fts bool) error {
	if p.ConversationID == "" {
		return fmt.Errorf("project event %s: conversation id is empty: %w", e.ID, ErrRejected)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, title, created_at, updated_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = CASE
				WHEN excluded.title != '' AND excluded.updated_at >= updated_at THEN excluded.title
				ELSE title
			END,
			updated_at = MAX(updated_at, excluded.updated_at)`,
		p.ConversationID, p.Title, e.Timestamp, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project conversation update %s: %w", p.ConversationID, err)
	}

	return refreshConversationFTS(ctx, tx, p.ConversationID, fts)
}

func applySessionStarted(ctx context.Context, tx *sql.Tx, e event.Event, p event.SessionStarted) error {
	if p.SessionID == "" {
		return fmt.Errorf("project event %s: session id is empty: %w", e.ID, ErrRejected)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, label, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = CASE WHEN workspace_id = '' THEN excluded.workspace_id ELSE workspace_id END,
			started_at   = MIN(started_at, excluded.started_at),
			label        = CASE WHEN excluded.updated_at >= updated_at AND excluded.label != '' THEN excluded.label ELSE label END,
			updated_at   = MAX(updated_at, excluded.updated_at)`,
		p.SessionID, p.WorkspaceID, p.Label, e.Timestamp, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project session start %s: %w", p.SessionID, err)
	}

	return nil
}

func applySessionUpdated(ctx context.Context, tx *sql.Tx, e event.Event, p event.SessionUpdated) error {
	if p.SessionID == "" {
		return fmt.Errorf("project event %s: session id is empty: %w", e.ID, ErrRejected)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, label, status, started_at, updated_at)
		VALUES (?, '', ?, COALESCE(NULLIF(?, ''), 'active'), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			label = CASE
				WHEN excluded.label != '' AND excluded.updated_at >= updated_at THEN excluded.label
				ELSE label
			END,
			status = CASE
				WHEN excluded.status != '' AND excluded.updated_at >= updated_at THEN excluded.status
				ELSE status
			END,
			updated_at = MAX(updated_at, excluded.updated_at)`,
		p.SessionID, p.Label, p.Status, e.Timestamp, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project session update %s: %w", p.SessionID, err)
	}

	return nil
}

func applyMessageAppended(ctx context.Context, tx *sql.Tx, e event.Event, p event.MessageAppended, fts bool) error {
	if p.MessageID == "" || p.ConversationID == "" {
		return fmt.Errorf("project event %s: message or conversation id is empty: %w", e.ID, ErrRejected)
	}

	// Messages are immutable; a duplicate id means a duplicate delivery.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, device_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.MessageID, p.ConversationID, e.DeviceID, p.Role, p.Content, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project message %s: %w", p.MessageID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("project message %s: %w", p.MessageID, err)
	}

	if inserted == 0 || !fts {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages_fts (message_id, conversation_id, content) VALUES (?, ?, ?)",
		p.MessageID, p.ConversationID, p.Content)
	if err != nil {
		return fmt.Errorf("index message %s: %w", p.MessageID, err)
	}

	return nil
}

func applyTraceRecorded(ctx context.Context, tx *sql.Tx, e event.Event, p event.TraceRecorded) error {
	if p.TraceID == "" || p.SessionID == "" {
		return fmt.Errorf("project event %s: trace or session id is empty: %w", e.ID, ErrRejected)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO traces (id, session_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.TraceID, p.SessionID, p.Kind, p.Detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project trace %s: %w", p.TraceID, err)
	}

	return nil
}

func applyStateSet(ctx context.Context, tx *sql.Tx, e event.Event, p event.StateSet) error {
	if p.Key == "" {
		return fmt.Errorf("project event %s: state key is empty: %w", e.ID, ErrRejected)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value      = CASE WHEN excluded.updated_at >= updated_at THEN excluded.value ELSE value END,
			updated_at = MAX(updated_at, excluded.updated_at)`,
		p.Key, string(p.Value), e.Timestamp)
	if err != nil {
		return fmt.Errorf("project state key %q: %w", p.Key, err)
	}

	return nil
}

func applyTombstone(ctx context.Context, tx *sql.Tx, e event.Event, p event.Tombstone, fts bool) error {
	if p.EntityID == "" {
		return fmt.Errorf("project event %s: tombstone entity id is empty: %w", e.ID, ErrRejected)
	}

	switch p.Entity {
	case "workspace":
		_, err := tx.ExecContext(ctx,
			"UPDATE workspaces SET deleted = 1, updated_at = MAX(updated_at, ?) WHERE id = ?",
			e.Timestamp, p.EntityID)
		if err != nil {
			return fmt.Errorf("project workspace tombstone %s: %w", p.EntityID, err)
		}

		return nil
	case "conversation":
		_, err := tx.ExecContext(ctx,
			"UPDATE conversations SET deleted = 1, updated_at = MAX(updated_at, ?) WHERE id = ?",
			e.Timestamp, p.EntityID)
		if err != nil {
			return fmt.Errorf("project conversation tombstone %s: %w", p.EntityID, err)
		}

		if !fts {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM conversations_fts WHERE conversation_id = ?", p.EntityID)
		if err != nil {
			return fmt.Errorf("unindex conversation %s: %w", p.EntityID, err)
		}

		return nil
	case "session":
		_, err := tx.ExecContext(ctx,
			"UPDATE sessions SET deleted = 1, updated_at = MAX(updated_at, ?) WHERE id = ?",
			e.Timestamp, p.EntityID)
		if err != nil {
			return fmt.Errorf("project session tombstone %s: %w", p.EntityID, err)
		}

		return nil
	default:
		// Tombstones for entities this build does not track project to
		// nothing, same as unknown event types.
		return nil
	}
}

// refreshConversationFTS replaces the search entry for one conversation with
// its current title, dropping it entirely for deleted conversations.
func refreshConversationFTS(ctx context.Context, tx *sql.Tx, conversationID string, fts bool) error {
	if !fts {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		"DELETE FROM conversations_fts WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("unindex conversation %s: %w", conversationID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations_fts (conversation_id, title)
		SELECT id, title FROM conversations WHERE id = ? AND deleted = 0`,
		conversationID)
	if err != nil {
		return fmt.Errorf("index conversation %s: %w", conversationID, err)
	}

	return nil
}
