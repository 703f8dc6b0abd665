package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports that a lookup by id matched no live row.
var ErrNotFound = errors.New("not found")

// WorkspaceRow is the projected state of one workspace.
type WorkspaceRow struct {
	ID        string
	Name      string
	CreatedAt int64
	UpdatedAt int64
	Deleted   bool
}

// ConversationRow is the projected state of one conversation.
type ConversationRow struct {
	ID          string
	WorkspaceID string
	Title       string
	CreatedAt   int64
	UpdatedAt   int64
	Deleted     bool
}

// SessionRow is the projected state of one session.
type SessionRow struct {
	ID          string
	WorkspaceID string
	Label       string
	Status      string
	StartedAt   int64
	UpdatedAt   int64
	Deleted     bool
}

// MessageRow is one projected message.
type MessageRow struct {
	ID             string
	ConversationID string
	DeviceID       string
	Role           string
	Content        string
	CreatedAt      int64
}

// TraceRow is one projected activity trace entry.
type TraceRow struct {
	ID        string
	SessionID string
	Kind      string
	Detail    string
	CreatedAt int64
}

// SearchHit is one full-text search result with its snippet context.
type SearchHit struct {
	ConversationID string
	MessageID      string
	Snippet        string
}

// GetWorkspace returns one workspace by id, including tombstoned ones so
// callers can distinguish "deleted" from "never existed".
func (s *Store) GetWorkspace(ctx context.Context, id string) (WorkspaceRow, error) {
	var w WorkspaceRow

	if !s.Ready() {
		return w, ErrUnavailable
	}

	err := s.QueryRow(ctx,
		"SELECT id, name, created_at, updated_at, deleted FROM workspaces WHERE id = ?", id).
		Scan(&w.ID, &w.Name, &w.CreatedAt, &w.UpdatedAt, &w.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}

	if err != nil {
		return w, fmt.Errorf("get workspace %s: %w", id, err)
	}

	return w, nil
}

// ListWorkspaces returns all live workspaces, most recently updated first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]WorkspaceRow, error) {
	if !s.Ready() {
		return nil, ErrUnavailable
	}

	rows, err := s.Query(ctx,
		"SELECT id, name, created_at, updated_at, deleted FROM workspaces WHERE deleted = 0 ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []WorkspaceRow

	for rows.Next() {
		var w WorkspaceRow

		err = rows.Scan(&w.ID, &w.Name, &w.CreatedAt, &w.UpdatedAt, &w.Deleted)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}

		out = append(out, w)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}

	return out, nil
}

// GetConversation returns one conversation by id, including tombstoned ones.
func (s *Store) GetConversation(ctx context.Context, id string) (ConversationRow, error) {
	var c ConversationRow

	if !s.Ready() {
		return c, ErrUnavailable
	}

	err := s.QueryRow(ctx,
		"SELECT id, workspace_id, title, created_at, updated_at, deleted FROM conversations WHERE id = ?", id).
		Scan(&c.ID, &c.WorkspaceID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}

	if err != nil {
		return c, fmt.Errorf("get conversation %s: %w", id, err)
	}

	return c, nil
}

// ListConversations returns one page of live conversations in a workspace,
// most recently updated first. An empty workspace id lists across all
// workspaces.
func (s *Store) ListConversations(ctx context.Context, workspaceID string, req PageRequest) (Page[ConversationRow], error) {
	filter := "deleted = 0"
	args := []any{}

	if workspaceID != "" {
		filter += " AND workspace_id = ?"
		args = append(args, workspaceID)
	}

	return Paginated(ctx, s,
		"SELECT COUNT(*) FROM conversations WHERE "+filter,
		"SELECT id, workspace_id, title, created_at, updated_at, deleted FROM conversations WHERE "+filter+
			" ORDER BY updated_at DESC, id",
		req,
		func(rows *sql.Rows) (ConversationRow, error) {
			var c ConversationRow

			err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.Deleted)

			return c, err
		},
		args...)
}

// ListSessions returns one page of live sessions in a workspace, most
// recently started first. An empty workspace id lists across all workspaces.
func (s *Store) ListSessions(ctx context.Context, workspaceID string, req PageRequest) (Page[SessionRow], error) {
	filter := "deleted = 0"
	args := []any{}

	if workspaceID != "" {
		filter += " AND workspace_id = ?"
		args = append(args, workspaceID)
	}

	return Paginated(ctx, s,
		"SELECT COUNT(*) FROM sessions WHERE "+filter,
		"SELECT id, workspace_id, label, status, started_at, updated_at, deleted FROM sessions WHERE "+filter+
			" ORDER BY started_at DESC, id",
		req,
		func(rows *sql.Rows) (SessionRow, error) {
			var sess SessionRow

			err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.Label, &sess.Status, &sess.StartedAt, &sess.UpdatedAt, &sess.Deleted)

			return sess, err
		},
		args...)
}

// ListMessages returns one page of a conversation's messages in append
// order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, req PageRequest) (Page[MessageRow], error) {
	return Paginated(ctx, s,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?",
		"SELECT id, conversation_id, device_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at, id",
		req,
		func(rows *sql.Rows) (MessageRow, error) {
			var m MessageRow

			err := rows.Scan(&m.ID, &m.ConversationID, &m.DeviceID, &m.Role, &m.Content, &m.CreatedAt)

			return m, err
		},
		conversationID)
}

// ListTraces returns one page of a session's trace entries in record order.
func (s *Store) ListTraces(ctx context.Context, sessionID string, req PageRequest) (Page[TraceRow], error) {
	return Paginated(ctx, s,
		"SELECT COUNT(*) FROM traces WHERE session_id = ?",
		"SELECT id, session_id, kind, detail, created_at FROM traces WHERE session_id = ? ORDER BY created_at, id",
		req,
		func(rows *sql.Rows) (TraceRow, error) {
			var t TraceRow

			err := rows.Scan(&t.ID, &t.SessionID, &t.Kind, &t.Detail, &t.CreatedAt)

			return t, err
		},
		sessionID)
}

// GetState returns the raw JSON value stored under key.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	if !s.Ready() {
		return "", ErrUnavailable
	}

	var value string

	err := s.QueryRow(ctx, "SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}

	return value, nil
}

// SearchConversations runs a full-text query over conversation titles.
func (s *Store) SearchConversations(ctx context.Context, query string, req PageRequest) (Page[SearchHit], error) {
	if !s.Ready() {
		return Page[SearchHit]{}, ErrUnavailable
	}

	if !s.fts {
		return Page[SearchHit]{}, ErrSearchUnavailable
	}

	match := ftsQuery(query)
	if match == "" {
		return Page[SearchHit]{Page: 1, PageSize: req.normalize().Size}, nil
	}

	return Paginated(ctx, s,
		"SELECT COUNT(*) FROM conversations_fts WHERE conversations_fts MATCH ?",
		`SELECT conversation_id, snippet(conversations_fts, 1, '[', ']', '…', 12)
		 FROM conversations_fts WHERE conversations_fts MATCH ? ORDER BY rank`,
		req,
		func(rows *sql.Rows) (SearchHit, error) {
			var h SearchHit

			err := rows.Scan(&h.ConversationID, &h.Snippet)

			return h, err
		},
		match)
}

// SearchMessages runs a full-text query over message contents.
func (s *Store) SearchMessages(ctx context.Context, query string, req PageRequest) (Page[SearchHit], error) {
	if !s.Ready() {
		return Page[SearchHit]{}, ErrUnavailable
	}

	if !s.fts {
		return Page[SearchHit]{}, ErrSearchUnavailable
	}

	match := ftsQuery(query)
	if match == "" {
		return Page[SearchHit]{Page: 1, PageSize: req.normalize().Size}, nil
	}

	return Paginated(ctx, s,
		"SELECT COUNT(*) FROM messages_fts WHERE messages_fts MATCH ?",
		`SELECT message_id, conversation_id, snippet(messages_fts, 2, '[', ']', '…', 12)
		 FROM messages_fts WHERE messages_fts MATCH ? ORDER BY rank`,
		req,
		func(rows *sql.Rows) (SearchHit, error) {
			var h SearchHit

			err := rows.Scan(&h.MessageID, &h.ConversationID, &h.Snippet)

			return h, err
		},
		match)
}

// ftsQuery turns free text into an FTS5 match expression. Each token is
// quoted so user input cannot produce match syntax errors, and the last
// token matches as a prefix for search-as-you-type.
func ftsQuery(query string) string {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return ""
	}

	parts := make([]string, 0, len(tokens))

	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, `"`, `""`)

		if i == len(tokens)-1 {
			parts = append(parts, `"`+tok+`"*`)
		} else {
			parts = append(parts, `"`+tok+`"`)
		}
	}

	return strings.Join(parts, " ")
}
