package storage

import (
	"context"
	"errors"

	"github.com/mwendler/driftlog/internal/cache"
)

// ListWorkspaces returns all live workspaces, most recently updated first.
// With a degraded cache it folds the workspace logs directly.
func (s *Storage) ListWorkspaces(ctx context.Context) ([]cache.WorkspaceRow, error) {
	rows, err := s.store.ListWorkspaces(ctx)
	if errors.Is(err, cache.ErrUnavailable) {
		return s.scanWorkspaces(ctx)
	}

	return rows, err
}

// GetWorkspace returns one workspace by id. With a degraded cache it folds
// the single workspace log.
func (s *Storage) GetWorkspace(ctx context.Context, id string) (cache.WorkspaceRow, error) {
	row, err := s.store.GetWorkspace(ctx, id)
	if errors.Is(err, cache.ErrUnavailable) {
		return s.scanWorkspace(ctx, id)
	}

	return row, err
}

// GetConversation returns one conversation by id, including tombstoned
// ones. Requires the cache.
func (s *Storage) GetConversation(ctx context.Context, id string) (cache.ConversationRow, error) {
	return s.store.GetConversation(ctx, id)
}

// ListConversations returns one page of live conversations in a workspace.
// With a degraded cache it folds the conversation logs and returns all
// matches as a single page.
func (s *Storage) ListConversations(ctx context.Context, workspaceID string, req cache.PageRequest) (cache.Page[cache.ConversationRow], error) {
	page, err := s.store.ListConversations(ctx, workspaceID, req)
	if errors.Is(err, cache.ErrUnavailable) {
		return s.scanConversations(ctx, workspaceID)
	}

	return page, err
}

// ListSessions returns one page of live sessions in a workspace. Requires
// the cache.
func (s *Storage) ListSessions(ctx context.Context, workspaceID string, req cache.PageRequest) (cache.Page[cache.SessionRow], error) {
	return s.store.ListSessions(ctx, workspaceID, req)
}

// ListMessages returns one page of a conversation's messages in append
// order. Requires the cache.
func (s *Storage) ListMessages(ctx context.Context, conversationID string, req cache.PageRequest) (cache.Page[cache.MessageRow], error) {
	return s.store.ListMessages(ctx, conversationID, req)
}

// ListTraces returns one page of a session's trace entries. Requires the
// cache.
func (s *Storage) ListTraces(ctx context.Context, sessionID string, req cache.PageRequest) (cache.Page[cache.TraceRow], error) {
	return s.store.ListTraces(ctx, sessionID, req)
}

// GetState returns the raw JSON value stored under an application state
// key. Requires the cache.
func (s *Storage) GetState(ctx context.Context, key string) (string, error) {
	return s.store.GetState(ctx, key)
}

// SearchConversations full-text searches conversation titles. Requires the
// cache; there is no log-scan fallback for search.
func (s *Storage) SearchConversations(ctx context.Context, query string, req cache.PageRequest) (cache.Page[cache.SearchHit], error) {
	return s.store.SearchConversations(ctx, query, req)
}

// SearchMessages full-text searches message contents. Requires the cache.
func (s *Storage) SearchMessages(ctx context.Context, query string, req cache.PageRequest) (cache.Page[cache.SearchHit], error) {
	return s.store.SearchMessages(ctx, query, req)
}
