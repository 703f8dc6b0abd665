package storage

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/mwendler/driftlog/internal/cache"
	"github.com/mwendler/driftlog/internal/event"
)

// Log-scan fallbacks for a degraded cache. These fold events in memory with
// the same last-write-wins rules the SQLite projection uses, so both paths
// agree on what the data says. Search and deep pagination stay
// cache-only; listings are the minimum the program needs to stay usable.

func (s *Storage) scanWorkspaces(ctx context.Context) ([]cache.WorkspaceRow, error) {
	names, err := logFilesIn(s.fsys, filepath.Join(s.baseDir, workspacesDir))
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*cache.WorkspaceRow)

	for _, name := range names {
		events, err := s.log.Read(ctx, filepath.Join(workspacesDir, name))
		if err != nil {
			return nil, err
		}

		foldWorkspaces(rows, events)
	}

	out := make([]cache.WorkspaceRow, 0, len(rows))

	for _, row := range rows {
		if !row.Deleted {
			out = append(out, *row)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

func (s *Storage) scanWorkspace(ctx context.Context, id string) (cache.WorkspaceRow, error) {
	events, err := s.log.Read(ctx, WorkspaceLogPath(id))
	if err != nil {
		return cache.WorkspaceRow{}, err
	}

	rows := make(map[string]*cache.WorkspaceRow)
	foldWorkspaces(rows, events)

	row, ok := rows[id]
	if !ok {
		return cache.WorkspaceRow{}, cache.ErrNotFound
	}

	return *row, nil
}

func (s *Storage) scanConversations(ctx context.Context, workspaceID string) (cache.Page[cache.ConversationRow], error) {
	var page cache.Page[cache.ConversationRow]

	names, err := logFilesIn(s.fsys, filepath.Join(s.baseDir, conversationsDir))
	if err != nil {
		return page, err
	}

	rows := make(map[string]*cache.ConversationRow)

	for _, name := range names {
		events, err := s.log.Read(ctx, filepath.Join(conversationsDir, name))
		if err != nil {
			return page, err
		}

		foldConversations(rows, events)
	}

	var out []cache.ConversationRow

	for _, row := range rows {
		if row.Deleted {
			continue
		}

		if workspaceID != "" && row.WorkspaceID != workspaceID {
			continue
		}

		out = append(out, *row)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}

		return out[i].ID < out[j].ID
	})

	// The fallback does not paginate; everything fits one page.
	page.Items = out
	page.Page = 1
	page.PageSize = len(out)
	page.TotalItems = len(out)
	page.TotalPages = 1

	if len(out) == 0 {
		page.TotalPages = 0
	}

	return page, nil
}

func foldWorkspaces(rows map[string]*cache.WorkspaceRow, events []event.Event) {
	for _, e := range events {
		p, err := e.Payload()
		if err != nil {
			continue
		}

		switch p := p.(type) {
		case event.WorkspaceCreated:
			row := ensureWorkspace(rows, p.WorkspaceID, e.Timestamp)

			if e.Timestamp < row.CreatedAt {
				row.CreatedAt = e.Timestamp
			}

			if e.Timestamp >= row.UpdatedAt {
				row.Name = p.Name
			}

			bumpTS(&row.UpdatedAt, e.Timestamp)
		case event.WorkspaceUpdated:
			row := ensureWorkspace(rows, p.WorkspaceID, e.Timestamp)

			if p.Name != "" && e.Timestamp >= row.UpdatedAt {
				row.Name = p.Name
			}

			bumpTS(&row.UpdatedAt, e.Timestamp)
		case event.Tombstone:
			if p.Entity != "workspace" {
				continue
			}

			if row, ok := rows[p.EntityID]; ok {
				row.Deleted = true
				bumpTS(&row.UpdatedAt, e.Timestamp)
			}
		}
	}
}

func foldConversations(rows map[string]*cache.ConversationRow, events []event.Event) {
	for _, e := range events {
		p, err := e.Payload()
		if err != nil {
			continue
		}

		switch p := p.(type) {
		case event.ConversationCreated:
			row := ensureConversation(rows, p.ConversationID, e.Timestamp)

			if row.WorkspaceID == "" {
				row.WorkspaceID = p.WorkspaceID
			}

			if e.Timestamp < row.CreatedAt {
				row.CreatedAt = e.Timestamp
			}

			if p.Title != "" && e.Timestamp >= row.UpdatedAt {
				row.Title = p.Title
			}

			bumpTS(&row.UpdatedAt, e.Timestamp)
		case event.ConversationUpdated:
			row := ensureConversation(rows, p.ConversationID, e.Timestamp)

			if p.Title != "" && e.Timestamp >= row.UpdatedAt {
				row.Title = p.Title
			}

			bumpTS(&row.UpdatedAt, e.Timestamp)
		case event.Tombstone:
			if p.Entity != "conversation" {
				continue
			}

			if row, ok := rows[p.EntityID]; ok {
				row.Deleted = true
				bumpTS(&row.UpdatedAt, e.Timestamp)
			}
		}
	}
}

func ensureWorkspace(rows map[string]*cache.WorkspaceRow, id string, ts int64) *cache.WorkspaceRow {
	row, ok := rows[id]
	if !ok {
		row = &cache.WorkspaceRow{ID: id, CreatedAt: ts}
		rows[id] = row
	}

	return row
}

func ensureConversation(rows map[string]*cache.ConversationRow, id string, ts int64) *cache.ConversationRow {
	row, ok := rows[id]
	if !ok {
		row = &cache.ConversationRow{ID: id, CreatedAt: ts}
		rows[id] = row
	}

	return row
}

func bumpTS(dst *int64, ts int64) {
	if ts > *dst {
		*dst = ts
	}
}
