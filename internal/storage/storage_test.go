package storage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mwendler/driftlog/internal/cache"
	"github.com/mwendler/driftlog/internal/event"
	"github.com/mwendler/driftlog/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStorage(t *testing.T, baseDir, localDir string) *storage.Storage {
	t.Helper()

	s, err := storage.Open(context.Background(), storage.Options{
		BaseDir:  baseDir,
		LocalDir: localDir,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func seedWorkspace(t *testing.T, s *storage.Storage, id, name string) {
	t.Helper()

	_, err := s.AppendWorkspaceEvent(context.Background(), id, event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: id, Name: name},
	})
	if err != nil {
		t.Fatalf("append workspace event: %v", err)
	}
}

func Test_Append_Projects_Into_Local_Cache_Immediately(t *testing.T) {
	t.Parallel()

	s := openStorage(t, t.TempDir(), t.TempDir())

	seedWorkspace(t, s, "ws-1", "alpha")

	rows, err := s.ListWorkspaces(context.Background())
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}

	if len(rows) != 1 || rows[0].Name != "alpha" {
		t.Errorf("listing after append: %+v", rows)
	}
}

func Test_Append_And_Search_Messages_Through_Facade(t *testing.T) {
	t.Parallel()

	s := openStorage(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	_, err := s.AppendConversationEvent(ctx, "conv-1", event.Draft{
		Type: event.TypeConversationCreated,
		Data: event.ConversationCreated{ConversationID: "conv-1", WorkspaceID: "ws-1", Title: "release checklist"},
	})
	if err != nil {
		t.Fatalf("append conversation event: %v", err)
	}

	_, err = s.AppendConversationEvent(ctx, "conv-1", event.Draft{
		Type: event.TypeMessageAppended,
		Data: event.MessageAppended{MessageID: "msg-1", ConversationID: "conv-1", Role: "user", Content: "ship the artifact tomorrow"},
	})
	if err != nil {
		t.Fatalf("append message event: %v", err)
	}

	if s.SearchReady() {
		hits, err := s.SearchMessages(ctx, "artifact", cache.PageRequest{})
		if err != nil {
			t.Fatalf("search messages: %v", err)
		}

		if hits.TotalItems != 1 {
			t.Errorf("search hits: got %d, want 1", hits.TotalItems)
		}
	}

	page, err := s.ListMessages(ctx, "conv-1", cache.PageRequest{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}

	if page.TotalItems != 1 || page.Items[0].Content != "ship the artifact tomorrow" {
		t.Errorf("message listing: %+v", page)
	}
}

func Test_Sync_Retries_Unprojected_Local_Events(t *testing.T) {
	t.Parallel()

	s := openStorage(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	// The event is durable in the log but its projection never ran, the
	// state a transient cache failure during append leaves behind.
	e, err := s.Log().Append(ctx, storage.WorkspaceLogPath("ws-1"), event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-1", Name: "delayed"},
	})
	if err != nil {
		t.Fatalf("append to log: %v", err)
	}

	s.QueueUnprojected(e)

	if !s.CacheStale() {
		t.Fatal("queued projection failure not reported as stale")
	}

	_, err = s.GetWorkspace(ctx, "ws-1")
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("workspace visible before retry: %v", err)
	}

	_, err = s.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if s.CacheStale() {
		t.Error("cache still stale after successful retry")
	}

	w, err := s.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get workspace after retry: %v", err)
	}

	if w.Name != "delayed" {
		t.Errorf("retried projection: %+v", w)
	}
}

func Test_Append_Drops_Rejected_Event_Instead_Of_Queueing(t *testing.T) {
	t.Parallel()

	s := openStorage(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	// The payload fails projection validation; retrying it would never
	// succeed, so it must not leave the cache permanently stale.
	_, err := s.AppendWorkspaceEvent(ctx, "ws-1", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "", Name: "nameless"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if s.CacheStale() {
		t.Error("rejected event queued for retry")
	}

	rows, err := s.ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}

	if len(rows) != 0 {
		t.Errorf("rejected event projected: %+v", rows)
	}
}

func Test_Rebuild_Is_Deterministic(t *testing.T) {
	t.Parallel()

	s := openStorage(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	seedWorkspace(t, s, "ws-1", "alpha")
	seedWorkspace(t, s, "ws-2", "beta")

	_, err := s.AppendWorkspaceEvent(ctx, "ws-2", event.Draft{
		Type: event.TypeTombstone,
		Data: event.Tombstone{Entity: "workspace", EntityID: "ws-2"},
	})
	if err != nil {
		t.Fatalf("append tombstone: %v", err)
	}

	before, err := s.ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("list before rebuild: %v", err)
	}

	err = s.Rebuild(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	after, err := s.ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("list after rebuild: %v", err)
	}

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("rebuild changed query results (-before +after):\n%s", diff)
	}
}

func Test_Deleted_Snapshot_Is_Restored_On_Reopen(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	localDir := t.TempDir()

	s, err := storage.Open(context.Background(), storage.Options{
		BaseDir:  baseDir,
		LocalDir: localDir,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	seedWorkspace(t, s, "ws-1", "survivor")

	err = s.Close()
	if err != nil {
		t.Fatalf("close storage: %v", err)
	}

	err = os.Remove(filepath.Join(localDir, "cache.db"))
	if err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}

	reopened := openStorage(t, baseDir, localDir)

	rows, err := reopened.ListWorkspaces(context.Background())
	if err != nil {
		t.Fatalf("list after snapshot loss: %v", err)
	}

	if len(rows) != 1 || rows[0].Name != "survivor" {
		t.Errorf("snapshot replay lost data: %+v", rows)
	}
}

func Test_Degraded_Cache_Falls_Back_To_Log_Scans(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	localDir := t.TempDir()

	// Occupying the snapshot path with a directory degrades the cache.
	err := os.MkdirAll(filepath.Join(localDir, "cache.db"), 0o750)
	if err != nil {
		t.Fatalf("block snapshot path: %v", err)
	}

	s := openStorage(t, baseDir, localDir)

	if s.CacheReady() {
		t.Fatal("cache should be degraded")
	}

	seedWorkspace(t, s, "ws-1", "resilient")

	rows, err := s.ListWorkspaces(context.Background())
	if err != nil {
		t.Fatalf("fallback listing: %v", err)
	}

	if len(rows) != 1 || rows[0].Name != "resilient" {
		t.Errorf("fallback listing: %+v", rows)
	}

	w, err := s.GetWorkspace(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("fallback get: %v", err)
	}

	if w.Name != "resilient" {
		t.Errorf("fallback get: %+v", w)
	}

	_, err = s.SearchMessages(context.Background(), "anything", cache.PageRequest{})
	if !errors.Is(err, storage.ErrCacheUnavailable) {
		t.Errorf("search on degraded cache: got %v, want ErrCacheUnavailable", err)
	}
}

func Test_Two_Devices_Converge_Through_Sync(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()

	devA := openStorage(t, baseDir, t.TempDir())
	devB := openStorage(t, baseDir, t.TempDir())

	if devA.DeviceID() == devB.DeviceID() {
		t.Fatal("devices share an identity")
	}

	seedWorkspace(t, devA, "ws-a", "from a")
	seedWorkspace(t, devB, "ws-b", "from b")

	resB, err := devB.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync on b: %v", err)
	}

	if resB.Applied != 1 {
		t.Errorf("b applied %d events, want 1", resB.Applied)
	}

	resA, err := devA.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync on a: %v", err)
	}

	if resA.Applied != 1 {
		t.Errorf("a applied %d events, want 1", resA.Applied)
	}

	for _, dev := range []*storage.Storage{devA, devB} {
		rows, err := dev.ListWorkspaces(context.Background())
		if err != nil {
			t.Fatalf("list workspaces: %v", err)
		}

		if len(rows) != 2 {
			t.Errorf("device %s sees %d workspaces, want 2", dev.DeviceID(), len(rows))
		}
	}
}

func Test_Session_Events_Project_Per_Workspace(t *testing.T) {
	t.Parallel()

	s := openStorage(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	_, err := s.AppendSessionEvent(ctx, "ws-1", "sess-1", event.Draft{
		Type: event.TypeSessionStarted,
		Data: event.SessionStarted{SessionID: "sess-1", WorkspaceID: "ws-1", Label: "debugging"},
	})
	if err != nil {
		t.Fatalf("append session event: %v", err)
	}

	_, err = s.AppendSessionEvent(ctx, "ws-1", "sess-1", event.Draft{
		Type: event.TypeTraceRecorded,
		Data: event.TraceRecorded{TraceID: "tr-1", SessionID: "sess-1", Kind: "tool_call", Detail: "ran linter"},
	})
	if err != nil {
		t.Fatalf("append trace event: %v", err)
	}

	sessions, err := s.ListSessions(ctx, "ws-1", cache.PageRequest{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}

	if sessions.TotalItems != 1 || sessions.Items[0].Label != "debugging" {
		t.Errorf("session listing: %+v", sessions)
	}

	traces, err := s.ListTraces(ctx, "sess-1", cache.PageRequest{})
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}

	if traces.TotalItems != 1 || traces.Items[0].Kind != "tool_call" {
		t.Errorf("trace listing: %+v", traces)
	}
}
