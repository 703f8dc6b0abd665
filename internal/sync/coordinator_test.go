package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mwendler/driftlog/internal/cache"
	"github.com/mwendler/driftlog/internal/device"
	"github.com/mwendler/driftlog/internal/event"
	"github.com/mwendler/driftlog/internal/eventlog"
	driftsync "github.com/mwendler/driftlog/internal/sync"
	"github.com/mwendler/driftlog/pkg/fs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires two devices over the same synced directory: "self" runs the
// coordinator, "peer" only writes events for it to pick up.
type fixture struct {
	dir       string
	statePath string
	self      *eventlog.Log
	peer      *eventlog.Log
	store     *cache.Store
	coord     *driftsync.Coordinator
}

func trackEverything(dir string) driftsync.Tracker {
	return driftsync.TrackerFunc(func(ctx context.Context) ([]string, error) {
		var files []string

		for _, sub := range []string{"workspaces", "conversations"} {
			entries, err := os.ReadDir(filepath.Join(dir, sub))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			if err != nil {
				return nil, err
			}

			for _, entry := range entries {
				files = append(files, filepath.Join(sub, entry.Name()))
			}
		}

		return files, nil
	})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	local := t.TempDir()

	store, err := cache.Open(context.Background(), filepath.Join(local, "cache.db"), discardLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		dir:       dir,
		statePath: filepath.Join(local, "sync-state.json"),
		self:      eventlog.New(fs.NewReal(), dir, device.Static("dev-self"), discardLogger()),
		peer:      eventlog.New(fs.NewReal(), dir, device.Static("dev-peer"), discardLogger()),
		store:     store,
	}

	f.coord, err = driftsync.NewCoordinator(
		f.self, store, device.Static("dev-self"), trackEverything(dir), f.statePath, discardLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	return f
}

func (f *fixture) peerAppend(t *testing.T, file string, draft event.Draft) event.Event {
	t.Helper()

	e, err := f.peer.Append(context.Background(), file, draft)
	if err != nil {
		t.Fatalf("peer append: %v", err)
	}

	return e
}

func Test_Pass_Applies_Foreign_Events_And_Ignores_Own(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.self.Append(context.Background(), "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-1", Name: "mine"},
	})
	if err != nil {
		t.Fatalf("self append: %v", err)
	}

	f.peerAppend(t, "workspaces/ws-2.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-2", Name: "theirs"},
	})

	res, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}

	if res.Applied != 1 {
		t.Errorf("applied: got %d, want 1 (own events are filtered out)", res.Applied)
	}

	w, err := f.store.GetWorkspace(context.Background(), "ws-2")
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}

	if w.Name != "theirs" {
		t.Errorf("projected name: got %q, want %q", w.Name, "theirs")
	}

	// The local device's own event was not projected by the pass.
	_, err = f.store.GetWorkspace(context.Background(), "ws-1")
	if !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("own event projected by sync pass: %v", err)
	}
}

func Test_Pass_Is_Idempotent_Across_Reruns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-1", Name: "once"},
	})

	first, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}

	second, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if first.Applied != 1 || second.Applied != 0 {
		t.Errorf("applied counts: got %d then %d, want 1 then 0", first.Applied, second.Applied)
	}

	if second.Seen != 0 {
		t.Errorf("watermark did not skip reconciled events: %d seen on rerun", second.Seen)
	}
}

func Test_Pass_Skips_Redelivered_Events_Via_Applied_Gate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-1", Name: "once"},
	})

	_, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// A fresh coordinator with no state re-reads everything from the start;
	// the applied gate must make re-delivery a no-op.
	fresh, err := driftsync.NewCoordinator(
		f.self, f.store, device.Static("dev-self"), trackEverything(f.dir),
		filepath.Join(t.TempDir(), "fresh-state.json"), discardLogger())
	if err != nil {
		t.Fatalf("fresh coordinator: %v", err)
	}

	res, err := fresh.Pass(context.Background())
	if err != nil {
		t.Fatalf("fresh pass: %v", err)
	}

	if res.Seen != 1 || res.Applied != 0 || res.Skipped != 1 {
		t.Errorf("re-delivery: seen=%d applied=%d skipped=%d, want 1/0/1",
			res.Seen, res.Applied, res.Skipped)
	}

	page, err := f.store.ListWorkspaces(context.Background())
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}

	if len(page) != 1 {
		t.Errorf("duplicate projection: %d workspaces, want 1", len(page))
	}
}

func Test_Pass_Persists_Watermarks_Across_Restarts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-1", Name: "x"},
	})

	_, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}

	// Same state path, new coordinator: watermarks survive.
	restarted, err := driftsync.NewCoordinator(
		f.self, f.store, device.Static("dev-self"), trackEverything(f.dir),
		f.statePath, discardLogger())
	if err != nil {
		t.Fatalf("restarted coordinator: %v", err)
	}

	res, err := restarted.Pass(context.Background())
	if err != nil {
		t.Fatalf("restarted pass: %v", err)
	}

	if res.Seen != 0 {
		t.Errorf("persisted watermark ignored: %d events re-read", res.Seen)
	}
}

func Test_Pass_Skips_Undecodable_Payload_Without_Blocking_File(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// Recognized type, payload that cannot decode (number where a string
	// belongs). It must be skipped permanently, not wedge the watermark.
	f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: json.RawMessage(`{"workspaceId":123}`),
	})
	f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-ok", Name: "fine"},
	})

	res, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}

	if res.Applied != 1 || res.Skipped != 1 {
		t.Errorf("applied=%d skipped=%d, want 1/1", res.Applied, res.Skipped)
	}

	rerun, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}

	if rerun.Seen != 0 {
		t.Errorf("undecodable event re-read on rerun: seen=%d", rerun.Seen)
	}
}

func Test_Pass_Skips_Invalid_Payload_Without_Blocking_File(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// Decodes fine but fails projection validation. Replaying it can never
	// succeed, so it must be skipped permanently, not wedge the file.
	bad := f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "", Name: "nameless"},
	})
	good := f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-ok", Name: "fine"},
	})

	res, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}

	if res.Applied != 1 || res.Skipped != 1 {
		t.Errorf("applied=%d skipped=%d, want 1/1", res.Applied, res.Skipped)
	}

	applied, err := f.store.IsEventApplied(context.Background(), good.ID)
	if err != nil {
		t.Fatalf("applied check: %v", err)
	}

	if !applied {
		t.Error("valid event after the invalid one was never applied")
	}

	appliedBad, err := f.store.IsEventApplied(context.Background(), bad.ID)
	if err != nil {
		t.Fatalf("applied check: %v", err)
	}

	if appliedBad {
		t.Error("invalid event must not be marked applied")
	}

	rerun, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}

	if rerun.Seen != 0 {
		t.Errorf("invalid event re-read on rerun: seen=%d", rerun.Seen)
	}
}

func Test_Pass_Keeps_Watermark_When_A_Later_Event_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	local := t.TempDir()
	cachePath := filepath.Join(local, "cache.db")
	statePath := filepath.Join(local, "sync-state.json")

	store, err := cache.Open(context.Background(), cachePath, discardLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	if !store.Ready() {
		t.Fatalf("store not ready: %v", store.InitErr())
	}

	// File order and timestamp order disagree: the peer writes ts 300
	// first, ts 100 second.
	timestamps := []int64{300, 100}
	idx := 0
	clock := func() int64 {
		ts := timestamps[idx]

		if idx < len(timestamps)-1 {
			idx++
		}

		return ts
	}

	peer := eventlog.New(fs.NewReal(), dir, device.Static("dev-peer"), discardLogger(),
		eventlog.WithClock(clock))

	for _, id := range []string{"ws-late", "ws-early"} {
		_, err = peer.Append(context.Background(), "workspaces/ws-1.jsonl", event.Draft{
			Type: event.TypeWorkspaceCreated,
			Data: event.WorkspaceCreated{WorkspaceID: id, Name: id},
		})
		if err != nil {
			t.Fatalf("peer append %s: %v", id, err)
		}
	}

	self := eventlog.New(fs.NewReal(), dir, device.Static("dev-self"), discardLogger())

	coord, err := driftsync.NewCoordinator(
		self, store, device.Static("dev-self"), trackEverything(dir), statePath, discardLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	// Pulling the engine away after the first commit fails the second event
	// mid-file.
	coord.OnApplied(func(event.Event) { _ = store.Close() })

	_, err = coord.Pass(context.Background())
	if err == nil {
		t.Fatal("pass should surface the engine failure")
	}

	// Had the watermark advanced to 300 on the partial pass, the ts 100
	// event would sit below it forever.
	st := coord.State()
	if wm := st.Watermark("workspaces/ws-1.jsonl"); wm != 0 {
		t.Fatalf("watermark advanced past an unapplied event: %d", wm)
	}

	reopened, err := cache.Open(context.Background(), cachePath, discardLogger())
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}

	t.Cleanup(func() { _ = reopened.Close() })

	retry, err := driftsync.NewCoordinator(
		self, reopened, device.Static("dev-self"), trackEverything(dir), statePath, discardLogger())
	if err != nil {
		t.Fatalf("retry coordinator: %v", err)
	}

	res, err := retry.Pass(context.Background())
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}

	if res.Applied != 1 || res.Skipped != 1 {
		t.Errorf("retry applied=%d skipped=%d, want 1/1", res.Applied, res.Skipped)
	}

	w, err := reopened.GetWorkspace(context.Background(), "ws-early")
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}

	if w.Name != "ws-early" {
		t.Errorf("interrupted event never reconciled: %+v", w)
	}
}

func Test_Pass_Notifies_Observers_After_Commit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var got []string

	f.coord.OnApplied(func(e event.Event) {
		got = append(got, e.Type)

		// The observer runs after commit, so the projection is visible.
		_, err := f.store.GetWorkspace(context.Background(), "ws-1")
		if err != nil {
			t.Errorf("projection not visible in observer: %v", err)
		}
	})

	f.peerAppend(t, "workspaces/ws-1.jsonl", event.Draft{
		Type: event.TypeWorkspaceCreated,
		Data: event.WorkspaceCreated{WorkspaceID: "ws-1", Name: "x"},
	})

	_, err := f.coord.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}

	if len(got) != 1 || got[0] != event.TypeWorkspaceCreated {
		t.Errorf("observer calls: %v", got)
	}
}

func Test_Pass_Fails_Fast_When_Cache_Is_Degraded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	local := t.TempDir()

	// A directory at the snapshot path degrades the cache.
	badPath := filepath.Join(local, "cache.db")

	err := os.MkdirAll(badPath, 0o750)
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	store, err := cache.Open(context.Background(), badPath, discardLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer func() { _ = store.Close() }()

	log := eventlog.New(fs.NewReal(), dir, device.Static("dev-self"), discardLogger())

	coord, err := driftsync.NewCoordinator(
		log, store, device.Static("dev-self"), trackEverything(dir),
		filepath.Join(local, "state.json"), discardLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	_, err = coord.Pass(context.Background())
	if !errors.Is(err, cache.ErrUnavailable) {
		t.Errorf("pass on degraded cache: got %v, want ErrUnavailable", err)
	}
}

func Test_State_Round_Trips_And_Rejects_Foreign_Device(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")

	s := driftsync.State{DeviceID: "dev-a", LastEventTimestamp: 300}
	s.Advance("workspaces/ws-1.jsonl", 300)

	err := driftsync.SaveState(path, s)
	if err != nil {
		t.Fatalf("save state: %v", err)
	}

	loaded, err := driftsync.LoadState(path, "dev-a")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if loaded.Watermark("workspaces/ws-1.jsonl") != 300 {
		t.Errorf("watermark lost on round trip: %d", loaded.Watermark("workspaces/ws-1.jsonl"))
	}

	// Another device's identity gets a fresh state, not someone else's
	// progress.
	other, err := driftsync.LoadState(path, "dev-b")
	if err != nil {
		t.Fatalf("load state as other device: %v", err)
	}

	if other.LastEventTimestamp != 0 || len(other.FileTimestamps) != 0 {
		t.Errorf("foreign state not discarded: %+v", other)
	}
}
