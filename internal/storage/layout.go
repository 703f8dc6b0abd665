package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	driftfs "github.com/mwendler/driftlog/pkg/fs"
)

// Directory layout inside the synced base directory. Everything under it is
// shared state that external sync replicates between devices; everything in
// the local directory (device id, sync state, cache snapshot) stays on this
// machine.
const (
	workspacesDir    = "workspaces"
	conversationsDir = "conversations"
	sessionsDir      = "sessions"

	logExt = ".jsonl"

	deviceFile    = "device.json"
	syncStateFile = "sync-state.json"
	cacheFile     = "cache.db"
)

// WorkspaceLogPath returns the log file for one workspace, relative to the
// base directory.
func WorkspaceLogPath(workspaceID string) string {
	return filepath.Join(workspacesDir, workspaceID+logExt)
}

// ConversationLogPath returns the log file for one conversation.
func ConversationLogPath(conversationID string) string {
	return filepath.Join(conversationsDir, conversationID+logExt)
}

// SessionLogPath returns the log file for one session, grouped per
// workspace.
func SessionLogPath(workspaceID, sessionID string) string {
	return filepath.Join(sessionsDir, workspaceID, sessionID+logExt)
}

// trackedFiles enumerates every log file under the base directory, relative
// to it, in stable order. Missing entity directories are fine; a base
// directory nobody has written to yet simply has no files.
func trackedFiles(ctx context.Context, fsys driftfs.FS, baseDir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	var files []string

	for _, sub := range []string{workspacesDir, conversationsDir} {
		names, err := logFilesIn(fsys, filepath.Join(baseDir, sub))
		if err != nil {
			return nil, err
		}

		for _, name := range names {
			files = append(files, filepath.Join(sub, name))
		}
	}

	// Session logs nest one level deeper, one directory per workspace.
	groups, err := fsys.ReadDir(filepath.Join(baseDir, sessionsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list %s: %w", sessionsDir, err)
	}

	for _, group := range groups {
		if !group.IsDir() {
			continue
		}

		names, err := logFilesIn(fsys, filepath.Join(baseDir, sessionsDir, group.Name()))
		if err != nil {
			return nil, err
		}

		for _, name := range names {
			files = append(files, filepath.Join(sessionsDir, group.Name(), name))
		}
	}

	return files, nil
}

func logFilesIn(fsys driftfs.FS, dir string) ([]string, error) {
	entries, err := fsys.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var names []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), logExt) {
			continue
		}

		names = append(names, entry.Name())
	}

	return names, nil
}
