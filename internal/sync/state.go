// Package sync reconciles events written by other devices into the local
// cache projection.
//
// The pass is incremental and idempotent: per-file timestamp watermarks
// bound how much of each log is re-read, and the cache's applied-event gate
// makes re-delivery of the same event a no-op. Sync state lives in the
// local, non-synced state directory; losing it is harmless and only costs a
// full re-scan.
package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// State is one device's sync progress. FileTimestamps maps a log file path
// (relative to the base directory) to the highest event timestamp already
// reconciled from it; events at or below the watermark are not re-read.
type State struct {
	DeviceID           string           `json:"deviceId"`
	LastEventTimestamp int64            `json:"lastEventTimestamp"`
	FileTimestamps     map[string]int64 `json:"fileTimestamps"`
}

// Watermark returns the reconciled high-water timestamp for one file, zero
// if the file has never been scanned.
func (s *State) Watermark(file string) int64 {
	return s.FileTimestamps[file]
}

// Advance raises the watermark for one file and the global high-water mark.
// Watermarks never move backwards.
func (s *State) Advance(file string, ts int64) {
	if s.FileTimestamps == nil {
		s.FileTimestamps = make(map[string]int64)
	}

	if ts > s.FileTimestamps[file] {
		s.FileTimestamps[file] = ts
	}

	if ts > s.LastEventTimestamp {
		s.LastEventTimestamp = ts
	}
}

// LoadState reads the state file at path. A missing file returns a zero
// state for deviceID; a state file written by a different device identity is
// discarded, since its watermarks describe someone else's progress.
func LoadState(path, deviceID string) (State, error) {
	fresh := State{DeviceID: deviceID, FileTimestamps: make(map[string]int64)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fresh, nil
	}

	if err != nil {
		return State{}, fmt.Errorf("read sync state %s: %w", path, err)
	}

	var s State

	err = json.Unmarshal(data, &s)
	if err != nil {
		// A torn or corrupt state file only costs a re-scan.
		return fresh, nil
	}

	if s.DeviceID != deviceID {
		return fresh, nil
	}

	if s.FileTimestamps == nil {
		s.FileTimestamps = make(map[string]int64)
	}

	return s, nil
}

// SaveState atomically writes the state file, creating its directory as
// needed. A crash mid-save leaves either the old or the new state, never a
// torn one.
func SaveState(path string, s State) error {
	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}

	err = atomic.WriteFile(path, bytes.NewReader(append(data, '\n')))
	if err != nil {
		return fmt.Errorf("write sync state %s: %w", path, err)
	}

	return nil
}
