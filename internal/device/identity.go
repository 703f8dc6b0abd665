// Package device manages the per-installation identity that tags every
// event a process writes.
//
// The id lives in local, non-synced storage: it must never travel with the
// synced folder, or two installations would author events under the same
// device id and break the union-merge model.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// Identity provides the device id for the running installation.
//
// Implementations must return a stable, non-empty id for the lifetime of the
// process.
type Identity interface {
	DeviceID() string
}

// FileIdentity is an [Identity] backed by a small local file, created once on
// first use and reused across restarts.
type FileIdentity struct {
	id string
}

// Load reads the device id from path, creating a new one if the file does
// not exist yet.
//
// Creation writes atomically (temp file + rename) so a crash can never leave
// a truncated id behind. An existing file always wins: the id is
// create-once by contract.
func Load(path string) (*FileIdentity, error) {
	if path == "" {
		return nil, errors.New("load device identity: path is empty")
	}

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return nil, fmt.Errorf("load device identity: %s is empty", path)
		}

		return &FileIdentity{id: id}, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load device identity: %w", err)
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), 0o750)
	if mkdirErr != nil && !errors.Is(mkdirErr, os.ErrExist) {
		return nil, fmt.Errorf("load device identity: create dir: %w", mkdirErr)
	}

	id := uuid.NewString()

	writeErr := atomic.WriteFile(path, strings.NewReader(id+"\n"))
	if writeErr != nil {
		return nil, fmt.Errorf("load device identity: write %s: %w", path, writeErr)
	}

	return &FileIdentity{id: id}, nil
}

// DeviceID returns the persisted installation id.
func (f *FileIdentity) DeviceID() string {
	return f.id
}

// Static returns an [Identity] with a fixed id. Intended for tests.
func Static(id string) Identity {
	return staticIdentity(id)
}

type staticIdentity string

func (s staticIdentity) DeviceID() string {
	return string(s)
}
