// Package fs abstracts the host filesystem operations the storage engine
// depends on.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//   - [Faulty]: testing implementation that injects failures per operation
//
// The engine only ever mutates files by creating, overwriting, or appending;
// [FS.Append] is the primitive that makes event-log writes sync-safe. Hosts
// that cannot offer an atomic append return [ErrAppendUnsupported] and the
// caller falls back to a read-modify-write under its own serialization.
package fs

import (
	"errors"
	"io"
	"os"
)

// ErrAppendUnsupported reports that the filesystem has no append primitive.
//
// Callers detect it with errors.Is and switch to a whole-file rewrite. [Real]
// never returns it; test filesystems use it to force the fallback path.
var ErrAppendUnsupported = errors.New("append unsupported")

// File represents an OS-backed open file.
//
// The interface is satisfied by [os.File] and works with all standard library
// functions that accept [io.Reader], [io.Writer], [io.Seeker], or [io.Closer].
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations required by the storage engine.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection. Paths use OS semantics (like the os
// package and path/filepath), not the slash-separated paths of io/fs.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating or truncating it. See [os.WriteFile].
	//
	// Note: WriteFile is not atomic. Errors or crashes can leave a partially
	// written file. Event-log readers are line-filtering for exactly this
	// reason.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// Append appends data to the file at path, creating it if absent.
	// Append writes the bytes it is given in a single write call; separator
	// handling is the caller's concern.
	//
	// Returns [ErrAppendUnsupported] when the host has no append primitive.
	Append(path string, data []byte, perm os.FileMode) error

	// ReadDir reads a directory and returns its entries sorted by name.
	// See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	// No error if the directory already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	// Returns an error satisfying os.IsNotExist if the file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Rename atomically replaces newpath with oldpath. See [os.Rename].
	Rename(oldpath, newpath string) error
}
