package fs

import (
	"os"
	"sync"
)

// Faulty wraps another [FS] and injects failures per operation.
//
// Each Fail* field, when non-nil, makes the corresponding method return that
// error instead of delegating. NoAppend makes Append return
// [ErrAppendUnsupported] so callers exercise their fallback path.
//
// The zero value with a non-nil Base is a transparent passthrough. Fields may
// be flipped between operations; a mutex guards reads so tests can mutate a
// Faulty from the test goroutine while code under test runs.
type Faulty struct {
	Base FS

	mu         sync.Mutex
	noAppend   bool
	failRead   error
	failWrite  error
	failAppend error
	failList   error
	failMkdir  error
}

// NewFaulty returns a Faulty delegating to base. Panics if base is nil.
func NewFaulty(base FS) *Faulty {
	if base == nil {
		panic("base fs is nil")
	}

	return &Faulty{Base: base}
}

// SetNoAppend toggles [ErrAppendUnsupported] injection on Append.
func (f *Faulty) SetNoAppend(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.noAppend = v
}

// FailReads makes ReadFile and Open return err. Pass nil to clear.
func (f *Faulty) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failRead = err
}

// FailWrites makes WriteFile return err. Pass nil to clear.
func (f *Faulty) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failWrite = err
}

// FailAppends makes Append return err. Pass nil to clear.
func (f *Faulty) FailAppends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failAppend = err
}

// FailLists makes ReadDir return err. Pass nil to clear.
func (f *Faulty) FailLists(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failList = err
}

// FailMkdirs makes MkdirAll return err. Pass nil to clear.
func (f *Faulty) FailMkdirs(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failMkdir = err
}

func (f *Faulty) Open(path string) (File, error) {
	f.mu.Lock()
	err := f.failRead
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return f.Base.Open(path)
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return f.Base.OpenFile(path, flag, perm)
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	err := f.failRead
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return f.Base.ReadFile(path)
}

func (f *Faulty) WriteFile(path string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	err := f.failWrite
	f.mu.Unlock()

	if err != nil {
		return err
	}

	return f.Base.WriteFile(path, data, perm)
}

func (f *Faulty) Append(path string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	noAppend := f.noAppend
	err := f.failAppend
	f.mu.Unlock()

	if err != nil {
		return err
	}

	if noAppend {
		return ErrAppendUnsupported
	}

	return f.Base.Append(path, data, perm)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	f.mu.Lock()
	err := f.failList
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return f.Base.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	f.mu.Lock()
	err := f.failMkdir
	f.mu.Unlock()

	if err != nil {
		return err
	}

	return f.Base.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	return f.Base.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	return f.Base.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	return f.Base.Remove(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	return f.Base.Rename(oldpath, newpath)
}
