package fs_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/mwendler/driftlog/pkg/fs"
)

func Test_Real_Append_Creates_File_When_Absent(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "log.jsonl")

	err := fsys.Append(path, []byte("one\n"), 0o644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	err = fsys.Append(path, []byte("two\n"), 0o644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != "one\ntwo\n" {
		t.Fatalf("content = %q, want %q", string(got), "one\ntwo\n")
	}
}

func Test_Real_Exists_Distinguishes_Missing_From_Present(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	ok, err := fsys.Exists(filepath.Join(dir, "nope"))
	if err != nil {
		t.Fatalf("exists: %v", err)
	}

	if ok {
		t.Fatal("missing file reported as existing")
	}

	path := filepath.Join(dir, "yes")

	err = fsys.WriteFile(path, []byte("x"), 0o644)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	ok, err = fsys.Exists(path)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}

	if !ok {
		t.Fatal("present file reported as missing")
	}
}

func Test_Faulty_NoAppend_Reports_Unsupported(t *testing.T) {
	t.Parallel()

	faulty := fs.NewFaulty(fs.NewReal())
	faulty.SetNoAppend(true)

	err := faulty.Append(filepath.Join(t.TempDir(), "f"), []byte("x\n"), 0o644)
	if !errors.Is(err, fs.ErrAppendUnsupported) {
		t.Fatalf("err = %v, want ErrAppendUnsupported", err)
	}
}

func Test_Faulty_Injected_Write_Error_Propagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")

	faulty := fs.NewFaulty(fs.NewReal())
	faulty.FailWrites(boom)

	err := faulty.WriteFile(filepath.Join(t.TempDir(), "f"), []byte("x"), 0o644)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want injected error", err)
	}

	faulty.FailWrites(nil)

	err = faulty.WriteFile(filepath.Join(t.TempDir(), "f"), []byte("x"), 0o644)
	if err != nil {
		t.Fatalf("write after clearing injection: %v", err)
	}
}
