// Package eventlog implements the append-only per-entity event log that is
// the system's durable source of truth.
//
// Each entity owns one JSONL file under the synced base directory. Lines are
// immutable once written: the only mutation the log ever performs is
// appending. Within a process, writes to the same file are serialized by a
// per-path mutex; across processes there is no coordination at all, and
// correctness rests on the append-only, commutative structure of the log.
//
// Append failures are potential data loss and always propagate to the
// caller. Read corruption is always recoverable: a malformed line is logged
// and skipped, never aborting the surrounding valid lines.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mwendler/driftlog/internal/device"
	"github.com/mwendler/driftlog/internal/event"
	"github.com/mwendler/driftlog/pkg/fs"
)

const (
	filePerm = 0o644
	dirPerm  = 0o750

	// maxLineBytes bounds a single event line. Message payloads can be
	// large, so this is generous; anything beyond it is treated as corrupt.
	maxLineBytes = 16 << 20
)

// Log reads and writes per-entity JSONL event files rooted at a base
// directory.
type Log struct {
	fsys  fs.FS
	dir   string
	ident device.Identity
	now   func() int64
	log   *slog.Logger
	paths *keyedMutex
}

// Option configures a [Log].
type Option func(*Log)

// WithClock overrides the timestamp source. Intended for tests; the default
// is wall-clock epoch milliseconds.
func WithClock(now func() int64) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates a Log over fsys rooted at dir. Every appended event is tagged
// with ident's device id. Panics if fsys, ident, or logger is nil.
func New(fsys fs.FS, dir string, ident device.Identity, logger *slog.Logger, opts ...Option) *Log {
	if fsys == nil {
		panic("fsys is nil")
	}

	if ident == nil {
		panic("ident is nil")
	}

	if logger == nil {
		panic("logger is nil")
	}

	l := &Log{
		fsys:  fsys,
		dir:   filepath.Clean(dir),
		ident: ident,
		now:   func() int64 { return time.Now().UnixMilli() },
		log:   logger,
		paths: newKeyedMutex(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Dir returns the base directory the log operates under.
func (l *Log) Dir() string {
	return l.dir
}

// Append fills in id, device id, and timestamp for draft, serializes it as
// one line, and appends it to the log file at path (relative to the base
// directory), creating parent directories and the file as needed.
//
// The returned event is the record exactly as persisted. An error from
// Append means the event may not be durable; callers must not assume it was
// written.
func (l *Log) Append(ctx context.Context, path string, draft event.Draft) (event.Event, error) {
	events, err := l.AppendBatch(ctx, path, []event.Draft{draft})
	if err != nil {
		return event.Event{}, err
	}

	return events[0], nil
}

// AppendBatch appends n drafts as a single write. Bulk callers (imports,
// migrations) use this so the write amplification stays one write per batch
// rather than one per event.
func (l *Log) AppendBatch(ctx context.Context, path string, drafts []event.Draft) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("append %s: %w", path, context.Cause(ctx))
	}

	if len(drafts) == 0 {
		return nil, errors.New("append: no events")
	}

	events := make([]event.Event, 0, len(drafts))

	var buf bytes.Buffer

	for _, draft := range drafts {
		e, err := l.seal(draft)
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", path, err)
		}

		line, err := event.EncodeLine(e)
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", path, err)
		}

		buf.Write(line)
		events = append(events, e)
	}

	unlock := l.paths.Lock(path)
	defer unlock()

	full := filepath.Join(l.dir, path)

	err := l.fsys.MkdirAll(filepath.Dir(full), dirPerm)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("append %s: create dir: %w", path, err)
	}

	err = l.fsys.Append(full, buf.Bytes(), filePerm)
	if errors.Is(err, fs.ErrAppendUnsupported) {
		err = l.appendFallback(full, buf.Bytes())
	}

	if err != nil {
		return nil, fmt.Errorf("append %s: %w", path, err)
	}

	return events, nil
}

// seal assigns identity fields and marshals the payload.
func (l *Log) seal(draft event.Draft) (event.Event, error) {
	if draft.Type == "" {
		return event.Event{}, errors.New("event type is empty")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return event.Event{}, fmt.Errorf("generate event id: %w", err)
	}

	e := event.Event{
		ID:        id.String(),
		DeviceID:  l.ident.DeviceID(),
		Timestamp: l.now(),
		Type:      draft.Type,
	}

	if draft.Data != nil {
		data, marshalErr := marshalData(draft.Data)
		if marshalErr != nil {
			return event.Event{}, fmt.Errorf("marshal %s payload: %w", draft.Type, marshalErr)
		}

		e.Data = data
	}

	return e, nil
}

// appendFallback rewrites the whole file when the host lacks an append
// primitive. It runs under the per-path mutex held by AppendBatch.
//
// A separator is prefixed only when the existing content does not already
// end in a newline, so a prior torn write can never merge with this one and
// repeated restarts do not accumulate blank lines.
func (l *Log) appendFallback(full string, lines []byte) error {
	existing, err := l.fsys.ReadFile(full)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read for fallback append: %w", err)
	}

	var buf bytes.Buffer

	buf.Grow(len(existing) + len(lines) + 1)
	buf.Write(existing)

	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}

	buf.Write(lines)

	writeErr := l.fsys.WriteFile(full, buf.Bytes(), filePerm)
	if writeErr != nil {
		return fmt.Errorf("fallback append: %w", writeErr)
	}

	return nil
}

// Read parses every line of the log file at path as an independent record,
// in file order.
//
// A missing file reads as empty: the entity simply has no events yet.
// Malformed lines (torn writes from an interrupted sync, a dangling final
// line from a concurrent append) are logged at Warn and skipped.
func (l *Log) Read(ctx context.Context, path string) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, context.Cause(ctx))
	}

	full := filepath.Join(l.dir, path)

	f, err := l.fsys.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	events, err := l.decodeAll(f, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return events, nil
}

// errLineTooLong marks a line past maxLineBytes. Such a line is corrupt by
// definition, so the reader resynchronizes at the next newline instead of
// failing the whole file.
var errLineTooLong = errors.New("line exceeds size limit")

func (l *Log) decodeAll(r io.Reader, path string) ([]event.Event, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var events []event.Event

	lineNo := 0

	for {
		line, readErr := readLine(br)
		atEOF := errors.Is(readErr, io.EOF)

		if readErr != nil && !atEOF && !errors.Is(readErr, errLineTooLong) {
			return nil, fmt.Errorf("scan: %w", readErr)
		}

		if atEOF && len(line) == 0 && !errors.Is(readErr, errLineTooLong) {
			break
		}

		lineNo++

		e, err := event.DecodeLine(line)
		if errors.Is(readErr, errLineTooLong) {
			err = readErr
		}

		switch {
		case errors.Is(err, event.ErrBlankLine):
		case err != nil:
			l.log.Warn("skipping corrupt event line",
				"path", path,
				"line", lineNo,
				"err", err)
		default:
			events = append(events, e)
		}

		if atEOF {
			break
		}
	}

	return events, nil
}

// readLine returns the next line without its trailing newline. A line longer
// than maxLineBytes is discarded up to the next newline and reported as
// [errLineTooLong]; io.EOF accompanies the final line when the file does not
// end in a newline.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte

	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)

		switch {
		case err == nil, errors.Is(err, io.EOF):
			return bytes.TrimSuffix(line, []byte{'\n'}), err
		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > maxLineBytes {
				return nil, discardRestOfLine(br)
			}
		default:
			return nil, err
		}
	}
}

// discardRestOfLine consumes input until the next newline so the reader can
// continue with the following record.
func discardRestOfLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')

		switch {
		case err == nil:
			return errLineTooLong
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: %w", errLineTooLong, io.EOF)
		case errors.Is(err, bufio.ErrBufferFull):
		default:
			return err
		}
	}
}
