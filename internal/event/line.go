package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBlankLine reports an empty or whitespace-only log line. Blank lines are
// an expected artifact of the append fallback path and are filtered silently.
var ErrBlankLine = errors.New("blank line")

// ErrCorruptLine reports a log line that is not a valid event record.
// Readers skip the line and log a warning; corruption of one line never
// invalidates the surrounding lines.
var ErrCorruptLine = errors.New("corrupt line")

// EncodeLine serializes an event as one newline-terminated JSON line.
func EncodeLine(e Event) ([]byte, error) {
	if e.ID == "" {
		return nil, errors.New("encode line: event id is empty")
	}

	if e.Type == "" {
		return nil, errors.New("encode line: event type is empty")
	}

	buf, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode line: %w", err)
	}

	return append(buf, '\n'), nil
}

// DecodeLine parses one log line into an event.
//
// Returns [ErrBlankLine] for empty lines and [ErrCorruptLine] (wrapped with
// detail) for anything that is not a well-formed record. A record missing its
// id or type is corrupt: without them the dedup and projection invariants
// cannot hold.
func DecodeLine(line []byte) (Event, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Event{}, ErrBlankLine
	}

	var e Event

	err := json.Unmarshal(trimmed, &e)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptLine, err)
	}

	if e.ID == "" {
		return Event{}, fmt.Errorf("%w: missing id", ErrCorruptLine)
	}

	if e.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrCorruptLine)
	}

	return e, nil
}
