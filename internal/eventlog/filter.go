package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mwendler/driftlog/internal/event"
)

// EventsSince returns the events at path with a timestamp strictly greater
// than since, in file order.
func (l *Log) EventsSince(ctx context.Context, path string, since int64) ([]event.Event, error) {
	events, err := l.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	return filter(events, func(e event.Event) bool {
		return e.Timestamp > since
	}), nil
}

// EventsFromDevice returns the events at path authored by deviceID, in file
// order. Devices are compared by identity only; there is no trust ordering
// between them.
func (l *Log) EventsFromDevice(ctx context.Context, path, deviceID string) ([]event.Event, error) {
	events, err := l.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	return filter(events, func(e event.Event) bool {
		return e.DeviceID == deviceID
	}), nil
}

// EventsNotFromDevice returns the events at path authored by any device
// other than deviceID, with a timestamp strictly greater than since, in file
// order. This is the sync pass's fetch primitive.
func (l *Log) EventsNotFromDevice(ctx context.Context, path, deviceID string, since int64) ([]event.Event, error) {
	events, err := l.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	return filter(events, func(e event.Event) bool {
		return e.DeviceID != deviceID && e.Timestamp > since
	}), nil
}

func filter(events []event.Event, keep func(event.Event) bool) []event.Event {
	var out []event.Event

	for _, e := range events {
		if keep(e) {
			out = append(out, e)
		}
	}

	return out
}

// marshalData normalizes a draft payload to raw JSON. A payload that is
// already raw JSON passes through untouched so re-appending a received
// event's data never re-encodes it.
func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}

		return buf, nil
	}
}
