package event_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mwendler/driftlog/internal/event"
)

func Test_DecodeLine_Round_Trips_EncodeLine(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(event.MessageAppended{
		MessageID:      "m-1",
		ConversationID: "c-1",
		Role:           "user",
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	in := event.Event{
		ID:        "0190e2f3-0000-7000-8000-000000000001",
		DeviceID:  "dev-a",
		Timestamp: 1712345678901,
		Type:      event.TypeMessageAppended,
		Data:      data,
	}

	line, err := event.EncodeLine(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if line[len(line)-1] != '\n' {
		t.Fatal("encoded line is not newline-terminated")
	}

	out, err := event.DecodeLine(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

func Test_DecodeLine_Reports_Blank_And_Corrupt_Lines(t *testing.T) {
	t.Parallel()

	_, err := event.DecodeLine([]byte("   \n"))
	if !errors.Is(err, event.ErrBlankLine) {
		t.Fatalf("blank line err = %v, want ErrBlankLine", err)
	}

	_, err = event.DecodeLine([]byte("{truncated"))
	if !errors.Is(err, event.ErrCorruptLine) {
		t.Fatalf("malformed err = %v, want ErrCorruptLine", err)
	}

	_, err = event.DecodeLine([]byte(`{"deviceId":"d","timestamp":1,"type":"x"}`))
	if !errors.Is(err, event.ErrCorruptLine) {
		t.Fatalf("missing id err = %v, want ErrCorruptLine", err)
	}

	_, err = event.DecodeLine([]byte(`{"id":"e-1","deviceId":"d","timestamp":1}`))
	if !errors.Is(err, event.ErrCorruptLine) {
		t.Fatalf("missing type err = %v, want ErrCorruptLine", err)
	}
}

func Test_Payload_Decodes_Known_Types(t *testing.T) {
	t.Parallel()

	e := event.Event{
		ID:   "e-1",
		Type: event.TypeWorkspaceCreated,
		Data: json.RawMessage(`{"workspaceId":"ws-1","name":"notes"}`),
	}

	p, err := e.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}

	got, ok := p.(event.WorkspaceCreated)
	if !ok {
		t.Fatalf("payload type = %T, want WorkspaceCreated", p)
	}

	if got.WorkspaceID != "ws-1" || got.Name != "notes" {
		t.Fatalf("payload = %+v", got)
	}
}

func Test_Payload_Maps_Unrecognized_Type_To_Unknown(t *testing.T) {
	t.Parallel()

	e := event.Event{
		ID:   "e-1",
		Type: "hologram_projected",
		Data: json.RawMessage(`{"future":"field"}`),
	}

	p, err := e.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}

	unknown, ok := p.(event.Unknown)
	if !ok {
		t.Fatalf("payload type = %T, want Unknown", p)
	}

	if unknown.Type != "hologram_projected" {
		t.Fatalf("unknown type = %q", unknown.Type)
	}

	if string(unknown.Raw) != `{"future":"field"}` {
		t.Fatalf("unknown raw = %s", unknown.Raw)
	}
}

func Test_Payload_Reports_Error_For_Undecodable_Known_Type(t *testing.T) {
	t.Parallel()

	e := event.Event{
		ID:   "e-1",
		Type: event.TypeStateSet,
		Data: json.RawMessage(`"not an object"`),
	}

	_, err := e.Payload()
	if err == nil {
		t.Fatal("expected decode error for malformed known payload")
	}
}
