// Package event defines the immutable record type persisted in per-entity
// event logs, and the typed payload union projection code folds over.
//
// An event is one JSON object per newline-terminated line:
//
//	{"id":"...","deviceId":"...","timestamp":1712345678901,"type":"message_appended","data":{...}}
//
// Events are facts. They are never edited, reordered, or deleted; logical
// deletion is a tombstone event. New event types must be safely ignorable by
// old readers, which is why [Event.Payload] maps unrecognized types to
// [Unknown] instead of failing.
package event

import (
	"encoding/json"
	"fmt"
)

// Known event types. The set is open: writers may introduce new types at any
// time and readers project them as no-ops until they learn the type.
const (
	TypeWorkspaceCreated    = "workspace_created"
	TypeWorkspaceUpdated    = "workspace_updated"
	TypeConversationCreated = "conversation_created"
	TypeConversationUpdated = "conversation_updated"
	TypeSessionStarted      = "session_started"
	TypeSessionUpdated      = "session_updated"
	TypeMessageAppended     = "message_appended"
	TypeTraceRecorded       = "trace_recorded"
	TypeStateSet            = "state_set"
	TypeTombstone           = "tombstone"
)

// Event is the base record shared by every event kind.
//
// ID is globally unique across all devices and time (UUIDv7). DeviceID
// identifies the writing installation. Timestamp is writer-local epoch
// milliseconds and is comparable only per device; cross-device ordering is
// deliberately not defined. Data carries the type-specific payload.
type Event struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Draft is an event without identity: the fields a caller supplies to
// [Append]-style operations, which fill in ID, DeviceID, and Timestamp.
type Draft struct {
	Type string
	Data any
}

// Payload decodes Data according to Type.
//
// Unrecognized types return [Unknown] carrying the raw payload and a nil
// error; they are valid events this build does not understand. A recognized
// type whose payload fails to decode returns an error; callers treat that as
// local corruption (skip and warn), never as fatal.
func (e Event) Payload() (Payload, error) {
	switch e.Type {
	case TypeWorkspaceCreated:
		return decodeAs[WorkspaceCreated](e)
	case TypeWorkspaceUpdated:
		return decodeAs[WorkspaceUpdated](e)
	case TypeConversationCreated:
		return decodeAs[ConversationCreated](e)
	case TypeConversationUpdated:
		return decodeAs[ConversationUpdated](e)
	case TypeSessionStarted:
		return decodeAs[SessionStarted](e)
	case TypeSessionUpdated:
		return decodeAs[SessionUpdated](e)
	case TypeMessageAppended:
		return decodeAs[MessageAppended](e)
	case TypeTraceRecorded:
		return decodeAs[TraceRecorded](e)
	case TypeStateSet:
		return decodeAs[StateSet](e)
	case TypeTombstone:
		return decodeAs[Tombstone](e)
	default:
		return Unknown{Type: e.Type, Raw: e.Data}, nil
	}
}

func decodeAs[T Payload](e Event) (Payload, error) {
	var p T

	if len(e.Data) > 0 {
		err := json.Unmarshal(e.Data, &p)
		if err != nil {
			return nil, fmt.Errorf("decode %s payload of event %s: %w", e.Type, e.ID, err)
		}
	}

	return p, nil
}

// Payload is the closed set of decoded event payloads. Projection logic
// switches over the concrete types; [Unknown] is the forward-compatible
// catch-all that projects to a no-op.
type Payload interface {
	isPayload()
}

// WorkspaceCreated records a new workspace.
type WorkspaceCreated struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

// WorkspaceUpdated records a workspace rename or settings change.
type WorkspaceUpdated struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
}

// ConversationCreated records a new conversation within a workspace.
type ConversationCreated struct {
	ConversationID string `json:"conversationId"`
	WorkspaceID    string `json:"workspaceId"`
	Title          string `json:"title,omitempty"`
}

// ConversationUpdated records a conversation title change.
type ConversationUpdated struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title,omitempty"`
}

// SessionStarted records a new session within a workspace.
type SessionStarted struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Label       string `json:"label,omitempty"`
}

// SessionUpdated records a session status or label change.
type SessionUpdated struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status,omitempty"`
	Label     string `json:"label,omitempty"`
}

// MessageAppended records one message added to a conversation.
type MessageAppended struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

// TraceRecorded records an activity trace entry for a session.
type TraceRecorded struct {
	TraceID   string `json:"traceId"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}

// StateSet records an application state key/value assignment.
type StateSet struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Tombstone records the logical deletion of an entity. Prior events for the
// entity remain in the log; projections mark the row deleted.
type Tombstone struct {
	Entity   string `json:"entity"`
	EntityID string `json:"entityId"`
}

// Unknown carries the raw payload of an event type this build does not
// recognize. Projection treats it as a no-op.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (WorkspaceCreated) isPayload()    {}
func (WorkspaceUpdated) isPayload()    {}
func (ConversationCreated) isPayload() {}
func (ConversationUpdated) isPayload() {}
func (SessionStarted) isPayload()      {}
func (SessionUpdated) isPayload()      {}
func (MessageAppended) isPayload()     {}
func (TraceRecorded) isPayload()       {}
func (StateSet) isPayload()            {}
func (Tombstone) isPayload()           {}
func (Unknown) isPayload()             {}
