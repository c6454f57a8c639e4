// Package fanout delivers real-time events to the live sessions of a user.
//
// Delivery is best-effort: there is no durable queue, no retry and no
// acknowledgement. A user with no connected session simply misses the
// event and reconciles through a history fetch on reconnect. Publishing
// never fails the operation that triggered it; Publish returns a Result
// that callers log or discard.
package fanout

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of an event.
type Kind string

const (
	KindMessage             Kind = "message"
	KindMessageDeleted      Kind = "message_deleted"
	KindReadReceipt         Kind = "read_receipt"
	KindKeyUnavailable      Kind = "key_unavailable"
	KindTyping              Kind = "typing"
	KindParticipantAdded    Kind = "participant_added"
	KindParticipantLeft     Kind = "participant_left"
	KindRoleChanged         Kind = "role_changed"
	KindConversationCreated Kind = "conversation_created"
	KindNotification        Kind = "notification"
)

// Event is the frame delivered to a user's sessions.
type Event struct {
	Kind           Kind                   `json:"kind"`
	ConversationID string                 `json:"conversation_id"`
	Payload        map[string]interface{} `json:"payload"`
	Timestamp      time.Time              `json:"timestamp"`
}

// NewEvent creates an event stamped with at in UTC.
func NewEvent(kind Kind, conversationID string, payload map[string]interface{}, at time.Time) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{Kind: kind, ConversationID: conversationID, Payload: payload, Timestamp: at.UTC()}
}

// Marshal encodes the event with an ISO-8601 timestamp.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes a frame produced by Marshal.
func ParseEvent(frame []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(frame, &e)
	return e, err
}
