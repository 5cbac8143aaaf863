package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the type of an event carried on a broker topic.
type EventType string

const (
	EventToken         EventType = "token"
	EventUpdate        EventType = "update"
	EventInterrupt     EventType = "interrupt"
	EventFinal         EventType = "final"
	EventError         EventType = "error"
	EventMessageSaved  EventType = "message_saved"
	EventStatusUpdate  EventType = "status_update"
	EventHeartbeat     EventType = "heartbeat"
	EventQueueComplete EventType = "queue_complete"
)

// StreamEvent is the envelope published on a topic and relayed to clients.
type StreamEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"ts"`
}

// NewStreamEvent creates an event with a fresh identifier.
// It reads the wall clock and must not be called from workflow code.
func NewStreamEvent(eventType EventType, data map[string]interface{}) StreamEvent {
	return StreamEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// StreamKind distinguishes the two topic families.
type StreamKind string

const (
	StreamKindChat      StreamKind = "chat"
	StreamKindDocuments StreamKind = "documents"
)

// Terminates reports whether an event of type t ends a stream of this kind.
func (k StreamKind) Terminates(t EventType) bool {
	switch k {
	case StreamKindChat:
		return t == EventFinal || t == EventError || t == EventInterrupt
	case StreamKindDocuments:
		return t == EventQueueComplete
	default:
		return false
	}
}

// ChatTopic returns the topic of a chat session.
func ChatTopic(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", StreamKindChat, tenantID, sessionID)
}

// DocumentsTopic returns the topic of a user's document queue.
func DocumentsTopic(tenantID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", StreamKindDocuments, tenantID, userID)
}
