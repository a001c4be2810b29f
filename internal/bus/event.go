package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event by its origin or meaning.
type Kind string

const (
	KindUserMessage    Kind = "user_message"
	KindCron           Kind = "cron"
	KindWebhook        Kind = "webhook"
	KindTaskComplete   Kind = "task_complete"
	KindTaskFailed     Kind = "task_failed"
	KindSystem         Kind = "system"
	KindChannelMessage Kind = "channel_message"
	KindAPICall        Kind = "api_call"
)

// Event is an immutable fact entering the system. Kind and ID are fixed at
// construction; handlers must treat the payload as read-only.
type Event struct {
	ID            string
	Kind          Kind
	Payload       map[string]any
	SourceChannel string
	UserID        string
	CreatedAt     time.Time
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(kind Kind, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// PayloadString returns the string value under key, or "" when absent or
// not a string.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}
