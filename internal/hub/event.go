package hub

import (
	"time"

	"github.com/auth1ery/outlet/internal/presence"
)

// Outbound event types.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventOnline  = "online"
	EventError   = "error"
)

// Event is the JSON envelope written to clients. Inbound frames use the same
// shape with a raw payload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// MessagePayload is a persisted chat message with its author snapshot.
type MessagePayload struct {
	ID          uint64    `json:"id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url"`
	UserID      string    `json:"user_id"`
}

// TypingPayload announces that a user started or stopped typing. Username
// carries the display name.
type TypingPayload struct {
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}

// ErrorPayload rejects a submission back to its sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageEvent wraps a message payload.
func MessageEvent(p MessagePayload) Event {
	return Event{Type: EventMessage, Payload: p}
}

// TypingEvent builds a typing indicator event.
func TypingEvent(name string, typing bool) Event {
	return Event{Type: EventTyping, Payload: TypingPayload{Username: name, Typing: typing}}
}

// OnlineEvent builds the full online list from a registry snapshot.
func OnlineEvent(entries []presence.Entry) Event {
	if entries == nil {
		entries = []presence.Entry{}
	}
	return Event{Type: EventOnline, Payload: entries}
}

// ErrorEvent builds a rejection event.
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Code: code, Message: message}}
}
