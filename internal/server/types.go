// Package server defines the inbound frame types and utility helpers shared by
// the session and lifecycle logic.
package server

import (
	"encoding/json"
	"strings"
)

// Inbound event types accepted from ACTIVE sessions.
const (
	inboundMessage = "message"
	inboundTyping  = "typing"
)

// Rejection codes sent back to the originating session.
const (
	codeInvalidMessage   = "invalid_message"
	codeStoreUnavailable = "store_unavailable"
)

// maxContentRunes bounds a chat message after trimming.
const maxContentRunes = 2000

// inboundEvent is the client-to-server envelope. Payload is decoded once the
// type is known.
type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageRequest is the payload of an inbound message event.
type MessageRequest struct {
	Content string `json:"content"`
}

// TypingRequest is the payload of an inbound typing event.
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
