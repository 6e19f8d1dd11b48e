// Package protocol defines the wire protocol messages exchanged between
// huddle clients and the hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// InboundEnvelope is an Envelope whose payload has not been decoded yet.
type InboundEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the raw payload into v.
func (e InboundEnvelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// --- Message type constants ---

const (
	// Client → hub
	TypeJoin    = "join"
	TypeMessage = "message" // also hub → client
	TypePing    = "ping"

	// Hub → client
	TypeJoined   = "joined"
	TypePresence = "presence"
	TypeNotice   = "notice"
	TypeError    = "error"
	TypePong     = "pong"
)

// Message kinds carried in ChatMessage.Kind.
const (
	KindHuman     = "human"
	KindAISuccess = "ai"
	KindAIFailure = "ai_failure"
	KindSystem    = "system"
)

// AISender is the reserved sender id of the AI participant.
const AISender = "ai"

// --- Session lifecycle ---

// Join is the first frame a client sends when it did not authenticate in the
// upgrade request.
type Join struct {
	ProjectID string `json:"project_id"`
	Token     string `json:"token"`
}

// Joined acknowledges a successful join. History replay follows it.
type Joined struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Members   int    `json:"members"`
	LastSeq   int64  `json:"last_seq"`
}

// --- Message flow ---

// SendMessage carries user input from a client.
type SendMessage struct {
	Body            string `json:"body"`
	ClientMessageID string `json:"client_message_id,omitempty"` // client-generated, for idempotent retries
}

// ChatMessage is a sequenced room message delivered to clients.
type ChatMessage struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Seq         int64      `json:"seq"` // monotonic, gapless per room
	Kind        string     `json:"kind"`
	SenderID    string     `json:"sender_id"`
	SenderLabel string     `json:"sender_label"`
	Body        string     `json:"body"`
	Timestamp   time.Time  `json:"ts"`
	PromptRef   *PromptRef `json:"prompt_ref,omitempty"`
	RequestID   string     `json:"request_id,omitempty"`
	Replay      bool       `json:"replay,omitempty"` // true while replaying buffered history
}

// PromptRef links an AI message to the message that asked for it.
type PromptRef struct {
	MessageID   string `json:"message_id"`
	Seq         int64  `json:"seq"`
	Prompt      string `json:"prompt"`
	RequesterID string `json:"requester_id"`
}

// --- Ephemeral events ---

// Presence is a transient, unsequenced participant state signal.
type Presence struct {
	ProjectID   string `json:"project_id"`
	Participant string `json:"participant"`
	State       string `json:"state"` // "responding" or "idle"
	RequestID   string `json:"request_id,omitempty"`
}

// Notice is an unsequenced informational message addressed to one session.
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse reports a protocol or validation error to the sender.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
