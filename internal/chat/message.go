// Package chat implements project rooms: membership, sequenced broadcast,
// replay for late joiners, and the per-room AI participant.
package chat

import (
	"fmt"
	"time"

	"github.com/amurg-ai/huddle/pkg/protocol"
)

// Kind tags a Message.
type Kind int

const (
	KindHuman Kind = iota
	KindAISuccess
	KindAIFailure
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindHuman:
		return protocol.KindHuman
	case KindAISuccess:
		return protocol.KindAISuccess
	case KindAIFailure:
		return protocol.KindAIFailure
	case KindSystem:
		return protocol.KindSystem
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case protocol.KindHuman:
		return KindHuman, nil
	case protocol.KindAISuccess:
		return KindAISuccess, nil
	case protocol.KindAIFailure:
		return KindAIFailure, nil
	case protocol.KindSystem:
		return KindSystem, nil
	default:
		return 0, fmt.Errorf("unknown message kind %q", s)
	}
}

// Sender identifies who spoke.
type Sender struct {
	ID    string
	Label string
}

// AISender is the reserved sender of AI messages.
var AISender = Sender{ID: protocol.AISender, Label: protocol.AISender}

// SystemSender signs system messages.
var SystemSender = Sender{ID: "system", Label: "system"}

// PromptRef links an AI message to the message that triggered it.
type PromptRef struct {
	MessageID   string
	Seq         int64
	Prompt      string
	RequesterID string
}

// Message is a sequenced room message. It is never modified after the room
// assigns its sequence number, so it is shared freely between goroutines.
type Message struct {
	ID        string
	ProjectID string
	Seq       int64
	Kind      Kind
	Sender    Sender
	Body      string
	Timestamp time.Time
	PromptRef *PromptRef
	RequestID string // set on AI messages
}

// Wire converts m to its protocol form.
func (m *Message) Wire(replay bool) protocol.ChatMessage {
	cm := protocol.ChatMessage{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Seq:         m.Seq,
		Kind:        m.Kind.String(),
		SenderID:    m.Sender.ID,
		SenderLabel: m.Sender.Label,
		Body:        m.Body,
		Timestamp:   m.Timestamp,
		RequestID:   m.RequestID,
		Replay:      replay,
	}
	if m.PromptRef != nil {
		cm.PromptRef = &protocol.PromptRef{
			MessageID:   m.PromptRef.MessageID,
			Seq:         m.PromptRef.Seq,
			Prompt:      m.PromptRef.Prompt,
			RequesterID: m.PromptRef.RequesterID,
		}
	}
	return cm
}

func newEnvelope(typ string, payload any) protocol.Envelope {
	return protocol.Envelope{Type: typ, Timestamp: time.Now().UTC(), Payload: payload}
}

func messageEnvelope(m *Message, replay bool) protocol.Envelope {
	env := newEnvelope(protocol.TypeMessage, m.Wire(replay))
	env.ID = m.ID
	return env
}

// NoticeEnvelope builds an unsequenced notice addressed to one session.
func NoticeEnvelope(code, message string) protocol.Envelope {
	return newEnvelope(protocol.TypeNotice, protocol.Notice{Code: code, Message: message})
}

// ErrorEnvelope builds an error frame for the sender of a bad request.
func ErrorEnvelope(code, message string) protocol.Envelope {
	return newEnvelope(protocol.TypeError, protocol.ErrorResponse{Code: code, Message: message})
}
