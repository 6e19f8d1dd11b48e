package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMessageTooLarge is returned for bodies over the configured limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrNotJoined is returned when a session submits before joining.
	ErrNotJoined = errors.New("session has not joined a room")
	// ErrInvalidMessage is returned by Publish for drafts it will not send.
	ErrInvalidMessage = errors.New("invalid message")
)

// Router validates human input and routes it into rooms.
type Router struct {
	reg      *Registry
	maxBytes int
}

// NewRouter creates a Router. maxBytes <= 0 disables the size check.
func NewRouter(reg *Registry, maxBytes int) *Router {
	return &Router{reg: reg, maxBytes: maxBytes}
}

// Submit sends body from s to its room. Whitespace-only bodies are dropped
// and return (nil, nil). The returned message has been queued to every
// member. A repeated clientMessageID returns the original message without
// sending it again. AI-addressed messages start a request in the background.
func (rt *Router) Submit(ctx context.Context, s *Session, body, clientMessageID string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil
	}
	if rt.maxBytes > 0 && len(body) > rt.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(body), rt.maxBytes)
	}
	r := s.Room()
	if r == nil {
		return nil, ErrNotJoined
	}
	return r.submit(ctx, s, body, clientMessageID)
}

// Publish broadcasts a system or AI message to projectID's room.
func (rt *Router) Publish(ctx context.Context, projectID string, draft Message) (*Message, error) {
	switch draft.Kind {
	case KindSystem:
		if draft.Sender == (Sender{}) {
			draft.Sender = SystemSender
		}
	case KindAISuccess, KindAIFailure:
		if draft.RequestID == "" {
			return nil, fmt.Errorf("%w: AI message without request id", ErrInvalidMessage)
		}
		draft.Sender = AISender
	case KindHuman:
		return nil, fmt.Errorf("%w: human messages go through Submit", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrInvalidMessage, draft.Kind)
	}
	if strings.TrimSpace(draft.Body) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	return rt.reg.Broadcast(ctx, projectID, draft)
}
