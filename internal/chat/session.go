package chat

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/amurg-ai/huddle/internal/metrics"
	"github.com/amurg-ai/huddle/pkg/protocol"
)

var (
	// ErrSlowConsumer closes a session whose outbound mailbox filled up.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrSessionClosed is the close reason when the owner hangs up.
	ErrSessionClosed = errors.New("session closed")
)

// Session is one live connection bound to one user and one project.
type Session struct {
	ID        string
	UserID    string
	Email     string
	ProjectID string

	out       chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	joined atomic.Bool
	room   atomic.Pointer[Room]
}

// NewSession creates a session whose outbound mailbox holds buffer frames.
// The buffer must exceed the room ring capacity or a late joiner is evicted
// during replay.
func NewSession(userID, email, projectID string, buffer int) *Session {
	if buffer < 1 {
		buffer = 1
	}
	return &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Email:     email,
		ProjectID: projectID,
		out:       make(chan protocol.Envelope, buffer),
		done:      make(chan struct{}),
	}
}

// Sender is the session's identity as it appears on messages.
func (s *Session) Sender() Sender {
	return Sender{ID: s.UserID, Label: s.Email}
}

// Outbound yields frames for the connection's write pump.
func (s *Session) Outbound() <-chan protocol.Envelope { return s.out }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session closed, or nil while open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Close marks the session closed. Only the first reason is kept.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrSessionClosed
		}
		s.closeErr = reason
		close(s.done)
	})
}

// Room returns the room the session is joined to, if any.
func (s *Session) Room() *Room { return s.room.Load() }

// Deliver enqueues a frame without blocking. A full mailbox closes the
// session as a slow consumer and reports false.
func (s *Session) Deliver(env protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- env:
		return true
	default:
		metrics.SlowConsumerEvictions.Inc()
		s.Close(ErrSlowConsumer)
		return false
	}
}
