// Package gateway terminates client connections: it authenticates them,
// binds each to a chat session and pumps frames between the transport and
// the session's room.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amurg-ai/huddle/internal/auth"
	"github.com/amurg-ai/huddle/internal/chat"
	"github.com/amurg-ai/huddle/internal/metrics"
	"github.com/amurg-ai/huddle/pkg/protocol"
)

var (
	// ErrUnauthenticated means the credential was missing or invalid.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the user may not join the project.
	ErrForbidden = errors.New("forbidden")
	// ErrTooManyConnections is returned when a user is over the connection cap.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrHandshakeTimeout is returned when no join frame arrives in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrBadFrame is returned by transports for frames that cannot be decoded.
	ErrBadFrame = errors.New("malformed frame")
)

// AuthError rejects a connection before any room is touched.
type AuthError struct {
	Err    error // ErrUnauthenticated or ErrForbidden
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// Authenticator validates a connection credential.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Identity, error)
}

// ProjectAuthorizer decides project membership.
type ProjectAuthorizer interface {
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)
}

// Transport is one bidirectional frame connection. Read blocks until a frame
// arrives or the transport is closed. Write is only called from one goroutine
// at a time. Close unblocks Read and is safe to call more than once.
type Transport interface {
	Read() (protocol.InboundEnvelope, error)
	Write(env protocol.Envelope) error
	Close(reason error) error
}

// Config tunes connection handling.
type Config struct {
	SessionBuffer     int
	HandshakeTimeout  time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	MaxConnsPerUser   int // 0 = unlimited
}

// Manager admits connections into rooms and serves them.
type Manager struct {
	auth     Authenticator
	projects ProjectAuthorizer
	reg      *chat.Registry
	router   *chat.Router
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	perUser map[string]int
}

func NewManager(a Authenticator, p ProjectAuthorizer, reg *chat.Registry, router *chat.Router, cfg Config, logger *slog.Logger) *Manager {
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 256
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Manager{
		auth:     a,
		projects: p,
		reg:      reg,
		router:   router,
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		perUser:  make(map[string]int),
	}
}

// Authorize validates credential and checks that the user belongs to
// projectID. Failures are *AuthError.
func (m *Manager) Authorize(ctx context.Context, credential, projectID string) (*auth.Identity, error) {
	if credential == "" {
		return nil, &AuthError{Err: ErrUnauthenticated, Reason: "missing token"}
	}
	id, err := m.auth.ValidateToken(ctx, credential)
	if err != nil {
		return nil, &AuthError{Err: ErrUnauthenticated, Reason: "invalid token"}
	}
	if projectID == "" {
		return nil, &AuthError{Err: ErrForbidden, Reason: "project_id required"}
	}
	ok, err := m.projects.IsProjectMember(ctx, projectID, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return nil, &AuthError{Err: ErrForbidden, Reason: "not a project member"}
	}
	return id, nil
}

// Accept authorizes the connection and joins its session to the project
// room. On failure the transport receives an error frame and is closed; no
// room state changes. A returned session must be passed to Serve.
func (m *Manager) Accept(ctx context.Context, t Transport, credential, projectID string) (*chat.Session, error) {
	id, err := m.Authorize(ctx, credential, projectID)
	if err != nil {
		m.reject(t, err)
		return nil, err
	}
	return m.admit(ctx, t, id, projectID)
}

func (m *Manager) admit(ctx context.Context, t Transport, id *auth.Identity, projectID string) (*chat.Session, error) {
	if !m.acquire(id.UserID) {
		m.logger.Warn("too many connections for user", "user_id", id.UserID, "limit", m.cfg.MaxConnsPerUser)
		m.reject(t, ErrTooManyConnections)
		return nil, ErrTooManyConnections
	}
	s := chat.NewSession(id.UserID, id.Email, projectID, m.cfg.SessionBuffer)
	if _, err := m.reg.Join(ctx, s); err != nil {
		m.release(id.UserID)
		m.reject(t, err)
		return nil, fmt.Errorf("join room: %w", err)
	}
	return s, nil
}

func (m *Manager) reject(t Transport, err error) {
	_ = t.Write(chat.ErrorEnvelope(errorCode(err), err.Error()))
	_ = t.Close(err)
}

// Handshake waits for the first frame, which must be a join, and returns
// its credential and project id. The transport is closed on failure.
func (m *Manager) Handshake(ctx context.Context, t Transport) (credential, projectID string, err error) {
	type result struct {
		in  protocol.InboundEnvelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		in, err := t.Read()
		ch <- result{in, err}
	}()

	timer := time.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-ch:
	case <-timer.C:
		err = ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		m.reject(t, err)
		<-ch
		return "", "", err
	}
	if res.err != nil {
		_ = t.Close(res.err)
		return "", "", res.err
	}

	var join protocol.Join
	if res.in.Type != protocol.TypeJoin {
		err = &AuthError{Err: ErrUnauthenticated, Reason: "first frame must be join"}
	} else if derr := res.in.DecodePayload(&join); derr != nil {
		err = &AuthError{Err: ErrUnauthenticated, Reason: "invalid join payload"}
	}
	if err != nil {
		m.reject(t, err)
		return "", "", err
	}
	return join.Token, join.ProjectID, nil
}

// Serve pumps frames until the transport or the session ends, then leaves
// the room. It always closes the transport.
func (m *Manager) Serve(ctx context.Context, t Transport, s *chat.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := m.logger.With("session_id", s.ID, "project_id", s.ProjectID)
	logger.Info("client connected", "user_id", s.UserID)

	done := make(chan error, 2)
	go func() { done <- m.readLoop(ctx, t, s, logger) }()
	go func() { done <- m.writePump(ctx, t, s) }()

	err := <-done
	cancel()
	s.Close(chat.ErrSessionClosed)
	reason := s.Err()
	if !errors.Is(reason, chat.ErrSessionClosed) {
		err = reason
	}
	_ = t.Close(reason)
	<-done

	m.reg.Leave(s)
	m.release(s.UserID)
	logger.Info("client disconnected", "reason", err)
	if errors.Is(err, chat.ErrSessionClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) readLoop(ctx context.Context, t Transport, s *chat.Session, logger *slog.Logger) error {
	limiter := newTokenBucket(m.cfg.MessagesPerSecond, m.cfg.MessageBurst)
	for {
		in, err := t.Read()
		if errors.Is(err, ErrBadFrame) {
			s.Deliver(chat.ErrorEnvelope("bad_frame", err.Error()))
			continue
		}
		if err != nil {
			logger.Debug("client read error", "error", err)
			return err
		}

		switch in.Type {
		case protocol.TypeMessage:
			if !limiter.allow() {
				metrics.RateLimitHits.WithLabelValues("ws").Inc()
				logger.Debug("client message rate limited")
				s.Deliver(chat.ErrorEnvelope("rate_limited", "slow down"))
				continue
			}
			var send protocol.SendMessage
			if err := in.DecodePayload(&send); err != nil {
				s.Deliver(chat.ErrorEnvelope("invalid_message", "invalid message payload"))
				continue
			}
			if _, err := m.router.Submit(ctx, s, send.Body, send.ClientMessageID); err != nil {
				if errors.Is(err, chat.ErrMessageTooLarge) {
					s.Deliver(chat.ErrorEnvelope("message_too_large", err.Error()))
					continue
				}
				return err
			}
		case protocol.TypePing:
			s.Deliver(protocol.Envelope{Type: protocol.TypePong, ID: in.ID, Timestamp: time.Now().UTC()})
		case protocol.TypeJoin:
			s.Deliver(chat.ErrorEnvelope("already_joined", "connection is already joined"))
		default:
			logger.Debug("unknown client message type", "type", in.Type)
			s.Deliver(chat.ErrorEnvelope("unknown_type", fmt.Sprintf("unknown message type %q", in.Type)))
		}
	}
}

func (m *Manager) writePump(ctx context.Context, t Transport, s *chat.Session) error {
	for {
		select {
		case env := <-s.Outbound():
			if err := t.Write(env); err != nil {
				return err
			}
		case <-s.Done():
			if errors.Is(s.Err(), chat.ErrSlowConsumer) {
				_ = t.Write(chat.ErrorEnvelope("slow_consumer", "connection could not keep up"))
			}
			return s.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) acquire(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxConnsPerUser > 0 && m.perUser[userID] >= m.cfg.MaxConnsPerUser {
		return false
	}
	m.perUser[userID]++
	return true
}

func (m *Manager) release(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perUser[userID]--
	if m.perUser[userID] <= 0 {
		delete(m.perUser, userID)
	}
}

// Connections returns the number of open connections for userID.
func (m *Manager) Connections(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perUser[userID]
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTooManyConnections):
		return "too_many_connections"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	default:
		return "join_failed"
	}
}
