package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/huddle/internal/auth"
	"github.com/amurg-ai/huddle/internal/chat"
	"github.com/amurg-ai/huddle/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsTransport adapts a gorilla connection to Transport.
type wsTransport struct {
	conn      *websocket.Conn
	mu        sync.Mutex // guards writes
	stopPing  func()
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, readLimit int64, pingInterval, pongWait time.Duration) *wsTransport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	t := &wsTransport{conn: conn}
	t.stopPing = startKeepalive(conn, &t.mu, pingInterval, pongWait)
	return t
}

func (t *wsTransport) Read() (protocol.InboundEnvelope, error) {
	var in protocol.InboundEnvelope
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return in, err
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return in, nil
}

func (t *wsTransport) Write(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Type, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(reason error) error {
	var err error
	t.closeOnce.Do(func() {
		t.stopPing()
		code, text := closeCode(reason)
		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func closeCode(reason error) (int, string) {
	var authErr *AuthError
	switch {
	case reason == nil, errors.Is(reason, chat.ErrSessionClosed):
		return websocket.CloseNormalClosure, ""
	case errors.As(reason, &authErr),
		errors.Is(reason, ErrTooManyConnections),
		errors.Is(reason, ErrHandshakeTimeout):
		return websocket.ClosePolicyViolation, reason.Error()
	case errors.Is(reason, chat.ErrSlowConsumer):
		return websocket.CloseTryAgainLater, reason.Error()
	case errors.Is(reason, chat.ErrRoomClosed), errors.Is(reason, chat.ErrRegistryClosed):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	AllowedOrigins []string
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
}

// Handler serves the chat WebSocket endpoint. Clients authenticate either
// in the upgrade request (token query parameter or bearer header, plus
// project_id) or with a join frame right after the upgrade.
type Handler struct {
	m        *Manager
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	logger   *slog.Logger
}

func NewHandler(m *Manager, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = wsPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = wsPongWait
	}
	return &Handler{
		m:        m,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		cfg:      cfg,
		logger:   logger.With("component", "ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Browsers cannot set headers on the WebSocket handshake, so the token
	// may arrive in the query string. Keep query strings out of access logs.
	token := tokenFromRequest(req)
	projectID := req.URL.Query().Get("project_id")

	var identity *auth.Identity
	if token != "" {
		id, err := h.m.Authorize(req.Context(), token, projectID)
		if err != nil {
			h.logger.Info("websocket rejected", "project_id", projectID, "error", err)
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		identity = id
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	t := newWSTransport(conn, h.cfg.ReadLimit, h.cfg.PingInterval, h.cfg.PongWait)

	// The request context is not cancelled when the server shuts down a
	// hijacked connection; room shutdown ends Serve instead.
	ctx := context.WithoutCancel(req.Context())

	var s *chat.Session
	if identity != nil {
		s, err = h.m.admit(ctx, t, identity, projectID)
	} else {
		var credential string
		credential, projectID, err = h.m.Handshake(ctx, t)
		if err == nil {
			s, err = h.m.Accept(ctx, t, credential, projectID)
		}
	}
	if err != nil {
		h.logger.Info("websocket join failed", "project_id", projectID, "error", err)
		return
	}
	_ = h.m.Serve(ctx, t, s)
}

func tokenFromRequest(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}
	if bearer, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); ok {
		return bearer
	}
	return ""
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
