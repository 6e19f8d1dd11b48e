package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/huddle/pkg/protocol"
)

func newWSServer(t *testing.T, origins []string) string {
	t.Helper()
	fx := newFixture(t, Config{}, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(fx.m, HandlerConfig{AllowedOrigins: origins, ReadLimit: 4096}, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.InboundEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var in protocol.InboundEnvelope
	require.NoError(t, conn.ReadJSON(&in))
	return in
}

func TestWebSocketQueryToken(t *testing.T) {
	url := newWSServer(t, nil)
	conn := dial(t, url+"?token=alice-token&project_id=P1", nil)

	joined := readFrame(t, conn)
	require.Equal(t, protocol.TypeJoined, joined.Type)
	var j protocol.Joined
	require.NoError(t, joined.DecodePayload(&j))
	assert.Equal(t, "alice", j.UserID)
	assert.Equal(t, int64(0), j.LastSeq)

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:    protocol.TypeMessage,
		Payload: protocol.SendMessage{Body: "hello", ClientMessageID: "c1"},
	}))
	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeMessage, frame.Type)
	var msg protocol.ChatMessage
	require.NoError(t, frame.DecodePayload(&msg))
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "human", msg.Kind)
	assert.Equal(t, msg.ID, frame.ID)
}

func TestWebSocketBearerHeader(t *testing.T) {
	url := newWSServer(t, nil)
	header := http.Header{"Authorization": {"Bearer bob-token"}}
	conn := dial(t, url+"?project_id=P1", header)
	assert.Equal(t, protocol.TypeJoined, readFrame(t, conn).Type)
}

func TestWebSocketRejectsBeforeUpgrade(t *testing.T) {
	url := newWSServer(t, nil)
	tests := []struct {
		query  string
		status int
	}{
		{"?token=forged&project_id=P1", http.StatusUnauthorized},
		{"?token=eve-token&project_id=P1", http.StatusForbidden},
		{"?token=alice-token", http.StatusForbidden},
	}
	for _, tt := range tests {
		_, resp, err := websocket.DefaultDialer.Dial(url+tt.query, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake, tt.query)
		assert.Equal(t, tt.status, resp.StatusCode, tt.query)
		resp.Body.Close()
	}
}

func TestWebSocketJoinFrame(t *testing.T) {
	url := newWSServer(t, nil)
	conn := dial(t, url, nil)

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:    protocol.TypeJoin,
		Payload: protocol.Join{ProjectID: "P1", Token: "alice-token"},
	}))
	assert.Equal(t, protocol.TypeJoined, readFrame(t, conn).Type)
}

func TestWebSocketJoinFrameRejected(t *testing.T) {
	url := newWSServer(t, nil)
	conn := dial(t, url, nil)

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:    protocol.TypeJoin,
		Payload: protocol.Join{ProjectID: "P1", Token: "eve-token"},
	}))
	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, frame.Type)
	var e protocol.ErrorResponse
	require.NoError(t, frame.DecodePayload(&e))
	assert.Equal(t, "forbidden", e.Code)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestWebSocketMalformedFrame(t *testing.T) {
	url := newWSServer(t, nil)
	conn := dial(t, url+"?token=alice-token&project_id=P1", nil)
	readFrame(t, conn) // joined

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, frame.Type)
	var e protocol.ErrorResponse
	require.NoError(t, frame.DecodePayload(&e))
	assert.Equal(t, "bad_frame", e.Code)
}

func TestWebSocketOriginCheck(t *testing.T) {
	url := newWSServer(t, []string{"https://app.example.com"})

	ok := dial(t, url+"?token=alice-token&project_id=P1", http.Header{"Origin": {"https://app.example.com"}})
	assert.Equal(t, protocol.TypeJoined, readFrame(t, ok).Type)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=bob-token&project_id=P1",
		http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}
