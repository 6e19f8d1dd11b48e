package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/huddle/internal/ai"
	"github.com/amurg-ai/huddle/internal/auth"
	"github.com/amurg-ai/huddle/internal/chat"
	"github.com/amurg-ai/huddle/internal/config"
	"github.com/amurg-ai/huddle/internal/store"
	"github.com/amurg-ai/huddle/pkg/protocol"
)

type testEnv struct {
	srv     *Server
	authSvc *auth.Service
	store   store.Store
	rooms   *chat.Registry
}

func setupTestServer(t *testing.T, provider ai.Provider) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: time.Hour},
		},
		AI: config.AIConfig{Timeout: config.Duration{Duration: time.Second}},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(s, cfg.Auth, nil)
	rooms := chat.NewRegistry(chat.RegistryConfig{RingCapacity: 10}, nil, logger)
	t.Cleanup(rooms.Close)
	if provider == nil {
		provider = ai.Disabled()
	}
	srv := NewServer(s, authSvc, authSvc, provider, rooms, chat.NewRouter(rooms, 1024), nil, cfg, logger)
	return &testEnv{srv: srv, authSvc: authSvc, store: s, rooms: rooms}
}

// registerUser creates a user with a unique email and returns it with a token.
func (e *testEnv) registerUser(t *testing.T, role string) (*store.User, string) {
	t.Helper()
	ctx := context.Background()
	email := "u-" + uuid.New().String()[:8] + "@example.com"
	u, err := e.authSvc.Register(ctx, email, "secret", role)
	if err != nil {
		t.Fatal(err)
	}
	token, err := e.authSvc.Login(ctx, email, "secret")
	if err != nil {
		t.Fatal(err)
	}
	return u, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func (e *testEnv) createProject(t *testing.T, token string) store.Project {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/projects", token, map[string]string{"name": "proj-" + uuid.New().String()[:8]})
	expectStatus(t, w, http.StatusCreated)
	var p store.Project
	parseJSONResponse(t, w, &p)
	return p
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	e := setupTestServer(t, nil)
	w := e.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, w, http.StatusOK)

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
}

func TestReadyz(t *testing.T) {
	e := setupTestServer(t, nil)
	expectStatus(t, e.do(t, http.MethodGet, "/readyz", "", nil), http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	e := setupTestServer(t, nil)
	e.do(t, http.MethodGet, "/healthz", "", nil)
	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "huddle_http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	e := setupTestServer(t, nil)
	email := "new-" + uuid.New().String()[:8] + "@Example.com"

	w := e.do(t, http.MethodPost, "/api/users/register", "", map[string]string{"email": email, "password": "pw1"})
	expectStatus(t, w, http.StatusCreated)
	var reg struct {
		User  store.User `json:"user"`
		Token string     `json:"token"`
	}
	parseJSONResponse(t, w, &reg)
	if reg.Token == "" {
		t.Fatal("expected token on register")
	}
	if reg.User.Email != strings.ToLower(email) {
		t.Errorf("email = %q, want normalized", reg.User.Email)
	}

	w = e.do(t, http.MethodPost, "/api/users/register", "", map[string]string{"email": email, "password": "pw1"})
	expectStatus(t, w, http.StatusConflict)

	w = e.do(t, http.MethodPost, "/api/users/register", "", map[string]string{"email": "x@example.com", "password": "pw"})
	expectStatus(t, w, http.StatusBadRequest)

	w = e.do(t, http.MethodPost, "/api/users/login", "", map[string]string{"email": email, "password": "pw1"})
	expectStatus(t, w, http.StatusOK)

	w = e.do(t, http.MethodPost, "/api/users/login", "", map[string]string{"email": email, "password": "wrong"})
	expectStatus(t, w, http.StatusUnauthorized)

	events, err := e.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: "login."})
	if err != nil {
		t.Fatal(err)
	}
	var success, failed int
	for _, ev := range events {
		switch ev.Action {
		case "login.success":
			success++
		case "login.failed":
			failed++
		}
	}
	if success < 1 || failed < 1 {
		t.Errorf("expected login audit events, got %d success %d failed", success, failed)
	}
}

func TestProfileAndLogout(t *testing.T) {
	e := setupTestServer(t, nil)
	u, token := e.registerUser(t, "user")

	w := e.do(t, http.MethodGet, "/api/users/profile", token, nil)
	expectStatus(t, w, http.StatusOK)
	var got store.User
	parseJSONResponse(t, w, &got)
	if got.ID != u.ID {
		t.Errorf("profile id = %q, want %q", got.ID, u.ID)
	}

	expectStatus(t, e.do(t, http.MethodPost, "/api/users/logout", token, nil), http.StatusOK)
	expectStatus(t, e.do(t, http.MethodGet, "/api/users/profile", token, nil), http.StatusUnauthorized)
}

func TestUnauthenticatedRequests(t *testing.T) {
	e := setupTestServer(t, nil)
	for _, path := range []string{"/api/users/profile", "/api/projects", "/api/ai/get-result?prompt=hi"} {
		w := e.do(t, http.MethodGet, path, "", nil)
		expectStatus(t, w, http.StatusUnauthorized)
	}
	expectStatus(t, e.do(t, http.MethodGet, "/api/projects", "garbage", nil), http.StatusUnauthorized)
}

func TestProjectLifecycle(t *testing.T) {
	e := setupTestServer(t, nil)
	owner, ownerToken := e.registerUser(t, "user")
	other, otherToken := e.registerUser(t, "user")

	p := e.createProject(t, ownerToken)
	if p.CreatedBy != owner.ID {
		t.Errorf("created_by = %q, want %q", p.CreatedBy, owner.ID)
	}

	// Duplicate name.
	w := e.do(t, http.MethodPost, "/api/projects", ownerToken, map[string]string{"name": p.Name})
	expectStatus(t, w, http.StatusConflict)
	w = e.do(t, http.MethodPost, "/api/projects", ownerToken, map[string]string{"name": "   "})
	expectStatus(t, w, http.StatusBadRequest)

	// Non-members cannot see it.
	expectStatus(t, e.do(t, http.MethodGet, "/api/projects/"+p.ID, otherToken, nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodGet, "/api/projects/"+uuid.New().String(), ownerToken, nil), http.StatusNotFound)

	w = e.do(t, http.MethodPost, "/api/projects/"+p.ID+"/members", ownerToken, map[string]string{"email": strings.ToUpper(other.Email)})
	expectStatus(t, w, http.StatusCreated)
	w = e.do(t, http.MethodPost, "/api/projects/"+p.ID+"/members", ownerToken, map[string]string{"user_id": other.ID})
	expectStatus(t, w, http.StatusConflict)
	w = e.do(t, http.MethodPost, "/api/projects/"+p.ID+"/members", ownerToken, map[string]string{"user_id": "missing"})
	expectStatus(t, w, http.StatusNotFound)

	expectStatus(t, e.do(t, http.MethodGet, "/api/projects/"+p.ID, otherToken, nil), http.StatusOK)

	w = e.do(t, http.MethodGet, "/api/projects/"+p.ID+"/members", otherToken, nil)
	expectStatus(t, w, http.StatusOK)
	var members []store.User
	parseJSONResponse(t, w, &members)
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}

	w = e.do(t, http.MethodGet, "/api/projects", otherToken, nil)
	expectStatus(t, w, http.StatusOK)
	var mine []store.Project
	parseJSONResponse(t, w, &mine)
	if len(mine) != 1 || mine[0].ID != p.ID {
		t.Errorf("expected the shared project, got %+v", mine)
	}
}

func TestProjectMessagesAndRoom(t *testing.T) {
	e := setupTestServer(t, nil)
	owner, token := e.registerUser(t, "user")
	p := e.createProject(t, token)

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := e.store.SaveMessage(ctx, &store.Message{
			ID: uuid.New().String(), ProjectID: p.ID, Seq: i, Kind: "human",
			SenderID: owner.ID, SenderLabel: owner.Email, Body: "m", CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := e.do(t, http.MethodGet, "/api/projects/"+p.ID+"/messages?after_seq=1&limit=10", token, nil)
	expectStatus(t, w, http.StatusOK)
	var msgs []store.Message
	parseJSONResponse(t, w, &msgs)
	if len(msgs) != 2 || msgs[0].Seq != 2 {
		t.Fatalf("expected seqs 2..3, got %+v", msgs)
	}

	w = e.do(t, http.MethodGet, "/api/projects/"+p.ID+"/room", token, nil)
	expectStatus(t, w, http.StatusOK)
	var st chat.RoomStats
	parseJSONResponse(t, w, &st)
	if st.Active || st.AIState != "idle" {
		t.Errorf("expected inactive idle room, got %+v", st)
	}

	sess := chat.NewSession(owner.ID, owner.Email, p.ID, 16)
	if _, err := e.rooms.Join(ctx, sess); err != nil {
		t.Fatal(err)
	}
	w = e.do(t, http.MethodGet, "/api/projects/"+p.ID+"/room", token, nil)
	parseJSONResponse(t, w, &st)
	if !st.Active || st.Members != 1 {
		t.Errorf("expected one member, got %+v", st)
	}
}

func TestAnnounce(t *testing.T) {
	e := setupTestServer(t, nil)
	admin, adminToken := e.registerUser(t, "admin")
	_, userToken := e.registerUser(t, "user")
	p := e.createProject(t, adminToken)
	path := "/api/admin/projects/" + p.ID + "/announce"

	expectStatus(t, e.do(t, http.MethodPost, path, userToken, map[string]string{"body": "hi"}), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodPost, path, adminToken, map[string]string{"body": "hi"}), http.StatusConflict)

	sess := chat.NewSession(admin.ID, admin.Email, p.ID, 16)
	if _, err := e.rooms.Join(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	<-sess.Outbound() // joined

	expectStatus(t, e.do(t, http.MethodPost, path, adminToken, map[string]string{"body": "  "}), http.StatusBadRequest)
	w := e.do(t, http.MethodPost, path, adminToken, map[string]string{"body": "maintenance at noon"})
	expectStatus(t, w, http.StatusCreated)

	select {
	case env := <-sess.Outbound():
		cm := env.Payload.(protocol.ChatMessage)
		if cm.Kind != protocol.KindSystem || cm.Body != "maintenance at noon" {
			t.Errorf("unexpected frame %+v", cm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announcement not delivered")
	}
}

func TestAIResult(t *testing.T) {
	e := setupTestServer(t, ai.ProviderFunc(func(_ context.Context, prompt string) (string, error) {
		if prompt == "fail" {
			return "", errors.New("upstream down")
		}
		return "  answer to " + prompt + "\n", nil
	}))
	_, token := e.registerUser(t, "user")

	w := e.do(t, http.MethodGet, "/api/ai/get-result?prompt=life", token, nil)
	expectStatus(t, w, http.StatusOK)
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["result"] != "answer to life" {
		t.Errorf("result = %q", resp["result"])
	}

	expectStatus(t, e.do(t, http.MethodGet, "/api/ai/get-result", token, nil), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodGet, "/api/ai/get-result?prompt=fail", token, nil), http.StatusBadGateway)
}

func TestAIResultDisabled(t *testing.T) {
	e := setupTestServer(t, nil)
	_, token := e.registerUser(t, "user")
	expectStatus(t, e.do(t, http.MethodGet, "/api/ai/get-result?prompt=x", token, nil), http.StatusServiceUnavailable)
}

func TestAuditRequiresAdmin(t *testing.T) {
	e := setupTestServer(t, nil)
	_, userToken := e.registerUser(t, "user")
	_, adminToken := e.registerUser(t, "admin")
	e.createProject(t, userToken)

	expectStatus(t, e.do(t, http.MethodGet, "/api/admin/audit", userToken, nil), http.StatusForbidden)

	w := e.do(t, http.MethodGet, "/api/admin/audit?action=project.", adminToken, nil)
	expectStatus(t, w, http.StatusOK)
	var events []store.AuditEvent
	parseJSONResponse(t, w, &events)
	if len(events) == 0 {
		t.Error("expected project.create audit event")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(0.001, 2)
	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.allow("b") {
		t.Error("keys are independent")
	}
	time.Sleep(5 * time.Millisecond)
	if n := rl.cleanup(time.Millisecond); n != 2 {
		t.Errorf("cleanup removed %d buckets, want 2", n)
	}
}

func TestLimitByKey(t *testing.T) {
	rl := newRateLimiter(0.001, 1)
	key := ""
	h := limitBy(rl, "api", "slow down", func(*http.Request) string { return key })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	status := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec.Code
	}
	for i := 0; i < 3; i++ {
		if got := status(); got != http.StatusNoContent {
			t.Fatalf("unkeyed request %d: status %d", i, got)
		}
	}
	key = "u1"
	if got := status(); got != http.StatusNoContent {
		t.Fatalf("first keyed request: status %d", got)
	}
	if got := status(); got != http.StatusTooManyRequests {
		t.Errorf("second keyed request: status %d, want 429", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	e := setupTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/projects", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
