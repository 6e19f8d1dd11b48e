// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amurg-ai/huddle/internal/ai"
	"github.com/amurg-ai/huddle/internal/auth"
	"github.com/amurg-ai/huddle/internal/chat"
	"github.com/amurg-ai/huddle/internal/config"
	"github.com/amurg-ai/huddle/internal/store"
)

const maxProjectNameLength = 100

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	ai            ai.Provider
	rooms         *chat.Registry
	router        *chat.Router
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	aiTimeout     time.Duration
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server. lp is nil when logins are handled by
// an external identity provider. ws serves the chat WebSocket endpoint.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, aiProvider ai.Provider,
	rooms *chat.Registry, rt *chat.Router, ws http.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		ai:            aiProvider,
		rooms:         rooms,
		router:        rt,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		aiTimeout:     cfg.AI.Timeout.Duration,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(metricsMiddleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Account routes only exist with builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/users/register", srv.handleRegister)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/users/login", srv.handleLogin)
	}

	// WebSocket route (auth handled inside)
	if ws != nil {
		mux.Handle("/ws", ws)
	}

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/users/profile", srv.handleProfile)
		r.Get("/api/users", srv.handleListUsers)
		if lp != nil {
			r.Post("/api/users/logout", srv.handleLogout)
		}

		r.Get("/api/projects", srv.handleListProjects)
		r.Post("/api/projects", srv.handleCreateProject)
		r.Route("/api/projects/{projectID}", func(r chi.Router) {
			r.Use(srv.projectMemberMiddleware)
			r.Get("/", srv.handleGetProject)
			r.Get("/members", srv.handleListMembers)
			r.Post("/members", srv.handleAddMember)
			r.Get("/messages", srv.handleGetMessages)
			r.Get("/room", srv.handleRoomStats)
		})

		r.Get("/api/ai/get-result", srv.handleAIResult)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Post("/api/admin/projects/{projectID}/announce", srv.handleAnnounce)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
		})
	})

	// Serve UI static files if configured.
	uiDir := cfg.Server.UIStaticDir
	if uiDir != "" {
		fileServer := http.FileServer(http.Dir(uiDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fall back to index.html for SPA routing.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) audit(ctx context.Context, action, userID, projectID string, detail map[string]any) {
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		ProjectID: projectID,
		CreatedAt: time.Now(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			ev.Detail = raw
		}
	}
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Email, req.Password, "user")
	switch {
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case err != nil:
		s.logger.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.audit(r.Context(), "user.register", user.ID, "", nil)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", "", map[string]any{"email": req.Email})
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	userID := ""
	if identity, err := s.authProvider.ValidateToken(r.Context(), token); err == nil {
		userID = identity.UserID
	}
	s.audit(r.Context(), "login.success", userID, "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if err := s.loginProvider.Logout(r.Context(), getTokenFromContext(r.Context())); err != nil {
		s.logger.Error("logout failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to log out")
		return
	}
	s.audit(r.Context(), "logout", identity.UserID, "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// --- Project handlers ---

// projectMemberMiddleware loads {projectID} and requires membership. Admins
// may read any project.
func (s *Server) projectMemberMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		identity := getIdentityFromContext(r.Context())

		p, err := s.store.GetProject(r.Context(), projectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load project")
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		if identity.Role != "admin" {
			ok, err := s.store.IsProjectMember(r.Context(), projectID, identity.UserID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to check membership")
				return
			}
			if !ok {
				writeError(w, http.StatusForbidden, "not a project member")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	projects, err := s.store.ListProjectsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxProjectNameLength {
		writeError(w, http.StatusBadRequest, "name must be 1-100 characters")
		return
	}

	p := &store.Project{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: identity.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "project name already taken")
			return
		}
		s.logger.Error("create project failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	s.audit(r.Context(), "project.create", identity.UserID, p.ID, map[string]any{"name": p.Name})
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil || p == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ListProjectMembers(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	if members == nil {
		members = []store.User{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	projectID := chi.URLParam(r, "projectID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		user *store.User
		err  error
	)
	switch {
	case req.UserID != "":
		user, err = s.store.GetUserByID(r.Context(), req.UserID)
	case req.Email != "":
		email, nerr := auth.NormalizeEmail(req.Email)
		if nerr != nil {
			writeError(w, http.StatusBadRequest, nerr.Error())
			return
		}
		user, err = s.store.GetUserByEmail(r.Context(), email)
	default:
		writeError(w, http.StatusBadRequest, "user_id or email is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := s.store.AddProjectMember(r.Context(), projectID, user.ID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "already a member")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	s.audit(r.Context(), "project.member_add", identity.UserID, projectID, map[string]any{"member_id": user.ID})
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			afterSeq = n
		}
	}

	messages, err := s.store.GetMessages(r.Context(), projectID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleRoomStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.rooms.Stats(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "room unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	projectID := chi.URLParam(r, "projectID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := s.router.Publish(r.Context(), projectID, chat.Message{Kind: chat.KindSystem, Body: req.Body})
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, chat.ErrNoRoom):
		writeError(w, http.StatusConflict, "no one is in the room")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to publish")
		return
	}
	s.audit(r.Context(), "room.announce", identity.UserID, projectID, map[string]any{"seq": m.Seq})
	writeJSON(w, http.StatusCreated, m.Wire(false))
}

// --- AI handlers ---

func (s *Server) handleAIResult(w http.ResponseWriter, r *http.Request) {
	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	ctx := r.Context()
	if s.aiTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.aiTimeout)
		defer cancel()
	}
	text, err := s.ai.CompleteText(ctx, prompt)
	if err == nil {
		text, err = ai.Sanitize(text)
	}
	switch {
	case errors.Is(err, ai.ErrProviderDisabled):
		writeError(w, http.StatusServiceUnavailable, "ai provider disabled")
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "ai did not respond in time")
		return
	case err != nil:
		s.logger.Warn("ai request failed", "error", err)
		writeError(w, http.StatusBadGateway, "ai request failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": text})
}

// --- Admin handlers ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:    r.URL.Query().Get("action"),
		UserID:    r.URL.Query().Get("user_id"),
		ProjectID: r.URL.Query().Get("project_id"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
		"rooms":  s.rooms.Rooms(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
