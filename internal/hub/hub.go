// Package hub is the main orchestrator that ties all huddle components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/huddle/internal/ai"
	"github.com/amurg-ai/huddle/internal/api"
	"github.com/amurg-ai/huddle/internal/auth"
	"github.com/amurg-ai/huddle/internal/chat"
	"github.com/amurg-ai/huddle/internal/config"
	"github.com/amurg-ai/huddle/internal/gateway"
	"github.com/amurg-ai/huddle/internal/persist"
	"github.com/amurg-ai/huddle/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Hub is the main huddle process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	revoker      auth.Revoker
	authProvider auth.Provider
	writer       *persist.Writer
	rooms        *chat.Registry
	gateway      *gateway.Manager
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	revoker, err := auth.NewRevoker(ctx, cfg.Redis.URL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init token revocation: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db, revoker)
	if err != nil {
		closeAll(db, revoker)
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Creates the admin user for the builtin provider.
	if err := authProvider.Bootstrap(ctx); err != nil {
		closeAll(db, revoker)
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	aiProvider, err := ai.New(ctx, cfg.AI, logger)
	if err != nil {
		closeAll(db, revoker)
		return nil, fmt.Errorf("init ai provider: %w", err)
	}

	writer := persist.NewWriter(db, cfg.Storage.PersistQueue, logger)
	dispatcher := chat.NewDispatcher(aiProvider, chat.DispatchConfig{
		Trigger:    cfg.Chat.AITrigger,
		Timeout:    cfg.AI.Timeout.Duration,
		BusyNotice: cfg.Chat.BusyNoticeEnabled(),
	})
	rooms := chat.NewRegistry(chat.RegistryConfig{
		RingCapacity:  cfg.Chat.RingCapacity,
		TeardownGrace: cfg.Chat.TeardownGrace.Duration,
		History:       persist.NewHistory(db),
		Persister:     writer,
	}, dispatcher, logger)
	rt := chat.NewRouter(rooms, cfg.Chat.MaxMessageBytes)

	gw := gateway.NewManager(authProvider, db, rooms, rt, gateway.Config{
		SessionBuffer:     cfg.Chat.SessionBuffer,
		HandshakeTimeout:  cfg.Chat.HandshakeTimeout.Duration,
		MessagesPerSecond: cfg.Chat.MessagesPerSecond,
		MessageBurst:      cfg.Chat.MessageBurst,
		MaxConnsPerUser:   cfg.Chat.MaxConnsPerUser,
	}, logger)
	// Oversized bodies are rejected with an error frame by the router, so the
	// frame limit leaves room for JSON escaping of a maximal body.
	wsHandler := gateway.NewHandler(gw, gateway.HandlerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadLimit:      int64(2*cfg.Chat.MaxMessageBytes + 4096),
	}, logger)

	apiSrv := api.NewServer(db, authProvider, loginProvider, aiProvider, rooms, rt, wsHandler, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		revoker:      revoker,
		authProvider: authProvider,
		writer:       writer,
		rooms:        rooms,
		gateway:      gw,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" && cfg.Auth.InitialAdmin != nil &&
		len(cfg.Auth.InitialAdmin.Password) < 8 {
		logger.Warn("initial admin password is short, change it before exposing the hub")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return h, nil
}

// Handler returns the HTTP handler serving the REST API and the chat socket.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run serves HTTP and the background workers until ctx is canceled, then
// shuts down in dependency order: listener, rooms, persistence, storage.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The writer outlives ctx so messages sequenced during shutdown still land.
	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.writer.Run(persistCtx) })

	h.api.StartBackgroundTasks(gctx)
	if h.cfg.Storage.Retention.Duration > 0 {
		g.Go(func() error {
			h.runRetentionPurger(gctx, h.cfg.Storage.Retention.Duration, h.cfg.Storage.AuditRetention.Duration)
			return nil
		})
	}

	g.Go(func() error {
		h.logger.Info("huddle listening", "addr", h.cfg.Server.Addr)
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down huddle gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		// Hijacked WebSocket connections are not tracked by the server;
		// closing the rooms ends their sessions.
		h.rooms.Close()
		stopPersist()
		return nil
	})

	err := g.Wait()

	h.logger.Info("closing store")
	closeAll(h.store, h.revoker)
	h.logger.Info("shutdown complete")

	if err != nil {
		return err
	}
	return ctx.Err()
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx, time.Now().Add(-retention), time.Now().Add(-auditRetention))
		}
	}
}

func (h *Hub) purge(ctx context.Context, msgCutoff, auditCutoff time.Time) {
	if n, err := h.store.PurgeOldMessages(ctx, msgCutoff); err != nil {
		h.logger.Warn("retention purge: messages failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old messages", "count", n)
	}
	if n, err := h.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}

func closeAll(db store.Store, revoker auth.Revoker) {
	if c, ok := revoker.(io.Closer); ok {
		_ = c.Close()
	}
	_ = db.Close()
}
