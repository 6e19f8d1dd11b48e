package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/huddle/internal/config"
	"github.com/amurg-ai/huddle/internal/hub"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start huddle (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	logger := newLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize huddle", "error", err)
		return err
	}

	logger.Info("huddle starting", "version", version, "config", configPath)

	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("huddle error", "error", err)
		return err
	}

	logger.Info("huddle stopped")
	return nil
}

// newLogger builds the structured logger described by cfg.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
