// Package ai wraps the generative text provider the chat rooms consult.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/amurg-ai/huddle/internal/config"
)

var (
	// ErrProviderDisabled is returned by the provider used when ai.provider is "none".
	ErrProviderDisabled = errors.New("ai provider disabled")
	// ErrEmptyCompletion is returned when the provider answers with no text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// Provider turns a prompt into completion text.
type Provider interface {
	CompleteText(ctx context.Context, prompt string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string) (string, error)

func (f ProviderFunc) CompleteText(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Sanitize trims a completion and rejects empty text.
func Sanitize(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

type disabled struct{}

func (disabled) CompleteText(context.Context, string) (string, error) {
	return "", ErrProviderDisabled
}

// Disabled returns a Provider that always fails with ErrProviderDisabled.
func Disabled() Provider { return disabled{} }

// New builds the configured provider. A gemini provider without an API key
// degrades to Disabled with a warning so the chat keeps working.
func New(ctx context.Context, cfg config.AIConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "none":
		return Disabled(), nil
	case "gemini", "":
		if cfg.APIKey == "" {
			logger.Warn("ai api key not configured, AI replies disabled")
			return Disabled(), nil
		}
		p, err := NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.SystemInstruction)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown ai provider: %q", cfg.Provider)
	}
}
