package auth

import (
	"fmt"

	"github.com/amurg-ai/huddle/internal/config"
	"github.com/amurg-ai/huddle/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store, revoker Revoker) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg, revoker), nil
	case "jwks":
		return NewJWKSProvider(cfg.JWKSIssuer, s)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
