package auth

import (
	"context"

	"github.com/amurg-ai/huddle/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID string
	Email  string
	Role   string // "admin" or "user"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support email/password login.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password, role string) (*store.User, error)
	Logout(ctx context.Context, token string) error
}
