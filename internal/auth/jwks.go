package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/huddle/internal/store"
)

// JWKSProvider validates externally issued JWTs against the issuer's JWKS
// and maps them onto local users by email, provisioning on first sight so
// project membership keeps working with local user ids.
type JWKSProvider struct {
	issuer  string
	keyfunc jwt.Keyfunc
	store   store.Store
}

// NewJWKSProvider fetches the issuer's key set from /.well-known/jwks.json.
func NewJWKSProvider(issuer string, s store.Store) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}

	jwksURL := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSProvider{issuer: issuer, keyfunc: jwks.Keyfunc, store: s}, nil
}

// ValidateToken parses the JWT, requires an email claim and returns the
// matching local identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.keyfunc,
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	email, err := NormalizeEmail(claimStr(claims, "email"))
	if err != nil {
		return nil, ErrUnauthorized
	}

	user, err := p.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		user = &store.User{
			ID:           uuid.New().String(),
			Email:        email,
			PasswordHash: "!", // never matches bcrypt
			Role:         "user",
			CreatedAt:    time.Now(),
		}
		if err := p.store.CreateUser(ctx, user); err != nil {
			if !errors.Is(err, store.ErrDuplicate) {
				return nil, fmt.Errorf("provision user: %w", err)
			}
			// Lost a race with a concurrent first login.
			if user, err = p.store.GetUserByEmail(ctx, email); err != nil || user == nil {
				return nil, fmt.Errorf("provision user: %w", err)
			}
		}
	}

	return &Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// Bootstrap is a no-op; users are managed by the issuer.
func (p *JWKSProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
