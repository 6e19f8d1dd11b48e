// Package auth provides authentication and authorization for the hub.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/huddle/internal/config"
	"github.com/amurg-ai/huddle/internal/store"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 3

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles builtin authentication. It implements Provider and
// LoginProvider.
type Service struct {
	store        store.Store
	revoker      Revoker
	jwtSecret    []byte
	jwtExpiry    time.Duration
	initialAdmin *config.InitialAdmin
}

// NewService creates a new auth service. A nil revoker keeps revocations in memory.
func NewService(s store.Store, cfg config.AuthConfig, revoker Revoker) *Service {
	if revoker == nil {
		revoker = NewMemoryRevoker()
	}
	return &Service{
		store:        s,
		revoker:      revoker,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		initialAdmin: cfg.InitialAdmin,
	}
}

// NormalizeEmail validates an address and returns its canonical lower-case form.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Bootstrap creates the initial admin user if configured.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.BootstrapAdmin(ctx, s.initialAdmin)
}

// BootstrapAdmin creates the initial admin user from the given config.
func (s *Service) BootstrapAdmin(ctx context.Context, admin *config.InitialAdmin) error {
	if admin == nil {
		return nil
	}
	_, err := s.Register(ctx, admin.Email, admin.Password, "admin")
	if errors.Is(err, ErrUserExists) {
		return nil // already bootstrapped
	}
	return err
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, email, password, role string) (*store.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// Logout revokes a token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, tokenStr string) error {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return err
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return ErrUnauthorized
	}
	if err := s.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrUnauthorized
	}
	return &Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
