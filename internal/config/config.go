// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Chat      ChatConfig      `json:"chat"`
	AI        AIConfig        `json:"ai"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	UIStaticDir    string   `json:"ui_static_dir,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`
	Retention      Duration `json:"retention,omitempty"`       // message retention
	AuditRetention Duration `json:"audit_retention,omitempty"` // defaults to Retention
	PersistQueue   int      `json:"persist_queue,omitempty"`   // write-behind queue size
}

// RedisConfig points at the Redis used for token revocation. Empty URL keeps
// revocations in process memory.
type RedisConfig struct {
	URL string `json:"url,omitempty"`
}

// ChatConfig defines room behavior.
type ChatConfig struct {
	AITrigger         string   `json:"ai_trigger,omitempty"`          // default "@ai"
	AIBusyNotice      *bool    `json:"ai_busy_notice,omitempty"`      // default true
	RingCapacity      int      `json:"ring_capacity,omitempty"`       // replay buffer per room; default 100
	TeardownGrace     Duration `json:"teardown_grace,omitempty"`      // empty-room grace; default 5s
	MaxMessageBytes   int      `json:"max_message_bytes,omitempty"`   // max body size; default 16KB
	SessionBuffer     int      `json:"session_buffer,omitempty"`      // outbound frames per session; default 2*ring+64
	HandshakeTimeout  Duration `json:"handshake_timeout,omitempty"`   // wait for join frame; default 10s
	MessagesPerSecond float64  `json:"messages_per_second,omitempty"` // inbound per connection; default 10
	MessageBurst      int      `json:"message_burst,omitempty"`       // default 20
	MaxConnsPerUser   int      `json:"max_conns_per_user,omitempty"`  // default 10
}

// BusyNoticeEnabled reports whether rejected AI triggers are answered with a notice.
func (c ChatConfig) BusyNoticeEnabled() bool {
	return c.AIBusyNotice == nil || *c.AIBusyNotice
}

// AIConfig defines the completion provider.
type AIConfig struct {
	Provider          string   `json:"provider,omitempty"` // "gemini" (default) or "none"
	APIKey            string   `json:"api_key,omitempty"`
	Model             string   `json:"model,omitempty"`
	Timeout           Duration `json:"timeout,omitempty"` // default 30s
	SystemInstruction string   `json:"system_instruction,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines REST rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envOverrides are applied on top of the file so secrets can stay out of it.
type envOverrides struct {
	Addr         string        `env:"HUDDLE_ADDR"`
	JWTSecret    string        `env:"HUDDLE_JWT_SECRET"`
	StorageDSN   string        `env:"HUDDLE_DATABASE_DSN"`
	StorageType  string        `env:"HUDDLE_DATABASE_DRIVER"`
	RedisURL     string        `env:"HUDDLE_REDIS_URL"`
	AIProvider   string        `env:"HUDDLE_AI_PROVIDER"`
	GeminiAPIKey string        `env:"HUDDLE_GEMINI_API_KEY"`
	AIModel      string        `env:"HUDDLE_AI_MODEL"`
	AITimeout    time.Duration `env:"HUDDLE_AI_TIMEOUT"`
	AITrigger    string        `env:"HUDDLE_AI_TRIGGER"`
	Origins      []string      `env:"HUDDLE_ALLOWED_ORIGINS" envSeparator:","`
	LogLevel     string        `env:"HUDDLE_LOG_LEVEL"`
}

// Load reads a config file, applies .env and HUDDLE_* environment overrides,
// then validates it. A missing file is allowed when the environment supplies
// the required settings.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		cfg.Server.Addr = ":8080"
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, o.Addr)
	set(&c.Auth.JWTSecret, o.JWTSecret)
	set(&c.Storage.DSN, o.StorageDSN)
	set(&c.Storage.Driver, o.StorageType)
	set(&c.Redis.URL, o.RedisURL)
	set(&c.AI.Provider, o.AIProvider)
	set(&c.AI.APIKey, o.GeminiAPIKey)
	set(&c.AI.Model, o.AIModel)
	set(&c.Chat.AITrigger, o.AITrigger)
	set(&c.Logging.Level, o.LogLevel)
	if o.AITimeout > 0 {
		c.AI.Timeout.Duration = o.AITimeout
	}
	if len(o.Origins) > 0 {
		c.Server.AllowedOrigins = o.Origins
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	switch c.AI.Provider {
	case "", "gemini":
		// API key may come from the environment at provider construction.
	case "none":
	default:
		return fmt.Errorf("unknown ai.provider %q", c.AI.Provider)
	}
	if strings.TrimSpace(c.Chat.AITrigger) != c.Chat.AITrigger {
		return fmt.Errorf("chat.ai_trigger must not contain surrounding whitespace")
	}
	if c.Chat.RingCapacity < 0 {
		return fmt.Errorf("chat.ring_capacity must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "huddle.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Storage.PersistQueue == 0 {
		c.Storage.PersistQueue = 1024
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Chat.AITrigger == "" {
		c.Chat.AITrigger = "@ai"
	}
	if c.Chat.RingCapacity == 0 {
		c.Chat.RingCapacity = 100
	}
	if c.Chat.TeardownGrace.Duration == 0 {
		c.Chat.TeardownGrace.Duration = 5 * time.Second
	}
	if c.Chat.MaxMessageBytes == 0 {
		c.Chat.MaxMessageBytes = 16 * 1024
	}
	if c.Chat.SessionBuffer == 0 {
		c.Chat.SessionBuffer = 2*c.Chat.RingCapacity + 64
	}
	if c.Chat.HandshakeTimeout.Duration == 0 {
		c.Chat.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Chat.MessagesPerSecond == 0 {
		c.Chat.MessagesPerSecond = 10
	}
	if c.Chat.MessageBurst == 0 {
		c.Chat.MessageBurst = 20
	}
	if c.Chat.MaxConnsPerUser == 0 {
		c.Chat.MaxConnsPerUser = 10
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "gemini"
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-2.0-flash"
	}
	if c.AI.Timeout.Duration == 0 {
		c.AI.Timeout.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
