package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":9090",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {"email": "admin@example.com", "password": "admin123"}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h",
			"persist_queue": 16
		},
		"redis": {"url": "redis://localhost:6379/0"},
		"chat": {
			"ai_trigger": "@bot",
			"ai_busy_notice": false,
			"ring_capacity": 50,
			"teardown_grace": "2s",
			"max_message_bytes": 4096
		},
		"ai": {
			"provider": "none",
			"timeout": 5
		},
		"logging": {"level": "debug", "format": "text"},
		"rate_limit": {"requests_per_second": 20, "burst": 40}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Email != "admin@example.com" {
		t.Errorf("Auth.InitialAdmin: got %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v, want 72h", cfg.Storage.Retention.Duration)
	}
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v, want retention", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Storage.PersistQueue != 16 {
		t.Errorf("Storage.PersistQueue: got %d, want 16", cfg.Storage.PersistQueue)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("Redis.URL: got %q", cfg.Redis.URL)
	}

	// Chat
	if cfg.Chat.AITrigger != "@bot" {
		t.Errorf("Chat.AITrigger: got %q, want %q", cfg.Chat.AITrigger, "@bot")
	}
	if cfg.Chat.BusyNoticeEnabled() {
		t.Error("Chat.BusyNoticeEnabled: got true, want false")
	}
	if cfg.Chat.RingCapacity != 50 {
		t.Errorf("Chat.RingCapacity: got %d, want 50", cfg.Chat.RingCapacity)
	}
	if cfg.Chat.SessionBuffer != 2*50+64 {
		t.Errorf("Chat.SessionBuffer: got %d, want %d", cfg.Chat.SessionBuffer, 2*50+64)
	}
	if cfg.Chat.TeardownGrace.Duration != 2*time.Second {
		t.Errorf("Chat.TeardownGrace: got %v, want 2s", cfg.Chat.TeardownGrace.Duration)
	}
	if cfg.Chat.MaxMessageBytes != 4096 {
		t.Errorf("Chat.MaxMessageBytes: got %d, want 4096", cfg.Chat.MaxMessageBytes)
	}

	// AI; numeric durations are seconds
	if cfg.AI.Provider != "none" {
		t.Errorf("AI.Provider: got %q, want none", cfg.AI.Provider)
	}
	if cfg.AI.Timeout.Duration != 5*time.Second {
		t.Errorf("AI.Timeout: got %v, want 5s", cfg.AI.Timeout.Duration)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"missing addr", `{"server": {"addr": ""}, "auth": {"jwt_secret": "some-secret-value-long-enough-0123456789"}}`},
		{"missing secret", `{"server": {"addr": ":8080"}, "auth": {}}`},
		{"short secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`},
		{"weak secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`},
		{"jwks without issuer", `{"server": {"addr": ":8080"}, "auth": {"provider": "jwks"}}`},
		{"unknown ai provider", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "some-secret-value-long-enough-0123456789"}, "ai": {"provider": "gpt"}}`},
		{"padded trigger", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "some-secret-value-long-enough-0123456789"}, "chat": {"ai_trigger": " @ai"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tt.json)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	cfg, err := Load(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "huddle.db" {
		t.Errorf("default Storage: got %q %q", cfg.Storage.Driver, cfg.Storage.DSN)
	}
	if cfg.Chat.AITrigger != "@ai" {
		t.Errorf("default AITrigger: got %q, want @ai", cfg.Chat.AITrigger)
	}
	if !cfg.Chat.BusyNoticeEnabled() {
		t.Error("default BusyNoticeEnabled: got false, want true")
	}
	if cfg.Chat.RingCapacity != 100 {
		t.Errorf("default RingCapacity: got %d, want 100", cfg.Chat.RingCapacity)
	}
	if cfg.Chat.SessionBuffer <= cfg.Chat.RingCapacity {
		t.Errorf("default SessionBuffer %d must exceed ring capacity %d", cfg.Chat.SessionBuffer, cfg.Chat.RingCapacity)
	}
	if cfg.Chat.TeardownGrace.Duration != 5*time.Second {
		t.Errorf("default TeardownGrace: got %v, want 5s", cfg.Chat.TeardownGrace.Duration)
	}
	if cfg.Chat.MaxMessageBytes != 16*1024 {
		t.Errorf("default MaxMessageBytes: got %d", cfg.Chat.MaxMessageBytes)
	}
	if cfg.AI.Provider != "gemini" || cfg.AI.Model != "gemini-2.0-flash" {
		t.Errorf("default AI: got %q %q", cfg.AI.Provider, cfg.AI.Model)
	}
	if cfg.AI.Timeout.Duration != 30*time.Second {
		t.Errorf("default AI.Timeout: got %v, want 30s", cfg.AI.Timeout.Duration)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default Logging: got %q %q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HUDDLE_JWT_SECRET", "env-secret-that-is-definitely-32-chars-long")
	t.Setenv("HUDDLE_GEMINI_API_KEY", "gm-key")
	t.Setenv("HUDDLE_AI_TIMEOUT", "12s")
	t.Setenv("HUDDLE_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	// No config file at all.
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Auth.JWTSecret != "env-secret-that-is-definitely-32-chars-long" {
		t.Errorf("JWTSecret not taken from env: %q", cfg.Auth.JWTSecret)
	}
	if cfg.AI.APIKey != "gm-key" {
		t.Errorf("AI.APIKey: got %q", cfg.AI.APIKey)
	}
	if cfg.AI.Timeout.Duration != 12*time.Second {
		t.Errorf("AI.Timeout: got %v, want 12s", cfg.AI.Timeout.Duration)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	b, _ := GenerateRandomSecret()
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two secrets should differ")
	}
}
