package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("ROOMS", "")
	t.Setenv("PRESENCE_TTL", "")

	cfg := Load()
	if !cfg.IsDevelopment() {
		t.Fatal("expected development mode")
	}
	if len(cfg.Rooms) != len(DefaultRooms) {
		t.Fatalf("expected default rooms, got %v", cfg.Rooms)
	}
	if cfg.PresenceTTL != 90*time.Second {
		t.Fatalf("expected 90s presence ttl, got %s", cfg.PresenceTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("ROOMS", " lobby, ,dev ")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("PRESENCE_TTL", "not-a-duration")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8,127.0.0.1")

	cfg := Load()
	if cfg.IsDevelopment() {
		t.Fatal("expected non-development mode")
	}
	if len(cfg.Rooms) != 2 || cfg.Rooms[0] != "lobby" || cfg.Rooms[1] != "dev" {
		t.Fatalf("unexpected rooms %v", cfg.Rooms)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("expected 2h session ttl, got %s", cfg.SessionTTL)
	}
	if cfg.PresenceTTL != 90*time.Second {
		t.Fatalf("invalid duration should fall back, got %s", cfg.PresenceTTL)
	}
	if len(cfg.RateLimitWhitelist) != 2 {
		t.Fatalf("unexpected whitelist %v", cfg.RateLimitWhitelist)
	}
}

func TestLoadProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/roomchat")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without JWT_SECRET in production")
		}
	}()
	Load()
}

func TestValidateCollectsProductionErrors(t *testing.T) {
	cfg := &Config{Env: "production", JWTSecret: devJWTSecret}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"DATABASE_URL", "REDIS_URL", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg = &Config{Env: "staging"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("non-production config should validate, got %v", err)
	}
}

func TestAutoBlockSettings(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("AUTO_BLOCK_ENABLED", "1")
	t.Setenv("AUTO_BLOCK_THRESHOLD", "-3")

	cfg := Load()
	if !cfg.AutoBlockEnabled {
		t.Fatal("expected auto-block enabled")
	}
	if cfg.AutoBlockThreshold != 10 {
		t.Fatalf("invalid threshold should fall back to 10, got %d", cfg.AutoBlockThreshold)
	}
}
