package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultRooms are listed even before anyone has posted in them.
var DefaultRooms = []string{"general", "random", "help", "tech"}

const devJWTSecret = "dev-jwt-secret-not-for-production-use"

// Config is the server configuration, read from the environment.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // PostgreSQL; SQLitePath is used when empty
	SQLitePath  string
	RedisURL    string // optional outside production

	JWTSecret  string
	SessionTTL time.Duration

	PresenceTTL time.Duration
	Rooms       []string

	RateLimitWhitelist []string // IPs or CIDRs
	AutoBlockEnabled   bool
	AutoBlockThreshold int64
}

// Load reads the configuration, first merging a .env file when present. It
// panics when Validate fails.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               env("PORT", "8080"),
		Env:                env("ENV", "development"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         env("SQLITE_PATH", "./data/roomchat.db"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          env("JWT_SECRET", devJWTSecret),
		SessionTTL:         envDuration("SESSION_TTL", 24*time.Hour),
		PresenceTTL:        envDuration("PRESENCE_TTL", 90*time.Second),
		Rooms:              envList("ROOMS"),
		RateLimitWhitelist: envList("RATE_LIMIT_WHITELIST"),
		AutoBlockEnabled:   envBool("AUTO_BLOCK_ENABLED", false),
		AutoBlockThreshold: envInt("AUTO_BLOCK_THRESHOLD", 10),
	}
	if len(cfg.Rooms) == 0 {
		cfg.Rooms = append([]string(nil), DefaultRooms...)
	}

	if err := cfg.Validate(); err != nil {
		panic(err.Error())
	}
	return cfg
}

// Validate checks that production runs have shared storage and a real
// signing secret.
func (c *Config) Validate() error {
	if c.Env != "production" {
		return nil
	}
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required in production"))
	}
	if c.JWTSecret == devJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration ignores unparsable and non-positive values.
func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int64) int64 {
	n, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// envList splits a comma-separated value, dropping blank entries.
func envList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
