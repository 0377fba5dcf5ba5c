package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevToken is the shared token used when SHARED_TOKEN is unset. It is
// refused in production.
const DevToken = "dev-token"

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	SharedToken string
	DefaultRoom string

	// Liveness
	SessionTimeout    time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	MaxMessagesPerRoom int

	// Optional backing services
	DatabaseURL string // postgres journal
	SQLitePath  string // sqlite journal, used when DatabaseURL is empty
	RedisURL    string // shared rate limiter; in-memory when empty

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations

	AllowedOrigins []string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics when the shared token is left at its default.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "3000"),
		Env:                getEnv("ENV", "development"),
		SharedToken:        getEnv("SHARED_TOKEN", DevToken),
		DefaultRoom:        getEnv("DEFAULT_ROOM", "default"),
		SessionTimeout:     getMillis("SESSION_TIMEOUT_MS", time.Hour),
		SweepInterval:      getMillis("SWEEP_INTERVAL_MS", time.Minute),
		HeartbeatInterval:  getMillis("HEARTBEAT_INTERVAL_MS", 30*time.Second),
		MaxMessagesPerRoom: getInt("MAX_MESSAGES_PER_ROOM", 100),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         os.Getenv("SQLITE_PATH"),
		RedisURL:           os.Getenv("REDIS_URL"),
		AutoBlockEnabled:   getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
		RateLimitWhitelist: getList("RATE_LIMIT_WHITELIST"),
		AllowedOrigins:     getList("ALLOWED_ORIGINS"),
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	if cfg.Env == "production" && cfg.SharedToken == DevToken {
		panic("SHARED_TOKEN must be set in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// getMillis reads a whole number of milliseconds.
func getMillis(key string, defaultValue time.Duration) time.Duration {
	ms := getInt(key, 0)
	if ms == 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// getList splits a comma-separated value, dropping empty entries.
func getList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
