package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrNoKeys means GATEHOUSE_KEYS is unset. The gateway refuses to guess a
// signing secret.
var ErrNoKeys = errors.New("app: GATEHOUSE_KEYS is required")

type Config struct {
	Issuer string // Issuer claim for credentials and assertions

	// Keys holds the credential HMAC secrets, newest first. During rotation
	// both generations are listed so old tokens stay verifiable.
	Keys []string
	// AssertionKeys holds the internal assertion secrets, newest first.
	// Kept separate from Keys: a leaked credential secret must not be able
	// to forge assertions.
	AssertionKeys []string

	AccessTTL       time.Duration // Access token lifetime (default: 15m)
	RefreshTTL      time.Duration // Refresh token lifetime (default: 168h)
	AssertionMaxAge time.Duration // Internal assertion freshness (default: 5s)
	AssertionSkew   time.Duration // Clock drift tolerance for assertions (default: 2s)

	RedisAddr     string // Redis address (default: localhost:6379)
	RedisPassword string // Optional
	RateBackend   string // "redis" or "local" (default: redis)

	UpstreamURL string // Base URL requests are proxied to (optional)

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

// LoadConfig reads configuration from the environment, after loading a .env
// file when one exists.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Issuer:              getEnvOrDefault("GATEHOUSE_ISSUER", "gatehouse"),
		Keys:                splitKeys(os.Getenv("GATEHOUSE_KEYS")),
		AssertionKeys:       splitKeys(os.Getenv("GATEHOUSE_ASSERTION_KEYS")),
		AccessTTL:           getEnvDurationOrDefault("GATEHOUSE_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:          getEnvDurationOrDefault("GATEHOUSE_REFRESH_TTL", 7*24*time.Hour),
		AssertionMaxAge:     getEnvDurationOrDefault("GATEHOUSE_ASSERTION_MAX_AGE", 5*time.Second),
		AssertionSkew:       getEnvDurationOrDefault("GATEHOUSE_ASSERTION_SKEW", 2*time.Second),
		RedisAddr:           getEnvOrDefault("GATEHOUSE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("GATEHOUSE_REDIS_PASSWORD"),
		RateBackend:         getEnvOrDefault("GATEHOUSE_RATE_BACKEND", "redis"),
		UpstreamURL:         os.Getenv("GATEHOUSE_UPSTREAM_URL"),
		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if len(c.Keys) == 0 {
		return ErrNoKeys
	}
	if len(c.AssertionKeys) == 0 {
		return errors.New("app: GATEHOUSE_ASSERTION_KEYS is required")
	}
	switch c.RateBackend {
	case "redis", "local":
	default:
		return fmt.Errorf("app: unknown rate backend %q", c.RateBackend)
	}
	if c.UpstreamURL != "" && !strings.Contains(c.UpstreamURL, "://") {
		return fmt.Errorf("app: upstream URL %q needs a scheme", c.UpstreamURL)
	}
	return nil
}

// splitKeys parses a comma-separated secret list, newest first.
func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
