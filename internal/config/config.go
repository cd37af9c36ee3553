// Package config loads the flat tunables of spec.md §6 from the process
// environment, in the envOr/envInt/envDuration style of the teacher's
// internal/config/config.go.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Upstream request handling
	RequestTimeout    time.Duration
	MaxRequestBodyMB  int
	DefaultOriginURL  string // fallback target for unknown-alias/unparseable requests

	// Tunables (spec.md §6)
	AuthCooldown           time.Duration
	ValidationCooldown     time.Duration
	QuotaCooldown          time.Duration
	TransientCooldown      time.Duration
	TransientHeavyCooldown time.Duration
	SignatureCooldown      time.Duration
	StickyTTL              time.Duration
	MaxStickyKeys          int
	MaxTargetRetries       int
	RetryAuthOn5xx         bool
	ModelHealthTTL         time.Duration
	LogRetentionDays       int
	ResponsePreviewLimit   int

	// Logging / access log
	LogLevel       string
	LogVerbose     bool
	AccessLogDir   string

	// Router configuration sources (internal/routerconfig)
	RouterConfigInline string // YAML document, may be empty
	RouterConfigFile   string // optional path merged over the inline document

	// Metrics
	MetricsAddr string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 300*time.Second),
		MaxRequestBodyMB: envInt("MAX_REQUEST_BODY_MB", 20),
		DefaultOriginURL: envOr("DEFAULT_ORIGIN_URL", ""),

		AuthCooldown:           envDuration("AUTH_COOLDOWN", 5*time.Minute),
		ValidationCooldown:     envDuration("VALIDATION_COOLDOWN", 12*time.Hour),
		QuotaCooldown:          envDuration("QUOTA_COOLDOWN", 12*time.Hour),
		TransientCooldown:      envDuration("TRANSIENT_COOLDOWN", time.Minute),
		TransientHeavyCooldown: envDuration("TRANSIENT_HEAVY_COOLDOWN", 2*time.Minute),
		SignatureCooldown:      envDuration("SIGNATURE_COOLDOWN", 2*time.Minute),
		StickyTTL:              envDuration("STICKY_TTL", 7*24*time.Hour),
		MaxStickyKeys:          envInt("MAX_STICKY_KEYS", 500),
		MaxTargetRetries:       envInt("MAX_TARGET_RETRIES", 1),
		RetryAuthOn5xx:         envBool("RETRY_AUTH_ON_5XX", true),
		ModelHealthTTL:         envDuration("MODEL_HEALTH_TTL", 2*time.Hour),
		LogRetentionDays:       envInt("LOG_RETENTION_DAYS", 90),
		ResponsePreviewLimit:   envInt("RESPONSE_PREVIEW_LIMIT", 500),

		LogLevel:     envOr("LOG_LEVEL", "info"),
		LogVerbose:   envBool("LOG_VERBOSE", false),
		AccessLogDir: envOr("ACCESS_LOG_DIR", "logs/requests"),

		RouterConfigInline: os.Getenv("ROUTER_CONFIG"),
		RouterConfigFile:   os.Getenv("ROUTER_CONFIG_FILE"),

		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 {
		return errors.New("PORT must be positive")
	}
	if c.MaxTargetRetries < 0 {
		return errors.New("MAX_TARGET_RETRIES must be >= 0")
	}
	if c.MaxStickyKeys <= 0 {
		return errors.New("MAX_STICKY_KEYS must be > 0")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
