// Package config loads environment-driven settings for the gateway core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"perpgate/pkg/connector"
)

// Config holds runtime settings.
type Config struct {
	LogLevel string
	LogJSON  bool

	// Journal (persistence collaborator)
	JournalPath string

	// Governor
	AcquireWaitCeiling time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	// Order state machine
	GapTimeout     time.Duration
	OrderRetention time.Duration

	// Multiplexer
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	SubscriberBuffer   int

	// Reconciliation
	PositionTolerance float64

	// Per-venue rate limit overrides, keyed by venue identifier.
	VenueLimitsPath string
	VenueLimits     map[string]connector.RateLimits
}

// Load reads environment variables (optionally via .env) into Config and
// parses the venue-limits YAML when configured.
func Load() (*Config, error) {
	// Ignore error so the gateway still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogJSON:            getEnv("LOG_JSON", "false") == "true",
		JournalPath:        getEnv("JOURNAL_PATH", "./data/gateway.db"),
		AcquireWaitCeiling: getEnvDuration("GOVERNOR_WAIT_CEILING", 2*time.Second),
		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 4),
		RetryBaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 250*time.Millisecond),
		RetryMaxDelay:      getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		GapTimeout:         getEnvDuration("EVENT_GAP_TIMEOUT", 3*time.Second),
		OrderRetention:     getEnvDuration("ORDER_RETENTION", time.Hour),
		ReconnectBaseDelay: getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:  getEnvDuration("RECONNECT_MAX_DELAY", time.Minute),
		SubscriberBuffer:   getEnvInt("SUBSCRIBER_BUFFER", 256),
		PositionTolerance:  getEnvFloat("POSITION_TOLERANCE", 1e-4),
		VenueLimitsPath:    getEnv("VENUE_LIMITS_PATH", ""),
		VenueLimits:        map[string]connector.RateLimits{},
	}

	if cfg.VenueLimitsPath != "" {
		limits, err := LoadVenueLimits(cfg.VenueLimitsPath)
		if err != nil {
			return nil, err
		}
		cfg.VenueLimits = limits
	}

	return cfg, nil
}

// venueLimitsFile mirrors the YAML layout:
//
//	hyperliquid:
//	  order_write: {per_second: 10, burst: 5}
//	  read:        {per_second: 20, burst: 10}
//	  connect:     {per_second: 1, burst: 2}
type venueLimitsFile map[string]struct {
	OrderWrite limitEntry `yaml:"order_write"`
	Read       limitEntry `yaml:"read"`
	Connect    limitEntry `yaml:"connect"`
}

type limitEntry struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LoadVenueLimits parses per-venue rate budgets from a YAML file.
func LoadVenueLimits(path string) (map[string]connector.RateLimits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venue limits: %w", err)
	}

	var file venueLimitsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse venue limits: %w", err)
	}

	out := make(map[string]connector.RateLimits, len(file))
	for venue, v := range file {
		out[venue] = connector.RateLimits{
			OrderWrite: connector.Limit{PerSecond: v.OrderWrite.PerSecond, Burst: v.OrderWrite.Burst},
			Read:       connector.Limit{PerSecond: v.Read.PerSecond, Burst: v.Read.Burst},
			Connect:    connector.Limit{PerSecond: v.Connect.PerSecond, Burst: v.Connect.Burst},
		}
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
