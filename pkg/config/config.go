// Package config loads docket's runtime configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the CLI and engine need at startup.
type Config struct {
	// DatabaseURL selects the case store. A plain path or :memory: is
	// treated as SQLite; postgres:// URLs use the Postgres driver.
	DatabaseURL string
	LogLevel    string
	// ReasonerURL is an OpenAI-compatible chat completions endpoint.
	ReasonerURL    string
	ReasonerAPIKey string
	ReasonerModel  string
	// RedisURL enables distributed case locks when set.
	RedisURL string
	// WebhookURL enables outbound stage notifications when set.
	WebhookURL string
	// OTLPEndpoint enables OpenTelemetry export when set, e.g.
	// "localhost:4317".
	OTLPEndpoint string

	Actor          string
	MaxAdjustments int
	StageTimeout   time.Duration
	MaxConcurrent  int
}

// Load reads the environment, applying defaults for anything unset.
func Load() *Config {
	return &Config{
		DatabaseURL:    getenv("DOCKET_DATABASE_URL", "docket.db"),
		LogLevel:       getenv("DOCKET_LOG_LEVEL", "INFO"),
		ReasonerURL:    getenv("DOCKET_REASONER_URL", "http://localhost:1234/v1/chat/completions"),
		ReasonerAPIKey: os.Getenv("DOCKET_REASONER_API_KEY"),
		ReasonerModel:  getenv("DOCKET_REASONER_MODEL", "default"),
		RedisURL:       os.Getenv("DOCKET_REDIS_URL"),
		WebhookURL:     os.Getenv("DOCKET_WEBHOOK_URL"),
		OTLPEndpoint:   os.Getenv("DOCKET_OTLP_ENDPOINT"),
		Actor:          getenv("DOCKET_ACTOR", "workflow-engine"),
		MaxAdjustments: getint("DOCKET_MAX_ADJUSTMENTS", 3),
		StageTimeout:   getdur("DOCKET_STAGE_TIMEOUT", 60*time.Second),
		MaxConcurrent:  getint("DOCKET_MAX_CONCURRENT", 4),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getdur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
