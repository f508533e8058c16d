package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/openrelay/socialfeed/service/record"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Upstream feed configuration
	BulkEndpoint     string
	LiveEndpoint     string
	IdentityEndpoint string

	// IngestFilter constrains both the bulk query and the live
	// subscription. JSON object of dot-path equality terms.
	IngestFilter record.Filter

	// Crawler configuration
	CrawlInterval time.Duration

	// Live tail configuration
	LiveReconnectInterval time.Duration
	LiveQueueSize         int
	LiveWorkers           int

	// ContentFetchConcurrency bounds in-flight external content
	// fetches. Zero disables content fetching.
	ContentFetchConcurrency int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Upstream feed configuration
	cfg.BulkEndpoint = os.Getenv("BULK_ENDPOINT")
	if cfg.BulkEndpoint == "" {
		errs = append(errs, fmt.Errorf("BULK_ENDPOINT is required"))
	}

	cfg.LiveEndpoint = os.Getenv("LIVE_ENDPOINT")
	if cfg.LiveEndpoint == "" {
		errs = append(errs, fmt.Errorf("LIVE_ENDPOINT is required"))
	}

	cfg.IdentityEndpoint = os.Getenv("IDENTITY_ENDPOINT")
	if cfg.IdentityEndpoint == "" {
		errs = append(errs, fmt.Errorf("IDENTITY_ENDPOINT is required"))
	}

	if raw := os.Getenv("INGEST_FILTER"); raw != "" {
		filter, err := record.ParseFilter([]byte(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("INGEST_FILTER is invalid: %w", err))
		} else {
			cfg.IngestFilter = filter
		}
	} else {
		cfg.IngestFilter = record.Filter{}
	}

	// Crawler configuration
	crawlInterval, err := parseDuration("CRAWL_INTERVAL", "10s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CrawlInterval = crawlInterval
	}

	// Live tail configuration
	reconnect, err := parseDuration("LIVE_RECONNECT_INTERVAL", "15m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LiveReconnectInterval = reconnect
	}

	queueSize, err := parseInt("LIVE_QUEUE_SIZE", "1024")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LiveQueueSize = queueSize
	}

	workers, err := parseInt("LIVE_WORKERS", "4")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LiveWorkers = workers
	}

	concurrency, err := parseInt("CONTENT_FETCH_CONCURRENCY", "8")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ContentFetchConcurrency = concurrency
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.BulkEndpoint == "" {
		errs = append(errs, fmt.Errorf("BulkEndpoint is required"))
	}

	if c.LiveEndpoint == "" {
		errs = append(errs, fmt.Errorf("LiveEndpoint is required"))
	}

	if c.IdentityEndpoint == "" {
		errs = append(errs, fmt.Errorf("IdentityEndpoint is required"))
	}

	if c.CrawlInterval < time.Second {
		errs = append(errs, fmt.Errorf("CrawlInterval must be at least 1 second"))
	}

	if c.LiveReconnectInterval < time.Minute {
		errs = append(errs, fmt.Errorf("LiveReconnectInterval must be at least 1 minute"))
	}

	if c.LiveQueueSize < 1 {
		errs = append(errs, fmt.Errorf("LiveQueueSize must be positive"))
	}

	if c.LiveWorkers < 1 {
		errs = append(errs, fmt.Errorf("LiveWorkers must be positive"))
	}

	if c.ContentFetchConcurrency < 0 {
		errs = append(errs, fmt.Errorf("ContentFetchConcurrency cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s is invalid: %w", key, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key, defaultValue string) (int, error) {
	value := getEnvOrDefault(key, defaultValue)
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s is invalid: %w", key, err)
	}
	return n, nil
}
