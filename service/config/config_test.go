package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/socialfeed/service/record"
)

func setRequiredEnv() {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("BULK_ENDPOINT", "https://feed.example.com/bulk")
	os.Setenv("LIVE_ENDPOINT", "https://feed.example.com/live")
	os.Setenv("IDENTITY_ENDPOINT", "https://identity.example.com")
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "https://feed.example.com/bulk", cfg.BulkEndpoint)
	assert.Equal(t, "https://feed.example.com/live", cfg.LiveEndpoint)
	assert.Equal(t, "https://identity.example.com", cfg.IdentityEndpoint)
	assert.Equal(t, ":8080", cfg.ServerAddr) // Default
	assert.Equal(t, "info", cfg.LogLevel)    // Default
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 10*time.Second, cfg.CrawlInterval)
	assert.Equal(t, 15*time.Minute, cfg.LiveReconnectInterval)
	assert.Equal(t, 1024, cfg.LiveQueueSize)
	assert.Equal(t, 4, cfg.LiveWorkers)
	assert.Equal(t, 8, cfg.ContentFetchConcurrency)
	assert.Empty(t, cfg.IngestFilter)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setRequiredEnv()
	os.Unsetenv("DATABASE_URL")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_MissingEndpoints(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "BULK_ENDPOINT is required")
	assert.Contains(t, err.Error(), "LIVE_ENDPOINT is required")
	assert.Contains(t, err.Error(), "IDENTITY_ENDPOINT is required")
}

func TestLoad_IngestFilter(t *testing.T) {
	setRequiredEnv()
	os.Setenv("INGEST_FILTER", `{"meta.type":"post","signer":"abc"}`)
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, record.Filter{"meta.type": "post", "signer": "abc"}, cfg.IngestFilter)
}

func TestLoad_InvalidIngestFilter(t *testing.T) {
	setRequiredEnv()
	os.Setenv("INGEST_FILTER", `not json`)
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "INGEST_FILTER is invalid")
}

func TestLoad_InvalidCrawlInterval(t *testing.T) {
	setRequiredEnv()
	os.Setenv("CRAWL_INTERVAL", "invalid")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("NATS_URL", "nats://nats.example.com:4222")
	os.Setenv("CRAWL_INTERVAL", "1m")
	os.Setenv("LIVE_RECONNECT_INTERVAL", "30m")
	os.Setenv("LIVE_QUEUE_SIZE", "64")
	os.Setenv("LIVE_WORKERS", "2")
	os.Setenv("CONTENT_FETCH_CONCURRENCY", "0")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, time.Minute, cfg.CrawlInterval)
	assert.Equal(t, 30*time.Minute, cfg.LiveReconnectInterval)
	assert.Equal(t, 64, cfg.LiveQueueSize)
	assert.Equal(t, 2, cfg.LiveWorkers)
	assert.Equal(t, 0, cfg.ContentFetchConcurrency)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{
		DatabaseURL:           "postgres://localhost/test",
		BulkEndpoint:          "https://feed.example.com/bulk",
		LiveEndpoint:          "https://feed.example.com/live",
		IdentityEndpoint:      "https://identity.example.com",
		CrawlInterval:         10 * time.Second,
		LiveReconnectInterval: 15 * time.Minute,
		LiveQueueSize:         1024,
		LiveWorkers:           4,
	}

	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := &Config{
		BulkEndpoint:          "https://feed.example.com/bulk",
		LiveEndpoint:          "https://feed.example.com/live",
		IdentityEndpoint:      "https://identity.example.com",
		CrawlInterval:         10 * time.Second,
		LiveReconnectInterval: 15 * time.Minute,
		LiveQueueSize:         1024,
		LiveWorkers:           4,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseURL is required")
}

func TestValidate_TooShortIntervals(t *testing.T) {
	cfg := &Config{
		DatabaseURL:           "postgres://localhost/test",
		BulkEndpoint:          "https://feed.example.com/bulk",
		LiveEndpoint:          "https://feed.example.com/live",
		IdentityEndpoint:      "https://identity.example.com",
		CrawlInterval:         500 * time.Millisecond,
		LiveReconnectInterval: 30 * time.Second,
		LiveQueueSize:         1024,
		LiveWorkers:           4,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CrawlInterval must be at least 1 second")
	assert.Contains(t, err.Error(), "LiveReconnectInterval must be at least 1 minute")
}

func TestValidate_InvalidWorkerPool(t *testing.T) {
	cfg := &Config{
		DatabaseURL:           "postgres://localhost/test",
		BulkEndpoint:          "https://feed.example.com/bulk",
		LiveEndpoint:          "https://feed.example.com/live",
		IdentityEndpoint:      "https://identity.example.com",
		CrawlInterval:         10 * time.Second,
		LiveReconnectInterval: 15 * time.Minute,
		LiveQueueSize:         0,
		LiveWorkers:           0,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LiveQueueSize must be positive")
	assert.Contains(t, err.Error(), "LiveWorkers must be positive")
}

func TestMustLoad_Panics(t *testing.T) {
	// Don't set required env vars
	defer cleanupEnv()

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}

// cleanupEnv clears all environment variables used in tests
func cleanupEnv() {
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("BULK_ENDPOINT")
	os.Unsetenv("LIVE_ENDPOINT")
	os.Unsetenv("IDENTITY_ENDPOINT")
	os.Unsetenv("INGEST_FILTER")
	os.Unsetenv("SERVER_ADDR")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("NATS_URL")
	os.Unsetenv("CRAWL_INTERVAL")
	os.Unsetenv("LIVE_RECONNECT_INTERVAL")
	os.Unsetenv("LIVE_QUEUE_SIZE")
	os.Unsetenv("LIVE_WORKERS")
	os.Unsetenv("CONTENT_FETCH_CONCURRENCY")
}
