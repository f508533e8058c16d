package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openrelay/socialfeed/service/config"
	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/feed"
	"github.com/openrelay/socialfeed/service/ingest"
	"github.com/openrelay/socialfeed/service/metrics"
	"github.com/openrelay/socialfeed/service/record"
)

func main() {
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting ingest daemon",
		"bulk_endpoint", cfg.BulkEndpoint,
		"live_endpoint", cfg.LiveEndpoint,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// The warmed dedup marks make live-tail dedup survive restarts.
	cache := db.NewCache(dbPool, logger)
	if err := cache.WarmIngestMarks(ctx); err != nil {
		logger.Error("failed to warm dedup cache", "error", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics(nil)

	publisher, err := feed.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to initialize publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	decoder := record.NewJSONDecoder()
	ingester := ingest.NewIngester(store, cache, decoder, publisher, m, logger)

	var content ingest.ContentFetcher = ingest.NoopContentFetcher{}
	if cfg.ContentFetchConcurrency > 0 {
		content = ingest.NewHTTPContentFetcher(cfg.ContentFetchConcurrency, logger)
	}

	bulk := ingest.NewBulkClient(cfg.BulkEndpoint)
	crawler := ingest.NewCrawler(ingester, bulk, store, content, cfg.IngestFilter, cfg.CrawlInterval, m, logger)

	liveTail := ingest.NewLiveTail(ingester, store, cache, cfg.LiveEndpoint, cfg.IngestFilter,
		cfg.LiveQueueSize, cfg.LiveWorkers, cfg.LiveReconnectInterval, m, logger)

	// Surface crawl progress as it happens rather than only at
	// cycle end, so a long first drain is observable.
	crawler.OnBlock = func(height int64) {
		m.SetCursorHeight(height)
		logger.Debug("crawler reached block", "height", height)
	}

	var wg sync.WaitGroup

	// The live tail starts once the crawler reports it has drained all
	// history. This handoff fires exactly once per process lifetime.
	crawler.OnCaughtUp = func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			liveTail.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		crawler.Run(ctx)
	}()

	// Expose metrics and a liveness endpoint
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	httpServer := &http.Server{Addr: cfg.ServerAddr, Handler: mux}
	go func() {
		logger.Info("metrics listener starting", "addr", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", "signal", sig.String())

	// Cancel first so the live connection and any in-flight crawl
	// abort; the cursor has not advanced for an unfinished batch, so
	// resumption is safe.
	cancel()
	httpServer.Close()
	wg.Wait()
	logger.Info("ingest daemon stopped")
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
