package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/feed"
	"github.com/openrelay/socialfeed/service/identity"
	"github.com/openrelay/socialfeed/service/metrics"
	"github.com/openrelay/socialfeed/service/social"
)

// Server represents the HTTP API for the record service.
type Server struct {
	addr       string
	store      *db.Store
	cache      *db.Cache
	fanout     *feed.Fanout
	identities identity.Resolver
	social     *social.Resolver
	metrics    *metrics.Metrics
	logger     *slog.Logger
	server     *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The fanout is optional - if nil, streaming endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, store *db.Store, cache *db.Cache, fanout *feed.Fanout, identities identity.Resolver, socialResolver *social.Resolver, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:       addr,
		store:      store,
		cache:      cache,
		fanout:     fanout,
		identities: identities,
		social:     socialResolver,
		metrics:    m,
		logger:     logger,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Record routes
	mux.Handle("GET /api/v1/records/{id}", s.instrument("/api/v1/records/{id}", handleGetRecord(s.store, s.logger)))
	mux.Handle("GET /api/v1/records", s.instrument("/api/v1/records", handleListRecords(s.store, s.logger)))
	mux.Handle("GET /api/v1/counts", s.instrument("/api/v1/counts", handleCounts(s.store, s.cache, s.logger)))

	// Identity and graph routes
	if s.identities != nil {
		mux.Handle("GET /api/v1/identities/{address}", s.instrument("/api/v1/identities/{address}", handleGetIdentity(s.identities, s.logger)))
	}
	if s.social != nil {
		mux.Handle("GET /api/v1/identities/{key}/friends", s.instrument("/api/v1/identities/{key}/friends", handleGetFriends(s.social, s.logger)))
	}

	// SSE streaming endpoints (if fan-out is configured)
	if s.fanout != nil {
		mux.Handle("GET /api/v1/stream/records/{target}", handleStreamRecords(s.fanout, s.logger))
		mux.Handle("GET /api/v1/stream/records", handleStreamRecords(s.fanout, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("fan-out not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: handler,
		// No global write timeout: it would kill long-lived SSE
		// streams. Handlers that need one set their own.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the fan-out first so streaming clients disconnect.
	if s.fanout != nil {
		s.fanout.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// corsMiddleware adds permissive CORS headers and answers preflight
// requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-Id")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
