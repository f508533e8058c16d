package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ingest Metrics
	recordsIngestedTotal *prometheus.CounterVec
	recordsSkippedTotal  *prometheus.CounterVec
	ingestRetriesTotal   *prometheus.CounterVec

	// Crawler Metrics
	crawlCyclesTotal   *prometheus.CounterVec
	crawlCycleDuration *prometheus.HistogramVec
	crawlCursorHeight  prometheus.Gauge

	// Live Tail Metrics
	liveEventsTotal     *prometheus.CounterVec
	liveReconnectsTotal *prometheus.CounterVec
	liveQueueDepth      prometheus.Gauge

	// Cache Metrics
	cacheLookupsTotal *prometheus.CounterVec

	// Fan-out Metrics
	fanoutSubscribers        *prometheus.GaugeVec
	fanoutEventsSentTotal    *prometheus.CounterVec
	fanoutEventsDroppedTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ingest Metrics
		recordsIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_ingested_total",
				Help: "Total number of records written by source and partition",
			},
			[]string{"source", "partition"},
		),
		recordsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_skipped_total",
				Help: "Total number of records skipped by source and reason",
			},
			[]string{"source", "reason"},
		),
		ingestRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_retries_total",
				Help: "Total number of ingest write retry attempts",
			},
			[]string{"source"},
		),

		// Crawler Metrics
		crawlCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_cycles_total",
				Help: "Total number of crawl cycles by outcome",
			},
			[]string{"status"},
		),
		crawlCycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_cycle_duration_seconds",
				Help:    "Duration of crawl cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0},
			},
			[]string{"status"},
		),
		crawlCursorHeight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_cursor_height",
				Help: "Highest fully ingested block height",
			},
		),

		// Live Tail Metrics
		liveEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "live_events_total",
				Help: "Total number of live feed events by outcome",
			},
			[]string{"status"},
		),
		liveReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "live_reconnects_total",
				Help: "Total number of live feed reconnects by reason",
			},
			[]string{"reason"},
		),
		liveQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "live_queue_depth",
				Help: "Number of live feed events waiting for a worker",
			},
		),

		// Cache Metrics
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Total number of cache lookups by prefix and outcome",
			},
			[]string{"prefix", "outcome"},
		),

		// Fan-out Metrics
		fanoutSubscribers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fanout_subscribers",
				Help: "Number of active subscriber sessions by target",
			},
			[]string{"target"},
		),
		fanoutEventsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_sent_total",
				Help: "Total number of envelopes delivered to subscribers",
			},
			[]string{"target"},
		),
		fanoutEventsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_dropped_total",
				Help: "Total number of envelopes dropped on full subscriber buffers",
			},
			[]string{"target"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations by status",
			},
			[]string{"operation", "table", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"handler", "method"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status_code"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of change events published to NATS",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publishes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Ingest

func (m *Metrics) RecordIngested(source, partition string) {
	m.recordsIngestedTotal.WithLabelValues(source, partition).Inc()
}

func (m *Metrics) RecordSkipped(source, reason string) {
	m.recordsSkippedTotal.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) RecordIngestRetry(source string) {
	m.ingestRetriesTotal.WithLabelValues(source).Inc()
}

// Crawler

func (m *Metrics) RecordCrawlCycle(status string, duration float64) {
	m.crawlCyclesTotal.WithLabelValues(status).Inc()
	m.crawlCycleDuration.WithLabelValues(status).Observe(duration)
}

func (m *Metrics) SetCursorHeight(height int64) {
	m.crawlCursorHeight.Set(float64(height))
}

// Live tail

func (m *Metrics) RecordLiveEvent(status string) {
	m.liveEventsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordLiveReconnect(reason string) {
	m.liveReconnectsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLiveQueueDepth(depth int) {
	m.liveQueueDepth.Set(float64(depth))
}

// Cache

func (m *Metrics) RecordCacheLookup(prefix, outcome string) {
	m.cacheLookupsTotal.WithLabelValues(prefix, outcome).Inc()
}

// Fan-out

func (m *Metrics) SubscriberConnected(target string) {
	m.fanoutSubscribers.WithLabelValues(targetLabel(target)).Inc()
}

func (m *Metrics) SubscriberDisconnected(target string) {
	m.fanoutSubscribers.WithLabelValues(targetLabel(target)).Dec()
}

func (m *Metrics) RecordFanoutEventSent(target string) {
	m.fanoutEventsSentTotal.WithLabelValues(targetLabel(target)).Inc()
}

func (m *Metrics) RecordFanoutEventDropped(target string) {
	m.fanoutEventsDroppedTotal.WithLabelValues(targetLabel(target)).Inc()
}

func targetLabel(target string) string {
	if target == "" {
		return "all"
	}
	return target
}

// Database

func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
}

// HTTP

func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	m.httpRequestDuration.WithLabelValues(handler, method).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, statusLabel(statusCode)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// NATS

func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}
