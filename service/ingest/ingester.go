// Package ingest pulls records into the store from two upstream feeds:
// a bulk endpoint crawled in cycles for history, and a live stream
// tailed for records as they appear. Both paths converge on the same
// idempotent write, so replays and overlap between the feeds are safe.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/feed"
	"github.com/openrelay/socialfeed/service/metrics"
	"github.com/openrelay/socialfeed/service/record"
)

// Feed source labels used in logs and metrics.
const (
	SourceBulk = "bulk"
	SourceLive = "live"
)

// storeAttempts bounds the retry loop around a single record write.
const storeAttempts = 5

// Ingester decodes raw feed payloads and writes them through the store,
// publishing a change event for every write that altered state.
type Ingester struct {
	store     *db.Store
	cache     *db.Cache
	decoder   record.Decoder
	publisher feed.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewIngester wires an Ingester. publisher and metrics may be nil.
func NewIngester(store *db.Store, cache *db.Cache, decoder record.Decoder, publisher feed.Publisher, m *metrics.Metrics, logger *slog.Logger) *Ingester {
	return &Ingester{
		store:     store,
		cache:     cache,
		decoder:   decoder,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Decode translates one raw feed payload into a Record. Callers that
// need to act on the record before it is written (cursor tracking,
// content prefetch) decode first and store separately.
func (ing *Ingester) Decode(raw json.RawMessage) (*record.Record, error) {
	return ing.decoder.Decode(raw)
}

// Store writes rec idempotently, retrying transient persistence
// failures, and publishes a change event when the write altered state.
// The returned result reports whether anything changed.
func (ing *Ingester) Store(ctx context.Context, rec *record.Record, source string) (*db.UpsertResult, error) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var res *db.UpsertResult
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		res, err = ing.store.UpsertRecord(ctx, rec)
		if err == nil {
			break
		}
		if !record.IsPersistenceError(err) || attempt == storeAttempts {
			return nil, err
		}
		if ing.metrics != nil {
			ing.metrics.RecordIngestRetry(source)
		}
		ing.logger.Warn("record write failed, retrying",
			"id", rec.ID,
			"source", source,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	if !res.Changed {
		if ing.metrics != nil {
			ing.metrics.RecordSkipped(source, "unchanged")
		}
		return res, nil
	}

	if ing.metrics != nil {
		ing.metrics.RecordIngested(source, string(res.Record.Partition()))
	}

	// Aggregates computed over the records table are stale now.
	if ing.cache != nil {
		if cerr := ing.cache.DeletePrefix(ctx, db.PrefixCounts); cerr != nil {
			ing.logger.Warn("failed to invalidate count cache", "error", cerr)
		}
	}

	if ing.publisher != nil {
		event := feed.NewChange(res.Record, res.Inserted)
		if perr := ing.publisher.PublishChange(ctx, event); perr != nil {
			// The write is durable; a lost notification is recoverable
			// by subscribers re-reading, so log and continue.
			ing.logger.Error("failed to publish change event",
				"id", rec.ID,
				"subject", event.Subject(),
				"error", perr,
			)
		}
	}

	return res, nil
}

// Ingest is Decode followed by Store for callers that need nothing in
// between.
func (ing *Ingester) Ingest(ctx context.Context, raw json.RawMessage, source string) (*db.UpsertResult, error) {
	rec, err := ing.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return ing.Store(ctx, rec, source)
}
