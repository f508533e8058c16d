package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/metrics"
	"github.com/openrelay/socialfeed/service/record"
)

// maxLineBytes bounds a single NDJSON line from the bulk endpoint.
const maxLineBytes = 4 * 1024 * 1024

// Crawler pulls historical batches from the bulk endpoint and advances
// the durable cursor after each fully drained batch. It keeps polling
// on a fixed interval after catching up, so it doubles as a safety net
// for anything the live feed misses.
type Crawler struct {
	ingester *Ingester
	fetcher  BulkFetcher
	store    *db.Store
	content  ContentFetcher
	filter   record.Filter
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// OnBlock is called whenever the in-cycle watermark advances,
	// before the record at that height is written. Optional.
	OnBlock func(height int64)
	// OnCaughtUp is called exactly once, on the first cycle that
	// drains with zero new records. Optional.
	OnCaughtUp func()

	caughtUp sync.Once
}

// NewCrawler wires a Crawler. content and metrics may be nil.
func NewCrawler(ingester *Ingester, fetcher BulkFetcher, store *db.Store, content ContentFetcher, filter record.Filter, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Crawler {
	if content == nil {
		content = NoopContentFetcher{}
	}
	return &Crawler{
		ingester: ingester,
		fetcher:  fetcher,
		store:    store,
		content:  content,
		filter:   filter,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Run crawls until ctx is canceled. A failed cycle does not advance the
// cursor; the next cycle re-requests the same window, which is safe
// because writes are idempotent.
func (c *Crawler) Run(ctx context.Context) error {
	c.logger.Info("crawler starting", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		n, err := c.runCycle(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			c.logger.Info("crawler stopping")
			return ctx.Err()
		case err != nil:
			if c.metrics != nil {
				c.metrics.RecordCrawlCycle("error", time.Since(start).Seconds())
			}
			c.logger.Error("crawl cycle failed", "error", err)
		default:
			if c.metrics != nil {
				c.metrics.RecordCrawlCycle("ok", time.Since(start).Seconds())
			}
			if n == 0 {
				c.caughtUp.Do(func() {
					c.logger.Info("crawler caught up")
					if c.OnCaughtUp != nil {
						c.OnCaughtUp()
					}
				})
			}
		}

		select {
		case <-ctx.Done():
			c.logger.Info("crawler stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runCycle requests one batch above the cursor and drains it. Returns
// the number of new lines processed. The cursor only moves after the
// stream ends cleanly, so a mid-batch crash re-processes a bounded
// window.
func (c *Crawler) runCycle(ctx context.Context) (int, error) {
	cursor, err := c.store.GetCursor(ctx)
	if err != nil {
		return 0, err
	}
	watermark := cursor

	body, err := c.fetcher.Fetch(ctx, c.filter, cursor+1)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	processed := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)

		rec, err := c.ingester.Decode(raw)
		if err != nil {
			// One malformed line must not stop the crawl.
			c.logger.Warn("skipping undecodable line", "error", err)
			if c.metrics != nil {
				c.metrics.RecordSkipped(SourceBulk, "decode")
			}
			continue
		}

		if h := rec.Height(); h > watermark {
			watermark = h
			if c.OnBlock != nil {
				c.OnBlock(h)
			}
		}

		c.content.Enqueue(ctx, rec)

		if _, err := c.ingester.Store(ctx, rec, SourceBulk); err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			c.logger.Warn("skipping unwritable record", "id", rec.ID, "error", err)
			if c.metrics != nil {
				c.metrics.RecordSkipped(SourceBulk, "store")
			}
			continue
		}
		processed++
	}
	if err := scanner.Err(); err != nil {
		return processed, &record.UpstreamError{Endpoint: "bulk", Err: err}
	}

	if watermark > cursor {
		if err := c.store.SetCursor(ctx, watermark); err != nil {
			return processed, err
		}
		if c.metrics != nil {
			c.metrics.SetCursorHeight(watermark)
		}
		c.logger.Info("crawl cycle complete",
			"records", processed,
			"cursor", watermark,
		)
	} else {
		c.logger.Debug("crawl cycle complete, no new records", "cursor", cursor)
	}

	return processed, nil
}
