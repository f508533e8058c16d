package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openrelay/socialfeed/service/record"
)

// ContentFetcher receives records whose payloads reference external
// content. Fetching is fire-and-forget; a fetch failure never blocks
// or fails ingestion.
type ContentFetcher interface {
	Enqueue(ctx context.Context, rec *record.Record)
}

// NoopContentFetcher discards all content references.
type NoopContentFetcher struct{}

func (NoopContentFetcher) Enqueue(context.Context, *record.Record) {}

// HTTPContentFetcher resolves content references with bounded
// concurrency. Bodies are drained and discarded; the point is warming
// the upstream's cache, not storing bytes.
type HTTPContentFetcher struct {
	httpc  *http.Client
	sem    chan struct{}
	logger *slog.Logger
}

// NewHTTPContentFetcher returns a fetcher allowing at most maxInFlight
// concurrent fetches. Enqueue drops references beyond that.
func NewHTTPContentFetcher(maxInFlight int, logger *slog.Logger) *HTTPContentFetcher {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &HTTPContentFetcher{
		httpc:  &http.Client{Timeout: 30 * time.Second},
		sem:    make(chan struct{}, maxInFlight),
		logger: logger,
	}
}

// Enqueue starts background fetches for each content reference in rec.
func (f *HTTPContentFetcher) Enqueue(ctx context.Context, rec *record.Record) {
	for _, url := range rec.ContentRefs() {
		select {
		case f.sem <- struct{}{}:
		default:
			f.logger.Debug("content fetch queue full, dropping", "id", rec.ID, "url", url)
			continue
		}
		go func(url string) {
			defer func() { <-f.sem }()
			f.fetch(ctx, url)
		}(url)
	}
}

func (f *HTTPContentFetcher) fetch(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.logger.Debug("bad content reference", "url", url, "error", err)
		return
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		f.logger.Debug("content fetch failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}
