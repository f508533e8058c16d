package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/metrics"
	"github.com/openrelay/socialfeed/service/record"
)

// LiveTail tails the streaming endpoint for new transactions. The
// receive loop only parses events and persists the resume token; the
// actual writes happen on a worker pool behind a bounded queue, so a
// slow store never backs up the connection's read buffer.
type LiveTail struct {
	ingester  *Ingester
	store     *db.Store
	cache     *db.Cache
	endpoint  string
	filter    record.Filter
	queueSize int
	workers   int
	// reconnectEvery forces a full reconnect even on a healthy
	// connection, guarding against silently stalled streams.
	reconnectEvery time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger

	httpc *http.Client
}

// NewLiveTail wires a LiveTail. metrics may be nil.
func NewLiveTail(ingester *Ingester, store *db.Store, cache *db.Cache, endpoint string, filter record.Filter, queueSize, workers int, reconnectEvery time.Duration, m *metrics.Metrics, logger *slog.Logger) *LiveTail {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	if reconnectEvery <= 0 {
		reconnectEvery = 15 * time.Minute
	}
	return &LiveTail{
		ingester:       ingester,
		store:          store,
		cache:          cache,
		endpoint:       endpoint,
		filter:         filter,
		queueSize:      queueSize,
		workers:        workers,
		reconnectEvery: reconnectEvery,
		metrics:        m,
		logger:         logger,
		// No client timeout: the stream is long-lived and bounded by
		// the forced reconnect instead.
		httpc: &http.Client{},
	}
}

// Run tails the live endpoint until ctx is canceled, reconnecting with
// backoff on errors and unconditionally every reconnectEvery. The
// persisted resume token makes every reconnect gap-free.
func (lt *LiveTail) Run(ctx context.Context) error {
	lt.logger.Info("live tail starting",
		"endpoint", lt.endpoint,
		"workers", lt.workers,
		"queue_size", lt.queueSize,
	)

	queue := make(chan json.RawMessage, lt.queueSize)
	var wg sync.WaitGroup
	for i := 0; i < lt.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lt.worker(ctx, queue)
		}()
	}
	defer func() {
		close(queue)
		wg.Wait()
	}()

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			lt.logger.Info("live tail stopping")
			return ctx.Err()
		}

		err := lt.stream(ctx, queue)
		switch {
		case ctx.Err() != nil:
			lt.logger.Info("live tail stopping")
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// Scheduled reconnect; the connection was healthy.
			if lt.metrics != nil {
				lt.metrics.RecordLiveReconnect("scheduled")
			}
			lt.logger.Info("live tail scheduled reconnect")
			b.Reset()
		default:
			if lt.metrics != nil {
				lt.metrics.RecordLiveReconnect("error")
			}
			d := b.Duration()
			lt.logger.Warn("live tail connection lost, reconnecting",
				"error", err,
				"retry_in", d,
			)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				lt.logger.Info("live tail stopping")
				return ctx.Err()
			}
		}
	}
}

// stream opens one connection and consumes it until error, scheduled
// reconnect, or cancellation.
func (lt *LiveTail) stream(ctx context.Context, queue chan<- json.RawMessage) error {
	connCtx, cancel := context.WithTimeout(ctx, lt.reconnectEvery)
	defer cancel()

	encoded, err := lt.filter.Encode()
	if err != nil {
		return err
	}
	url := strings.TrimRight(lt.endpoint, "/") + "/" + encoded
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	token, err := lt.store.GetResumeToken(ctx)
	switch {
	case err == nil:
		req.Header.Set("Last-Event-Id", token)
	case errors.Is(err, record.ErrNotFound):
		// First connect, no resume point yet.
	default:
		return err
	}

	resp, err := lt.httpc.Do(req)
	if err != nil {
		return &record.UpstreamError{Endpoint: lt.endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &record.UpstreamError{
			Endpoint: lt.endpoint,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	lt.logger.Info("live tail connected", "resumed", token != "")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var eventID string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := lt.handleEvent(ctx, eventID, data.String(), queue); err != nil {
					return err
				}
			}
			eventID = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Comment line, typically a heartbeat.
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		case strings.HasPrefix(line, "event:"):
			// Event name is not used; the payload is self-describing.
		}
	}
	if err := scanner.Err(); err != nil {
		if connCtx.Err() != nil {
			return connCtx.Err()
		}
		return &record.UpstreamError{Endpoint: lt.endpoint, Err: err}
	}
	return &record.UpstreamError{Endpoint: lt.endpoint, Err: errors.New("stream closed by upstream")}
}

// handleEvent persists the resume token, then dedups and enqueues each
// candidate in the payload. The token goes down first so a crash here
// resumes at or before this event rather than past it.
func (lt *LiveTail) handleEvent(ctx context.Context, eventID, payload string, queue chan<- json.RawMessage) error {
	if eventID != "" {
		if err := lt.store.SetResumeToken(ctx, eventID); err != nil {
			return err
		}
	}

	batch, err := parseLivePayload(payload)
	if err != nil {
		lt.logger.Warn("skipping unparsable live event", "event_id", eventID, "error", err)
		if lt.metrics != nil {
			lt.metrics.RecordLiveEvent("unparsable")
		}
		return nil
	}

	for _, raw := range batch {
		id, err := record.ProbeID(raw)
		if err != nil {
			lt.logger.Warn("skipping candidate without id", "event_id", eventID, "error", err)
			if lt.metrics != nil {
				lt.metrics.RecordLiveEvent("unparsable")
			}
			continue
		}

		seen, err := lt.cache.WasIngested(ctx, id)
		if err != nil {
			return err
		}
		if seen {
			if lt.metrics != nil {
				lt.metrics.RecordLiveEvent("duplicate")
			}
			continue
		}

		select {
		case queue <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := lt.cache.MarkIngested(ctx, id); err != nil {
			lt.logger.Warn("failed to mark record ingested", "id", id, "error", err)
		}
		if lt.metrics != nil {
			lt.metrics.RecordLiveEvent("enqueued")
			lt.metrics.SetLiveQueueDepth(len(queue))
		}
	}
	return nil
}

// parseLivePayload extracts record candidates from one event's data.
// The wire form is a {type, data} envelope: "open" marks subscription
// start and carries nothing, "push" carries the candidates. A bare
// array or single record is also accepted.
func parseLivePayload(payload string) ([]json.RawMessage, error) {
	var env struct {
		Type string            `json:"type"`
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err == nil && env.Type != "" {
		if env.Type == "open" {
			return nil, nil
		}
		return env.Data, nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &batch); err == nil {
		return batch, nil
	}

	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}
	return nil, fmt.Errorf("payload is neither an event envelope nor a record")
}

// worker drains the queue, decoding and writing each candidate.
func (lt *LiveTail) worker(ctx context.Context, queue <-chan json.RawMessage) {
	for raw := range queue {
		rec, err := lt.ingester.Decode(raw)
		if err != nil {
			lt.logger.Warn("skipping undecodable live record", "error", err)
			if lt.metrics != nil {
				lt.metrics.RecordSkipped(SourceLive, "decode")
			}
			continue
		}
		if _, err := lt.ingester.Store(ctx, rec, SourceLive); err != nil {
			if ctx.Err() != nil {
				return
			}
			lt.logger.Error("failed to write live record", "id", rec.ID, "error", err)
			if lt.metrics != nil {
				lt.metrics.RecordSkipped(SourceLive, "store")
			}
		}
		if lt.metrics != nil {
			lt.metrics.SetLiveQueueDepth(len(queue))
		}
	}
}
