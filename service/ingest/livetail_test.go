package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/feed"
	"github.com/openrelay/socialfeed/service/record"
)

func TestLiveTailStream(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ing, cache := newTestIngester(t, store, feed.NewMockPublisher())
	ctx := context.Background()

	// dd02 was already ingested before this connection.
	require.NoError(t, cache.MarkIngested(ctx, "dd02"))

	var lastEventID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastEventID = r.Header.Get("Last-Event-Id")

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ":heartbeat\n\n")
		fmt.Fprint(w, "id: evt-7\n")
		fmt.Fprint(w, `data: {"type": "push", "data": [{"id": "dd01", "timestamp": 1700000100}, {"id": "dd02", "timestamp": 1700000101}]}`)
		fmt.Fprint(w, "\n\n")
	}))
	defer upstream.Close()

	lt := NewLiveTail(ing, store.Store, cache, upstream.URL, record.Filter{},
		8, 1, time.Minute, nil, testLogger())

	queue := make(chan json.RawMessage, 8)
	err := lt.stream(ctx, queue)
	require.Error(t, err, "upstream closing the stream is reported to the reconnect loop")

	assert.Empty(t, lastEventID, "no resume token before the first event")

	token, err := store.GetResumeToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "evt-7", token, "resume token persisted before processing")

	require.Len(t, queue, 1, "the already-ingested candidate is not re-enqueued")
	raw := <-queue
	id, err := record.ProbeID(raw)
	require.NoError(t, err)
	assert.Equal(t, "dd01", id)

	seen, err := cache.WasIngested(ctx, "dd01")
	require.NoError(t, err)
	assert.True(t, seen, "enqueued candidates are marked ingested")
}

func TestParseLivePayload(t *testing.T) {
	t.Run("push envelope", func(t *testing.T) {
		batch, err := parseLivePayload(`{"type": "push", "data": [{"id": "ab01"}, {"id": "ab02"}]}`)
		require.NoError(t, err)
		require.Len(t, batch, 2)

		id, err := record.ProbeID(batch[0])
		require.NoError(t, err)
		assert.Equal(t, "ab01", id)
	})

	t.Run("open envelope carries nothing", func(t *testing.T) {
		batch, err := parseLivePayload(`{"type": "open", "data": []}`)
		require.NoError(t, err)
		assert.Empty(t, batch)
	})

	t.Run("bare array", func(t *testing.T) {
		batch, err := parseLivePayload(`[{"id": "ab03"}]`)
		require.NoError(t, err)
		require.Len(t, batch, 1)
	})

	t.Run("bare record", func(t *testing.T) {
		batch, err := parseLivePayload(`{"id": "ab04", "timestamp": 1700000100}`)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		id, err := record.ProbeID(batch[0])
		require.NoError(t, err)
		assert.Equal(t, "ab04", id)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseLivePayload(`not json`)
		assert.Error(t, err)
	})
}

func TestLiveTailEnvelopeEvent(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ing, cache := newTestIngester(t, store, feed.NewMockPublisher())
	ctx := context.Background()

	lt := NewLiveTail(ing, store.Store, cache, "http://unused", record.Filter{},
		8, 1, time.Minute, nil, testLogger())

	queue := make(chan json.RawMessage, 8)
	err := lt.handleEvent(ctx, "evt-9", `{"type": "push", "data": [{"id": "ab01", "timestamp": 1700000100}]}`, queue)
	require.NoError(t, err)
	require.Len(t, queue, 1, "the enveloped candidate is enqueued")

	err = lt.handleEvent(ctx, "evt-10", `{"type": "open", "data": []}`, queue)
	require.NoError(t, err)
	assert.Len(t, queue, 1, "open events enqueue nothing")

	token, err := store.GetResumeToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "evt-10", token)
}

func TestLiveTailResumeHeader(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ing, cache := newTestIngester(t, store, feed.NewMockPublisher())
	ctx := context.Background()

	require.NoError(t, store.SetResumeToken(ctx, "evt-42"))

	var lastEventID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastEventID = r.Header.Get("Last-Event-Id")
	}))
	defer upstream.Close()

	lt := NewLiveTail(ing, store.Store, cache, upstream.URL, record.Filter{},
		8, 1, time.Minute, nil, testLogger())

	queue := make(chan json.RawMessage, 8)
	lt.stream(ctx, queue)

	assert.Equal(t, "evt-42", lastEventID, "reconnects resume from the persisted token")
}

func TestLiveTailWorkerWritesThrough(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	publisher := feed.NewMockPublisher()
	ing, cache := newTestIngester(t, store, publisher)

	lt := NewLiveTail(ing, store.Store, cache, "http://unused", record.Filter{},
		8, 1, time.Minute, nil, testLogger())

	queue := make(chan json.RawMessage, 8)
	queue <- json.RawMessage(`{"id": "ee01", "timestamp": 1700000200}`)
	queue <- json.RawMessage(`{broken`)
	close(queue)

	lt.worker(context.Background(), queue)

	rec, err := store.GetRecord(context.Background(), "ee01")
	require.NoError(t, err)
	assert.Equal(t, record.PartitionUnconfirmed, rec.Partition())
	assert.Equal(t, 1, publisher.GetPublishedEventCount())
}

func TestLiveTailScheduledReconnect(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ing, cache := newTestIngester(t, store, feed.NewMockPublisher())

	// The upstream keeps the connection open; only the forced
	// reconnect deadline ends it.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer upstream.Close()

	lt := NewLiveTail(ing, store.Store, cache, upstream.URL, record.Filter{},
		8, 1, time.Minute, nil, testLogger())
	lt.reconnectEvery = 100 * time.Millisecond

	queue := make(chan json.RawMessage, 8)
	start := time.Now()
	err := lt.stream(context.Background(), queue)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
