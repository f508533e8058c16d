package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestIngester(t *testing.T, store *db.TestStore, publisher feed.Publisher) (*Ingester, *db.Cache) {
	t.Helper()
	cache := db.NewCache(store.Pool(), testLogger())
	ing := NewIngester(store.Store, cache, record.NewJSONDecoder(), publisher, nil, testLogger())
	return ing, cache
}

func ndjsonLine(id string, height int64) string {
	return fmt.Sprintf(`{"id": "%s", "block": {"height": %d, "time": %d}, "fields": {}}`,
		id, height, 1700000000+height)
}

func TestCrawlerRunCycle(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	publisher := feed.NewMockPublisher()
	ing, _ := newTestIngester(t, store, publisher)

	var gotSince []int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SinceHeight int64 `json:"sinceHeight"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotSince = append(gotSince, req.SinceHeight)

		if req.SinceHeight > 20 {
			return // caught up, nothing newer
		}
		fmt.Fprintln(w, ndjsonLine("aa01", 10))
		fmt.Fprintln(w, `{not json`)
		fmt.Fprintln(w, ndjsonLine("aa02", 20))
	}))
	defer upstream.Close()

	var blocks []int64
	crawler := NewCrawler(ing, NewBulkClient(upstream.URL), store.Store, nil,
		record.Filter{}, time.Second, nil, testLogger())
	crawler.OnBlock = func(h int64) { blocks = append(blocks, h) }

	ctx := context.Background()

	t.Run("first cycle drains the batch", func(t *testing.T) {
		n, err := crawler.runCycle(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, n, "the malformed line is skipped, not fatal")
		assert.Equal(t, []int64{1}, gotSince, "first request starts just above the zero cursor")
		assert.Equal(t, []int64{10, 20}, blocks, "watermark advances per new block")

		cursor, err := store.GetCursor(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), cursor)

		assert.Equal(t, 2, publisher.GetPublishedEventCount())
	})

	t.Run("second cycle resumes above the cursor", func(t *testing.T) {
		n, err := crawler.runCycle(ctx)
		require.NoError(t, err)

		assert.Equal(t, 0, n)
		assert.Equal(t, []int64{1, 21}, gotSince)

		cursor, err := store.GetCursor(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), cursor, "an empty cycle leaves the cursor alone")
	})
}

func TestCrawlerUpstreamFailure(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ing, _ := newTestIngester(t, store, feed.NewMockPublisher())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer upstream.Close()

	crawler := NewCrawler(ing, NewBulkClient(upstream.URL), store.Store, nil,
		record.Filter{}, time.Second, nil, testLogger())

	ctx := context.Background()
	_, err := crawler.runCycle(ctx)
	require.Error(t, err)

	var ue *record.UpstreamError
	assert.ErrorAs(t, err, &ue)

	cursor, err := store.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor, "a failed cycle never advances the cursor")
}

func TestCrawlerCaughtUpFiresOnce(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ing, _ := newTestIngester(t, store, feed.NewMockPublisher())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always empty: the crawler is already caught up.
	}))
	defer upstream.Close()

	fired := 0
	crawler := NewCrawler(ing, NewBulkClient(upstream.URL), store.Store, nil,
		record.Filter{}, 10*time.Millisecond, nil, testLogger())
	crawler.OnCaughtUp = func() { fired++ }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	crawler.Run(ctx)

	assert.Equal(t, 1, fired, "the live tail handoff fires exactly once")
}

func TestIngesterPublishesOnlyOnChange(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	publisher := feed.NewMockPublisher()
	ing, _ := newTestIngester(t, store, publisher)

	ctx := context.Background()

	res, err := ing.Ingest(ctx, json.RawMessage(ndjsonLine("bb01", 30)), SourceBulk)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	events := publisher.GetPublishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, feed.OpInsert, events[0].Op)
	assert.Equal(t, record.PartitionConfirmed, events[0].Partition)

	// An unconfirmed payload for a confirmed id is a refused downgrade
	// and must not produce a change event.
	_, err = ing.Ingest(ctx, json.RawMessage(`{"id": "bb01", "timestamp": 1700000999}`), SourceLive)
	require.NoError(t, err)
	assert.Equal(t, 1, publisher.GetPublishedEventCount())
}

func TestIngesterPromotionPublishesUpdate(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	publisher := feed.NewMockPublisher()
	ing, _ := newTestIngester(t, store, publisher)

	ctx := context.Background()

	_, err := ing.Ingest(ctx, json.RawMessage(`{"id": "cc01", "timestamp": 1700000100}`), SourceLive)
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, json.RawMessage(ndjsonLine("cc01", 40)), SourceBulk)
	require.NoError(t, err)
	assert.True(t, res.Promoted)

	events := publisher.GetPublishedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, feed.OpInsert, events[0].Op)
	assert.Equal(t, feed.OpUpdate, events[1].Op)
	assert.Equal(t, record.PartitionConfirmed, events[1].Partition)
}
