package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openrelay/socialfeed/service/record"
)

// ErrCacheMiss is returned when a cache key has never been set. It is
// distinct from a stored null value, which Get reports as an entry with
// a nil Value.
var ErrCacheMiss = errors.New("cache: entry not found")

// Cache key prefixes partition the key-value namespace by purpose.
const (
	PrefixIngest = "ingest-" // processed-transaction markers
	PrefixSigner = "signer-" // memoized identity lookups
	PrefixCounts = "counts-" // memoized aggregate count series
)

// Entry is a tagged cache payload. Value is nil when the cached
// computation produced "empty" (for example an identity lookup that
// confirmed the address is unknown).
type Entry struct {
	Key   string          `json:"key"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Cache is the dedup/memoization layer backed by the cache_entries
// table, with an in-memory bloom filter in front of the ingest markers.
// The bloom filter only ever short-circuits negative lookups; a positive
// test is confirmed against the table, so false positives cost a query
// and never change the answer.
type Cache struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu       sync.Mutex
	ingested *bloom.BloomFilter
}

// expectedIngestMarks sizes the bloom filter; at 1% false positives this
// keeps the filter around 1.2MB.
const expectedIngestMarks = 1_000_000

// NewCache creates a Cache on the given pool.
func NewCache(pool *pgxpool.Pool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		pool:     pool,
		logger:   logger,
		ingested: bloom.NewWithEstimates(expectedIngestMarks, 0.01),
	}
}

// WarmIngestMarks loads existing ingest markers into the bloom filter.
// Called once at boot so dedup survives restarts.
func (c *Cache) WarmIngestMarks(ctx context.Context) error {
	rows, err := c.pool.Query(ctx, "SELECT key FROM cache_entries WHERE key LIKE $1", PrefixIngest+"%")
	if err != nil {
		return fmt.Errorf("load ingest marks: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan ingest mark: %w", err)
		}
		c.ingested.AddString(key)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.logger.Info("warmed ingest marks", "count", n)
	return nil
}

// Get retrieves a cache entry. Returns ErrCacheMiss when the key was
// never set; a stored null comes back as an Entry with nil Value.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	entry := Entry{Key: key}
	var value *[]byte
	err := c.pool.QueryRow(ctx, "SELECT type, value FROM cache_entries WHERE key = $1", key).
		Scan(&entry.Type, &value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	if value != nil {
		entry.Value = json.RawMessage(*value)
	}
	return &entry, nil
}

// Set stores a tagged value under key, replacing any previous entry.
// A nil value is stored as SQL NULL ("computed and empty").
func (c *Cache) Set(ctx context.Context, key, typ string, value json.RawMessage) error {
	var v any
	if value != nil {
		v = []byte(value)
	}
	_, err := c.pool.Exec(ctx,
		"INSERT INTO cache_entries (key, type, value) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET type = EXCLUDED.type, value = EXCLUDED.value",
		key, typ, v)
	if err != nil {
		return &record.PersistenceError{Op: "cache set " + key, Err: err}
	}
	return nil
}

// Delete removes a single cache entry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, "DELETE FROM cache_entries WHERE key = $1", key); err != nil {
		return &record.PersistenceError{Op: "cache delete " + key, Err: err}
	}
	return nil
}

// DeletePrefix invalidates every entry under a purpose prefix. Used when
// ingest mutates data that memoized aggregates were computed from.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := c.pool.Exec(ctx, "DELETE FROM cache_entries WHERE key LIKE $1", prefix+"%"); err != nil {
		return &record.PersistenceError{Op: "cache delete prefix " + prefix, Err: err}
	}
	return nil
}

// WasIngested reports whether an ingest attempt was already recorded for
// the transaction id. This is an optimization, not a correctness
// guarantee: the store upsert stays idempotent regardless.
func (c *Cache) WasIngested(ctx context.Context, id string) (bool, error) {
	key := PrefixIngest + id

	c.mu.Lock()
	maybe := c.ingested.TestString(key)
	c.mu.Unlock()
	if !maybe {
		return false, nil
	}

	_, err := c.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkIngested records an ingest attempt for the transaction id.
// Marking before the store write succeeds is acceptable; see WasIngested.
// Markers carry no expiry: the upsert is the correctness backstop and the
// markers double as an ingest audit trail.
func (c *Cache) MarkIngested(ctx context.Context, id string) error {
	key := PrefixIngest + id
	if err := c.Set(ctx, key, "ingest", json.RawMessage(`true`)); err != nil {
		return err
	}
	c.mu.Lock()
	c.ingested.AddString(key)
	c.mu.Unlock()
	return nil
}
