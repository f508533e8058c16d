package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openrelay/socialfeed/service/record"
)

//go:embed schema.sql
var schemaSQL string

// Store provides database operations for the service. Records are keyed
// by transaction id across both partitions; upserts are idempotent with
// partition-promotion semantics (an unconfirmed row may be replaced by a
// confirmed one, never the reverse).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the schema. It is idempotent and runs on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool for components that share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// UpsertResult describes the outcome of an idempotent record write.
type UpsertResult struct {
	Record   *record.Record
	Inserted bool // first time this id was stored
	Promoted bool // an unconfirmed row was replaced by a confirmed one
	Changed  bool // a row was actually written (false for refused downgrades)
}

const upsertRecordSQL = `
WITH existing AS (
    SELECT part FROM records WHERE id = $1
)
INSERT INTO records (id, part, block_height, block_time, ts, fields)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    part = EXCLUDED.part,
    block_height = EXCLUDED.block_height,
    block_time = EXCLUDED.block_time,
    fields = EXCLUDED.fields,
    updated_at = NOW()
WHERE NOT (records.part = 'confirmed' AND EXCLUDED.part = 'unconfirmed')
RETURNING id, part, block_height, block_time, ts, fields, created_at, updated_at,
    (xmax = 0) AS inserted,
    (SELECT part FROM existing) AS prev_part
`

// UpsertRecord writes a decoded record, keyed by id. Writing an
// already-confirmed id with an unconfirmed payload is a no-op; writing a
// previously-unconfirmed id that now carries a block reference replaces
// the row in place. The record's timestamp column is set on first insert
// only.
func (s *Store) UpsertRecord(ctx context.Context, rec *record.Record) (*UpsertResult, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, &record.DecodeError{Reason: "unmarshalable fields", Err: err}
	}

	var blockHeight *int64
	var blockTime *time.Time
	if rec.Block != nil {
		blockHeight = &rec.Block.Height
		blockTime = &rec.Block.Time
	}

	row := s.pool.QueryRow(ctx, upsertRecordSQL,
		rec.ID, string(rec.Partition()), blockHeight, blockTime, rec.Timestamp, fields)

	stored, inserted, prevPart, err := scanRecordWithMeta(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict guard refused a confirmed -> unconfirmed downgrade.
		existing, getErr := s.GetRecord(ctx, rec.ID)
		if getErr != nil {
			return nil, &record.PersistenceError{Op: "upsert record", Err: getErr}
		}
		return &UpsertResult{Record: existing}, nil
	}
	if err != nil {
		return nil, &record.PersistenceError{Op: "upsert record", Err: err}
	}

	return &UpsertResult{
		Record:   stored,
		Inserted: inserted,
		Promoted: prevPart != nil && *prevPart == string(record.PartitionUnconfirmed) && stored.Confirmed(),
		Changed:  true,
	}, nil
}

const selectRecordSQL = `
SELECT id, part, block_height, block_time, ts, fields, created_at, updated_at
FROM records
`

// GetRecord retrieves a record by transaction id, whichever partition it
// is in. Returns record.ErrNotFound if the id is unknown.
func (s *Store) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, selectRecordSQL+"WHERE id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListRecordsParams narrows a record listing.
type ListRecordsParams struct {
	Partition record.Partition // empty means both partitions
	Address   string           // match against the proof section's signing address
	Limit     int32
	Offset    int32
}

// ListRecords retrieves records with unconfirmed entries first, then by
// descending block height.
func (s *Store) ListRecords(ctx context.Context, params ListRecordsParams) ([]*record.Record, error) {
	query := selectRecordSQL + `
WHERE ($1 = '' OR part = $1)
  AND ($2 = '' OR fields->'proof'->>'address' = $2)
ORDER BY part DESC, block_height DESC NULLS FIRST, ts DESC
LIMIT $3 OFFSET $4`

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, string(params.Partition), params.Address, limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListRelationshipEvents retrieves confirmed friend/unfriend records
// where the signing address belongs to the given address set or the
// event targets the given identity key, ordered by ascending height.
// untilHeight, when non-nil, bounds the fold point.
func (s *Store) ListRelationshipEvents(ctx context.Context, addresses []string, identityKey string, untilHeight *int64) ([]*record.Record, error) {
	query := selectRecordSQL + `
WHERE part = 'confirmed'
  AND fields->'meta'->>'type' IN ('friend', 'unfriend')
  AND (fields->'proof'->>'address' = ANY($1) OR fields->'meta'->>'target' = $2)
  AND ($3::BIGINT IS NULL OR block_height <= $3)
ORDER BY block_height ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, addresses, identityKey, untilHeight)
	if err != nil {
		return nil, fmt.Errorf("list relationship events: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// BucketCount is one time bucket in an aggregate count series.
type BucketCount struct {
	Bucket time.Time `json:"bucket"`
	Count  int64     `json:"count"`
}

// CountRecordsByBucket aggregates record counts per time bucket.
// bucket must be "hour" or "day"; the caller validates it.
func (s *Store) CountRecordsByBucket(ctx context.Context, bucket string) ([]BucketCount, error) {
	query := `
SELECT date_trunc($1, COALESCE(block_time, ts)) AS bucket, COUNT(*) AS n
FROM records
GROUP BY 1
ORDER BY 1`

	rows, err := s.pool.Query(ctx, query, bucket)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	var out []BucketCount
	for rows.Next() {
		var bc BucketCount
		if err := rows.Scan(&bc.Bucket, &bc.Count); err != nil {
			return nil, fmt.Errorf("scan bucket count: %w", err)
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

// GetCursor returns the highest fully-crawled block height. The row is
// created at 0 by the schema and never deleted.
func (s *Store) GetCursor(ctx context.Context) (int64, error) {
	var height int64
	err := s.pool.QueryRow(ctx, "SELECT height FROM ingest_cursor WHERE id = 1").Scan(&height)
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return height, nil
}

// SetCursor advances the crawl watermark. Called only after a batch has
// fully drained.
func (s *Store) SetCursor(ctx context.Context, height int64) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO ingest_cursor (id, height) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET height = EXCLUDED.height",
		height)
	if err != nil {
		return &record.PersistenceError{Op: "set cursor", Err: err}
	}
	return nil
}

// GetResumeToken returns the persisted live-tail resume token, or
// record.ErrNotFound when no token has been stored yet.
func (s *Store) GetResumeToken(ctx context.Context) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, "SELECT token FROM resume_token WHERE id = 1").Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", record.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get resume token: %w", err)
	}
	return token, nil
}

// SetResumeToken persists the last acknowledged live event id. This runs
// before the event payload is processed so a crash resumes at-or-before
// the lost event.
func (s *Store) SetResumeToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO resume_token (id, token) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()",
		token)
	if err != nil {
		return &record.PersistenceError{Op: "set resume token", Err: err}
	}
	return nil
}

// ClearResumeToken deletes the resume token. Used only for explicit
// resynchronization after a fatal stream error.
func (s *Store) ClearResumeToken(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM resume_token WHERE id = 1"); err != nil {
		return &record.PersistenceError{Op: "clear resume token", Err: err}
	}
	return nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	rec, _, _, err := scanRecordRow(row, false)
	return rec, err
}

func scanRecordWithMeta(row rowScanner) (*record.Record, bool, *string, error) {
	return scanRecordRow(row, true)
}

func scanRecordRow(row rowScanner, withMeta bool) (*record.Record, bool, *string, error) {
	var (
		rec         record.Record
		part        string
		blockHeight *int64
		blockTime   *time.Time
		fields      []byte
		inserted    bool
		prevPart    *string
	)

	dest := []any{&rec.ID, &part, &blockHeight, &blockTime, &rec.Timestamp, &fields, &rec.CreatedAt, &rec.UpdatedAt}
	if withMeta {
		dest = append(dest, &inserted, &prevPart)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, false, nil, err
	}

	if part == string(record.PartitionConfirmed) && blockHeight != nil {
		var bt time.Time
		if blockTime != nil {
			bt = *blockTime
		}
		rec.Block = &record.BlockRef{Height: *blockHeight, Time: bt}
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, false, nil, fmt.Errorf("unmarshal fields: %w", err)
	}

	return &rec, inserted, prevPart, nil
}

func collectRecords(rows pgx.Rows) ([]*record.Record, error) {
	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
