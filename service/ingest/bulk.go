package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openrelay/socialfeed/service/record"
)

// BulkFetcher fetches a batch of historical records at or above a
// height. The returned stream is newline-delimited JSON, one record per
// line, and must be closed by the caller.
type BulkFetcher interface {
	Fetch(ctx context.Context, filter record.Filter, sinceHeight int64) (io.ReadCloser, error)
}

// BulkClient is the HTTP implementation of BulkFetcher.
type BulkClient struct {
	endpoint string
	httpc    *http.Client
}

// NewBulkClient returns a BulkClient against the given bulk endpoint.
func NewBulkClient(endpoint string) *BulkClient {
	return &BulkClient{
		endpoint: endpoint,
		// Batches can be large; the timeout covers the whole stream.
		httpc: &http.Client{Timeout: 5 * time.Minute},
	}
}

type bulkRequest struct {
	Filter      record.Filter `json:"filter"`
	SinceHeight int64         `json:"sinceHeight"`
}

// Fetch requests every matching record at height >= sinceHeight.
func (c *BulkClient) Fetch(ctx context.Context, filter record.Filter, sinceHeight int64) (io.ReadCloser, error) {
	if filter == nil {
		filter = record.Filter{}
	}
	body, err := json.Marshal(bulkRequest{Filter: filter, SinceHeight: sinceHeight})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bulk request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &record.UpstreamError{Endpoint: c.endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &record.UpstreamError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return resp.Body, nil
}
