// Package client is the Go client for the socialfeed HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/identity"
	"github.com/openrelay/socialfeed/service/record"
	"github.com/openrelay/socialfeed/service/social"
)

// Client is the HTTP client for the socialfeed record service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new record service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetRecord retrieves a single record by id.
func (c *Client) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	u := fmt.Sprintf("%s/api/v1/records/%s", c.baseURL, url.PathEscape(id))
	var rec record.Record
	if err := c.getJSON(ctx, u, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecordsOptions narrows a record listing.
type ListRecordsOptions struct {
	Partition string
	Address   string
	Limit     int
	Offset    int
}

// ListRecords retrieves records, unconfirmed first.
func (c *Client) ListRecords(ctx context.Context, opts ListRecordsOptions) ([]*record.Record, error) {
	q := url.Values{}
	if opts.Partition != "" {
		q.Set("partition", opts.Partition)
	}
	if opts.Address != "" {
		q.Set("address", opts.Address)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}

	u := c.baseURL + "/api/v1/records"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var out struct {
		Records []*record.Record `json:"records"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Counts retrieves aggregate record counts per time bucket. bucket is
// "hour" or "day"; empty defaults to "day".
func (c *Client) Counts(ctx context.Context, bucket string) ([]db.BucketCount, error) {
	u := c.baseURL + "/api/v1/counts"
	if bucket != "" {
		u += "?bucket=" + url.QueryEscape(bucket)
	}

	var out struct {
		Counts []db.BucketCount `json:"counts"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Counts, nil
}

// LookupIdentity resolves a signing address to an identity.
func (c *Client) LookupIdentity(ctx context.Context, address string) (*identity.Identity, error) {
	u := fmt.Sprintf("%s/api/v1/identities/%s", c.baseURL, url.PathEscape(address))
	var id identity.Identity
	if err := c.getJSON(ctx, u, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// Friends retrieves the resolved friend graph for an identity key.
func (c *Client) Friends(ctx context.Context, key string) (*social.Graph, error) {
	u := fmt.Sprintf("%s/api/v1/identities/%s/friends", c.baseURL, url.PathEscape(key))
	var g social.Graph
	if err := c.getJSON(ctx, u, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
