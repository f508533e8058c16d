// Package identity resolves signing addresses to identities via the
// upstream identity service, with results cached on the shared cache
// table so restarts do not re-resolve the whole history.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/record"
)

// Identity is one resolved identity: a stable key plus all signing
// addresses currently bound to it.
type Identity struct {
	Key       string   `json:"key"`
	Addresses []string `json:"addresses"`
}

// Resolver looks identities up by signing address or by key.
type Resolver interface {
	// Lookup resolves a signing address to its identity. Returns
	// record.ErrNotFound when the upstream knows nothing about the
	// address; that outcome is cached too.
	Lookup(ctx context.Context, address string) (*Identity, error)
	// Get fetches an identity by its key.
	Get(ctx context.Context, key string) (*Identity, error)
}

// Client is the HTTP implementation of Resolver.
type Client struct {
	endpoint string
	httpc    *http.Client
	cache    *db.Cache
	logger   *slog.Logger
}

// NewClient returns a Client against the given identity endpoint. cache
// may be nil, in which case every call goes upstream.
func NewClient(endpoint string, cache *db.Cache, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		cache:    cache,
		logger:   logger,
	}
}

type lookupRequest struct {
	Address string `json:"address"`
}

// Lookup resolves address, consulting the cache first. Negative results
// are cached as NULL so a burst of records from an unknown signer does
// not hammer the upstream.
func (c *Client) Lookup(ctx context.Context, address string) (*Identity, error) {
	key := db.PrefixSigner + address

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		if err == nil {
			if entry.Value == nil {
				return nil, record.ErrNotFound
			}
			var id Identity
			if err := json.Unmarshal(entry.Value, &id); err == nil {
				return &id, nil
			}
			c.logger.Warn("discarding corrupt cached identity", "address", address)
		} else if !errors.Is(err, db.ErrCacheMiss) {
			return nil, err
		}
	}

	id, err := c.lookupUpstream(ctx, address)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) && c.cache != nil {
			if cerr := c.cache.Set(ctx, key, "identity", nil); cerr != nil {
				c.logger.Warn("failed to cache identity miss", "address", address, "error", cerr)
			}
		}
		return nil, err
	}

	if c.cache != nil {
		payload, merr := json.Marshal(id)
		if merr == nil {
			if cerr := c.cache.Set(ctx, key, "identity", payload); cerr != nil {
				c.logger.Warn("failed to cache identity", "address", address, "error", cerr)
			}
		}
	}
	return id, nil
}

func (c *Client) lookupUpstream(ctx context.Context, address string) (*Identity, error) {
	body, err := json.Marshal(lookupRequest{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lookup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &record.UpstreamError{Endpoint: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, record.ErrNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, &record.UpstreamError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, &record.UpstreamError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return &id, nil
}

// Get fetches the identity for key. Keys are stable so responses are
// safe to cache under the same signer prefix.
func (c *Client) Get(ctx context.Context, key string) (*Identity, error) {
	cacheKey := db.PrefixSigner + "key-" + key

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, cacheKey)
		if err == nil && entry.Value != nil {
			var id Identity
			if err := json.Unmarshal(entry.Value, &id); err == nil {
				return &id, nil
			}
		} else if err != nil && !errors.Is(err, db.ErrCacheMiss) {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/identities/"+key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &record.UpstreamError{Endpoint: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, record.ErrNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, &record.UpstreamError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, &record.UpstreamError{
			Endpoint: c.endpoint,
			Err:      fmt.Errorf("failed to decode response: %w", err),
		}
	}

	if c.cache != nil {
		if payload, merr := json.Marshal(&id); merr == nil {
			if cerr := c.cache.Set(ctx, cacheKey, "identity", payload); cerr != nil {
				c.logger.Warn("failed to cache identity", "key", key, "error", cerr)
			}
		}
	}
	return &id, nil
}
