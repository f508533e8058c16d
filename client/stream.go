package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openrelay/socialfeed/service/feed"
	"github.com/openrelay/socialfeed/service/record"
)

// Subscribe opens a streaming subscription for record changes. target
// is a partition name or empty for all partitions; filter may be nil.
// Envelopes are delivered on the returned channel until ctx is canceled
// or the stream ends, after which the channel is closed. The first
// envelope is always the "open" event.
func (c *Client) Subscribe(ctx context.Context, target string, filter record.Filter) (<-chan feed.Envelope, error) {
	u := c.baseURL + "/api/v1/stream/records"
	if target != "" {
		u += "/" + url.PathEscape(target)
	}
	if len(filter) > 0 {
		encoded, err := filter.Encode()
		if err != nil {
			return nil, err
		}
		u += "?filter=" + url.QueryEscape(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Bypass the configured client: its timeout would kill the stream.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseErrorResponse(resp)
	}

	ch := make(chan feed.Envelope)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var env feed.Envelope
				if err := json.Unmarshal([]byte(data.String()), &env); err != nil {
					c.logger.Warn("skipping unparsable envelope", "error", err)
				} else {
					select {
					case ch <- env:
					case <-ctx.Done():
						return
					}
				}
				data.Reset()
			case strings.HasPrefix(line, ":"):
				// Heartbeat comment.
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(line[len("data:"):]))
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("stream closed with error", "error", err)
		}
	}()

	return ch, nil
}
