package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openrelay/socialfeed/service/feed"
	"github.com/openrelay/socialfeed/service/record"
)

// heartbeatInterval paces the SSE comment sent to idle subscribers so
// they can detect a dead connection.
const heartbeatInterval = 30 * time.Second

// flushQueued writes every envelope still buffered for a terminated
// subscription, without blocking for new ones.
func flushQueued(w io.Writer, ch <-chan feed.Envelope) {
	for {
		select {
		case env := <-ch:
			if data, err := json.Marshal(env); err == nil {
				fmt.Fprintf(w, "data: %s\n\n", string(data))
			}
		default:
			return
		}
	}
}

// handleStreamRecords handles SSE streaming of record changes.
// If the target path parameter is empty, streams inserts across all
// partitions; otherwise streams inserts and updates for that partition.
// GET /api/v1/stream/records/{target}?filter={base64}
func handleStreamRecords(fanout *feed.Fanout, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")

		filter := record.Filter{}
		if raw := r.URL.Query().Get("filter"); raw != "" {
			parsed, err := record.ParseFilterBase64(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			filter = parsed
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub, err := fanout.Subscribe(r.Context(), target, filter)
		if err != nil {
			if record.IsValidationError(err) {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.ErrorContext(r.Context(), "failed to subscribe",
				"target", target,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusInternalServerError)
			return
		}
		defer fanout.Release(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		logger.DebugContext(r.Context(), "SSE client connected",
			"subscription_id", sub.ID,
			"target", target,
			"remote_addr", r.RemoteAddr,
		)

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-heartbeat.C:
				fmt.Fprintf(w, ":heartbeat\n\n")
				flusher.Flush()

			case env := <-sub.C():
				data, err := json.Marshal(env)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal envelope",
						"subscription_id", sub.ID,
						"error", err,
					)
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", string(data))
				flusher.Flush()

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"subscription_id", sub.ID,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-sub.Done():
				// The feed ended; flush anything already queued
				// before closing the stream.
				flushQueued(w, sub.C())
				flusher.Flush()
				return
			}
		}
	})
}
