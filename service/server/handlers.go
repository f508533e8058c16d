package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/identity"
	"github.com/openrelay/socialfeed/service/record"
	"github.com/openrelay/socialfeed/service/social"
)

const (
	maxIDLength      = 128
	maxAddressLength = 128
	maxListLimit     = 1000
)

var validIDRegex = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// handleGetRecord returns a handler that retrieves a single record.
// GET /api/v1/records/{id}
func handleGetRecord(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID(id); err != nil {
			logger.Debug("invalid record id", "id", id, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		rec, err := store.GetRecord(r.Context(), id)
		if errors.Is(err, record.ErrNotFound) {
			writeError(w, "record not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get record", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, rec, http.StatusOK)
	})
}

// handleListRecords returns a handler that lists records.
// GET /api/v1/records?partition={partition}&address={address}&limit={n}&offset={n}
func handleListRecords(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params := db.ListRecordsParams{}

		if p := r.URL.Query().Get("partition"); p != "" {
			part := record.Partition(p)
			if !part.Valid() {
				writeError(w, "unknown partition: "+p, http.StatusBadRequest)
				return
			}
			params.Partition = part
		}

		if addr := r.URL.Query().Get("address"); addr != "" {
			if len(addr) > maxAddressLength {
				writeError(w, "address too long", http.StatusBadRequest)
				return
			}
			params.Address = addr
		}

		limit, err := parseIntParam(r, "limit", 100)
		if err != nil || limit < 1 || limit > maxListLimit {
			writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), http.StatusBadRequest)
			return
		}
		params.Limit = int32(limit)

		offset, err := parseIntParam(r, "offset", 0)
		if err != nil || offset < 0 {
			writeError(w, "offset must be non-negative", http.StatusBadRequest)
			return
		}
		params.Offset = int32(offset)

		recs, err := store.ListRecords(r.Context(), params)
		if err != nil {
			logger.Error("failed to list records", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []*record.Record{}
		}

		writeJSON(w, map[string]any{"records": recs}, http.StatusOK)
	})
}

// handleCounts returns a handler that serves aggregate record counts
// per time bucket. Results are cached until the next ingest
// invalidates them.
// GET /api/v1/counts?bucket={hour|day}
func handleCounts(store *db.Store, cache *db.Cache, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket := r.URL.Query().Get("bucket")
		if bucket == "" {
			bucket = "day"
		}
		if bucket != "hour" && bucket != "day" {
			writeError(w, "bucket must be hour or day", http.StatusBadRequest)
			return
		}

		cacheKey := db.PrefixCounts + bucket
		if cache != nil {
			entry, err := cache.Get(r.Context(), cacheKey)
			if err == nil && entry.Value != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				w.Write(entry.Value)
				return
			}
			if err != nil && !errors.Is(err, db.ErrCacheMiss) {
				logger.Warn("count cache lookup failed", "error", err)
			}
		}

		counts, err := store.CountRecordsByBucket(r.Context(), bucket)
		if err != nil {
			logger.Error("failed to count records", "bucket", bucket, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if counts == nil {
			counts = []db.BucketCount{}
		}

		payload, err := json.Marshal(map[string]any{"bucket": bucket, "counts": counts})
		if err != nil {
			logger.Error("failed to marshal counts", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		if cache != nil {
			if err := cache.Set(r.Context(), cacheKey, "counts", payload); err != nil {
				logger.Warn("failed to cache counts", "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	})
}

// handleGetIdentity returns a handler that resolves a signing address.
// GET /api/v1/identities/{address}
func handleGetIdentity(identities identity.Resolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if address == "" || len(address) > maxAddressLength {
			writeError(w, "invalid address", http.StatusBadRequest)
			return
		}

		id, err := identities.Lookup(r.Context(), address)
		if errors.Is(err, record.ErrNotFound) {
			writeError(w, "identity not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("identity lookup failed", "address", address, "error", err)
			writeError(w, "upstream unavailable", http.StatusBadGateway)
			return
		}

		writeJSON(w, id, http.StatusOK)
	})
}

// handleGetFriends returns a handler that resolves the friend graph for
// an identity key.
// GET /api/v1/identities/{key}/friends?until_height={n}
func handleGetFriends(resolver *social.Resolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if key == "" || len(key) > maxAddressLength {
			writeError(w, "invalid identity key", http.StatusBadRequest)
			return
		}

		var untilHeight *int64
		if raw := r.URL.Query().Get("until_height"); raw != "" {
			h, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || h < 0 {
				writeError(w, "until_height must be a non-negative integer", http.StatusBadRequest)
				return
			}
			untilHeight = &h
		}

		graph, err := resolver.ResolveAt(r.Context(), key, untilHeight)
		if errors.Is(err, record.ErrNotFound) {
			writeError(w, "identity not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to resolve friend graph", "key", key, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, graph, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateID validates a record id path parameter.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("id too long: maximum length is %d characters", maxIDLength)
	}
	if !validIDRegex.MatchString(id) {
		return fmt.Errorf("id must be hexadecimal")
	}
	return nil
}

// parseIntParam parses an integer query parameter with a default.
func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
