package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/socialfeed/service/identity"
	"github.com/openrelay/socialfeed/service/record"
	"github.com/openrelay/socialfeed/service/social"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeIdentities struct {
	byAddress map[string]*identity.Identity
	byKey     map[string]*identity.Identity
	err       error
}

func (f *fakeIdentities) Lookup(ctx context.Context, address string) (*identity.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.byAddress[address]
	if !ok {
		return nil, record.ErrNotFound
	}
	return id, nil
}

func (f *fakeIdentities) Get(ctx context.Context, key string) (*identity.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.byKey[key]
	if !ok {
		return nil, record.ErrNotFound
	}
	return id, nil
}

type fakeRelationships struct {
	records []*record.Record
}

func (f *fakeRelationships) ListRelationshipEvents(ctx context.Context, addresses []string, identityKey string, untilHeight *int64) ([]*record.Record, error) {
	return f.records, nil
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestHandleGetRecordValidation(t *testing.T) {
	handler := handleGetRecord(nil, testLogger())

	tests := []struct {
		name string
		id   string
	}{
		{"non-hex id", "not-hex!"},
		{"too long", fmt.Sprintf("%0129d", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/records/"+tt.id, nil)
			req.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decodeError(t, w))
		})
	}
}

func TestHandleListRecordsValidation(t *testing.T) {
	handler := handleListRecords(nil, testLogger())

	tests := []struct {
		name  string
		query string
	}{
		{"unknown partition", "?partition=mempool"},
		{"limit too large", "?limit=5000"},
		{"limit not a number", "?limit=abc"},
		{"negative offset", "?offset=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/records"+tt.query, nil)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleCountsValidation(t *testing.T) {
	handler := handleCounts(nil, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/counts?bucket=week", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bucket must be hour or day", decodeError(t, w))
}

func TestHandleGetIdentity(t *testing.T) {
	identities := &fakeIdentities{
		byAddress: map[string]*identity.Identity{
			"addr1": {Key: "key-a", Addresses: []string{"addr1"}},
		},
	}
	handler := handleGetIdentity(identities, testLogger())

	t.Run("known address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/addr1", nil)
		req.SetPathValue("address", "addr1")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var got identity.Identity
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "key-a", got.Key)
	})

	t.Run("unknown address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/addr9", nil)
		req.SetPathValue("address", "addr9")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("upstream failure", func(t *testing.T) {
		broken := &fakeIdentities{err: fmt.Errorf("connect refused")}
		h := handleGetIdentity(broken, testLogger())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/addr1", nil)
		req.SetPathValue("address", "addr1")
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("empty address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleGetFriends(t *testing.T) {
	identities := &fakeIdentities{
		byAddress: map[string]*identity.Identity{
			"addr-b": {Key: "key-b", Addresses: []string{"addr-b"}},
		},
		byKey: map[string]*identity.Identity{
			"key-a": {Key: "key-a", Addresses: []string{"addr-a"}},
		},
	}
	resolver := social.NewResolver(&fakeRelationships{}, identities, testLogger())
	handler := handleGetFriends(resolver, testLogger())

	t.Run("known key returns empty graph", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/key-a/friends", nil)
		req.SetPathValue("key", "key-a")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var graph social.Graph
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &graph))
		assert.Empty(t, graph.Friends)
		assert.Empty(t, graph.Incoming)
		assert.Empty(t, graph.Outgoing)
	})

	t.Run("unknown key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/key-z/friends", nil)
		req.SetPathValue("key", "key-z")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad until_height", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/key-a/friends?until_height=-4", nil)
		req.SetPathValue("key", "key-a")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, validateID("deadbeef01"))
	assert.Error(t, validateID(""))
	assert.Error(t, validateID("xyz"))
}
