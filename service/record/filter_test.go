package record

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	t.Run("valid flat object", func(t *testing.T) {
		f, err := ParseFilter([]byte(`{"fields.meta.type": "friend", "block.height": 42, "x": true, "y": null}`))
		require.NoError(t, err)
		assert.Len(t, f, 4)
	})

	t.Run("empty input matches everything", func(t *testing.T) {
		f, err := ParseFilter(nil)
		require.NoError(t, err)
		assert.Empty(t, f)
	})

	tests := []struct {
		name string
		raw  string
	}{
		{"not an object", `["a"]`},
		{"nested object value", `{"k": {"nested": 1}}`},
		{"array value", `{"k": [1, 2]}`},
		{"empty key", `{"": "v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilter([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestParseFilterBase64(t *testing.T) {
	t.Run("url encoding", func(t *testing.T) {
		enc := base64.URLEncoding.EncodeToString([]byte(`{"a": "b"}`))
		f, err := ParseFilterBase64(enc)
		require.NoError(t, err)
		assert.Equal(t, "b", f["a"])
	})

	t.Run("std encoding accepted", func(t *testing.T) {
		enc := base64.StdEncoding.EncodeToString([]byte(`{"a": "b"}`))
		f, err := ParseFilterBase64(enc)
		require.NoError(t, err)
		assert.Equal(t, "b", f["a"])
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := ParseFilterBase64("!!!not-base64!!!")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("empty yields empty filter", func(t *testing.T) {
		f, err := ParseFilterBase64("")
		require.NoError(t, err)
		assert.Empty(t, f)
	})
}

func TestFilterRoundTrip(t *testing.T) {
	f := Filter{"fields.meta.type": "friend"}
	enc, err := f.Encode()
	require.NoError(t, err)

	back, err := ParseFilterBase64(enc)
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestFilterMatches(t *testing.T) {
	rec := &Record{
		ID:        "beef",
		Block:     &BlockRef{Height: 42, Time: time.Unix(1700000000, 0).UTC()},
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Fields: map[string]json.RawMessage{
			"meta": json.RawMessage(`{"type": "friend", "target": "k1"}`),
		},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"matching string path", Filter{"fields.meta.type": "friend"}, true},
		{"matching number path", Filter{"block.height": float64(42)}, true},
		{"conjunction all match", Filter{"fields.meta.type": "friend", "id": "beef"}, true},
		{"conjunction one misses", Filter{"fields.meta.type": "friend", "id": "other"}, false},
		{"wrong value", Filter{"fields.meta.type": "unfriend"}, false},
		{"missing path", Filter{"fields.absent.deep": "x"}, false},
		{"path through scalar", Filter{"id.deeper": "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.MatchesRecord(rec))
		})
	}
}
