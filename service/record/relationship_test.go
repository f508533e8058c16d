package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relRecord(t *testing.T, meta, proof string) *Record {
	t.Helper()
	fields := map[string]json.RawMessage{}
	if meta != "" {
		fields["meta"] = json.RawMessage(meta)
	}
	if proof != "" {
		fields["proof"] = json.RawMessage(proof)
	}
	return &Record{
		ID:     "beef",
		Block:  &BlockRef{Height: 10},
		Fields: fields,
	}
}

func TestRelationship(t *testing.T) {
	t.Run("friend event", func(t *testing.T) {
		rec := relRecord(t, `{"type": "friend", "target": "key-b"}`, `{"address": "addr-a"}`)

		rel, ok := rec.Relationship()
		require.True(t, ok)
		assert.Equal(t, RelationshipFriend, rel.Kind)
		assert.Equal(t, "addr-a", rel.SignerAddress)
		assert.Equal(t, "key-b", rel.TargetKey)
		assert.Equal(t, int64(10), rel.Height)
	})

	t.Run("unfriend event", func(t *testing.T) {
		rec := relRecord(t, `{"type": "unfriend", "target": "key-b"}`, `{"address": "addr-a"}`)

		rel, ok := rec.Relationship()
		require.True(t, ok)
		assert.Equal(t, RelationshipUnfriend, rel.Kind)
	})

	tests := []struct {
		name  string
		meta  string
		proof string
	}{
		{"no meta section", "", `{"address": "a"}`},
		{"unrelated meta type", `{"type": "post", "target": "k"}`, `{"address": "a"}`},
		{"missing target", `{"type": "friend"}`, `{"address": "a"}`},
		{"no proof section", `{"type": "friend", "target": "k"}`, ""},
		{"empty signer address", `{"type": "friend", "target": "k"}`, `{"address": ""}`},
		{"malformed meta", `[1]`, `{"address": "a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := relRecord(t, tt.meta, tt.proof)
			rel, ok := rec.Relationship()
			assert.False(t, ok)
			assert.Nil(t, rel)
		})
	}
}
