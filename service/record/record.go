package record

import (
	"encoding/json"
	"time"
)

// Partition identifies which logical partition a record lives in.
// Records with a block reference are confirmed; everything else is
// still in the mempool.
type Partition string

const (
	PartitionConfirmed   Partition = "confirmed"
	PartitionUnconfirmed Partition = "unconfirmed"
)

// Valid reports whether p names a known partition.
func (p Partition) Valid() bool {
	return p == PartitionConfirmed || p == PartitionUnconfirmed
}

// BlockRef locates a record inside a finalized block.
type BlockRef struct {
	Height int64     `json:"height"`
	Time   time.Time `json:"time"`
}

// Record is the canonical decoded transaction unit. The Fields map holds
// the decoder's protocol sections and is treated as opaque except for the
// narrow relationship view in relationship.go.
type Record struct {
	ID        string                     `json:"id"`
	Block     *BlockRef                  `json:"block,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
	Fields    map[string]json.RawMessage `json:"fields"`
	CreatedAt time.Time                  `json:"created_at,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at,omitempty"`
}

// Confirmed reports whether the record has been included in a block.
func (r *Record) Confirmed() bool {
	return r.Block != nil
}

// Partition returns the logical partition the record belongs to.
func (r *Record) Partition() Partition {
	if r.Confirmed() {
		return PartitionConfirmed
	}
	return PartitionUnconfirmed
}

// Height returns the block height, or 0 for unconfirmed records.
func (r *Record) Height() int64 {
	if r.Block == nil {
		return 0
	}
	return r.Block.Height
}

// ContentRefs extracts any external content references embedded in the
// record's "content" section. Missing or malformed sections yield nil;
// content fetching is always best-effort.
func (r *Record) ContentRefs() []string {
	raw, ok := r.Fields["content"]
	if !ok {
		return nil
	}
	var section struct {
		URLs []string `json:"urls"`
	}
	if err := json.Unmarshal(raw, &section); err != nil {
		return nil
	}
	return section.URLs
}

// Doc returns a generic map view of the record for filter matching.
// The view is produced through a JSON round trip so path semantics match
// what subscribers see on the wire.
func (r *Record) Doc() (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
