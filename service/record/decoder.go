package record

import (
	"encoding/json"
	"strings"
	"time"
)

// Decoder turns a raw upstream record into a structured Record.
// Implementations must be pure: no side effects, same output for the
// same input. A rejected input yields a *DecodeError.
type Decoder interface {
	Decode(raw json.RawMessage) (*Record, error)
}

// JSONDecoder decodes the wire format used by the bulk and live
// endpoints: a JSON object with a hex transaction id, an optional block
// reference, and a bag of protocol sections.
type JSONDecoder struct{}

// NewJSONDecoder returns the default wire decoder.
func NewJSONDecoder() *JSONDecoder {
	return &JSONDecoder{}
}

// wireRecord is the upstream representation before normalization.
type wireRecord struct {
	ID        string                     `json:"id"`
	Block     *wireBlock                 `json:"block,omitempty"`
	Timestamp int64                      `json:"timestamp,omitempty"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

type wireBlock struct {
	Height int64 `json:"height"`
	Time   int64 `json:"time"`
}

// Decode implements Decoder.
func (d *JSONDecoder) Decode(raw json.RawMessage) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Err: err}
	}
	if w.ID == "" {
		return nil, &DecodeError{Reason: "missing transaction id"}
	}
	if !isHex(w.ID) {
		return nil, &DecodeError{Reason: "transaction id is not hex: " + w.ID}
	}

	rec := &Record{
		ID:     strings.ToLower(w.ID),
		Fields: w.Fields,
	}
	if rec.Fields == nil {
		rec.Fields = map[string]json.RawMessage{}
	}

	if w.Block != nil {
		if w.Block.Height <= 0 {
			return nil, &DecodeError{Reason: "block reference with non-positive height"}
		}
		rec.Block = &BlockRef{
			Height: w.Block.Height,
			Time:   time.Unix(w.Block.Time, 0).UTC(),
		}
	}

	// Mempool records carry only a wall-clock timestamp. Confirmed
	// records fall back to the block time when the field is absent.
	switch {
	case w.Timestamp > 0:
		rec.Timestamp = time.Unix(w.Timestamp, 0).UTC()
	case rec.Block != nil:
		rec.Timestamp = rec.Block.Time
	default:
		rec.Timestamp = time.Now().UTC()
	}

	return rec, nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}

// ProbeID extracts just the transaction id from a raw record without a
// full decode. The live tail uses this for its pre-enqueue dedup check.
func ProbeID(raw json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", &DecodeError{Reason: "malformed JSON", Err: err}
	}
	if p.ID == "" {
		return "", &DecodeError{Reason: "missing transaction id"}
	}
	return strings.ToLower(p.ID), nil
}
