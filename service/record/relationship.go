package record

import "encoding/json"

// RelationshipKind classifies a relationship event.
type RelationshipKind string

const (
	RelationshipFriend   RelationshipKind = "friend"
	RelationshipUnfriend RelationshipKind = "unfriend"
)

// RelationshipEvent is the narrow typed view of a record whose protocol
// sections express a directed friend/unfriend assertion. The requestor is
// identified only by signing address; resolving that address to an
// identity is the caller's concern.
type RelationshipEvent struct {
	Kind          RelationshipKind
	SignerAddress string
	TargetKey     string
	Height        int64
}

// metaSection is the decoder-owned section carrying the event type and
// the identity key it targets.
type metaSection struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// proofSection carries the signature proof, of which only the signing
// address matters here.
type proofSection struct {
	Address string `json:"address"`
}

// Relationship returns the relationship view of the record, or false if
// the record is not a relationship event. Malformed sections are treated
// as "not a relationship event" rather than errors; the rest of the
// payload stays opaque.
func (r *Record) Relationship() (*RelationshipEvent, bool) {
	rawMeta, ok := r.Fields["meta"]
	if !ok {
		return nil, false
	}
	var meta metaSection
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, false
	}

	kind := RelationshipKind(meta.Type)
	if kind != RelationshipFriend && kind != RelationshipUnfriend {
		return nil, false
	}
	if meta.Target == "" {
		return nil, false
	}

	rawProof, ok := r.Fields["proof"]
	if !ok {
		return nil, false
	}
	var proof proofSection
	if err := json.Unmarshal(rawProof, &proof); err != nil || proof.Address == "" {
		return nil, false
	}

	return &RelationshipEvent{
		Kind:          kind,
		SignerAddress: proof.Address,
		TargetKey:     meta.Target,
		Height:        r.Height(),
	}, true
}
