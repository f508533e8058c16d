package feed

import (
	"fmt"
	"time"

	"github.com/openrelay/socialfeed/service/record"
)

const (
	// StreamName is the name of the JetStream stream carrying store
	// change events.
	StreamName = "RECORDS"

	// StreamSubjects is the subject pattern for the stream. Subjects are
	// records.<partition>.<op>.
	StreamSubjects = "records.>"

	// StreamRetention is how long change events are retained.
	StreamRetention = 24 * time.Hour
)

// Op is the kind of store mutation a change event describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// ChangeEvent is one store mutation published to the change bus.
type ChangeEvent struct {
	Partition   record.Partition `json:"partition"`
	Op          Op               `json:"op"`
	Record      *record.Record   `json:"record"`
	PublishedAt time.Time        `json:"published_at"`
}

// Subject returns the JetStream subject for the event.
func (e *ChangeEvent) Subject() string {
	return fmt.Sprintf("records.%s.%s", e.Partition, e.Op)
}

// Envelope is the subscriber-facing message format. Type is "open" once
// at subscription start, the target partition name for single-target
// subscriptions, or "push" for wildcard subscriptions.
type Envelope struct {
	Type string           `json:"type"`
	Data []*record.Record `json:"data"`
}

// EnvelopeOpen is the type of the initial subscription event.
const EnvelopeOpen = "open"

// EnvelopePush is the type carried by wildcard-mode data events.
const EnvelopePush = "push"
