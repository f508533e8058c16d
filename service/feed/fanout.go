package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"

	"github.com/openrelay/socialfeed/service/metrics"
	"github.com/openrelay/socialfeed/service/record"
)

// TargetAll subscribes to every partition. Wildcard subscriptions only
// surface insert mutations; single-target subscriptions surface inserts
// and updates. Downstream clients depend on this asymmetry, so it is
// preserved deliberately.
const TargetAll = ""

// subscriberBuffer is the per-subscriber outbound buffer. When a slow
// subscriber fills it, events for that subscriber are dropped rather
// than applying back-pressure to the change bus.
const subscriberBuffer = 256

// Fanout multiplexes store change events to any number of independent
// subscriber sessions, each with its own filter.
type Fanout struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
	entropy *ulid.MonotonicEntropy
	mu      sync.Mutex
}

// NewFanout connects to NATS and returns a Fanout ready to serve
// subscriptions. metrics may be nil.
func NewFanout(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*Fanout, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("socialfeed-fanout"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("fan-out initialized", "nats_url", natsURL)

	return &Fanout{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: m,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Close closes the NATS connection. Individual subscriptions are torn
// down by their owners.
func (f *Fanout) Close() error {
	if f.nc != nil {
		f.nc.Close()
		f.logger.Info("fan-out closed")
	}
	return nil
}

// Subscription is one subscriber session. It is in-memory only and owned
// by its creator: Close must be called when the transport goes away.
type Subscription struct {
	ID     string
	Target string

	ch     chan Envelope
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	stop      func()
}

// C returns the subscriber's event channel. The first envelope is always
// the "open" event.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Done is closed when the underlying feed has terminated, whether by
// Close or by a feed error. Errors never propagate to other
// subscriptions of the same target.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close synchronously releases the subscription's consumer and timers.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.stop != nil {
			s.stop()
		}
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	})
}

func (f *Fanout) nextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), f.entropy).String()
}

// subjectForTarget maps a target selector to a consumer filter subject.
// Wildcard mode sees inserts only; single-target mode sees inserts and
// updates.
func subjectForTarget(target string) (string, error) {
	if target == TargetAll {
		return "records.*." + string(OpInsert), nil
	}
	if !record.Partition(target).Valid() {
		return "", &record.ValidationError{Field: "target", Reason: "unknown partition: " + target}
	}
	return "records." + target + ".*", nil
}

// Subscribe opens a new subscriber session for the given target selector
// and filter. The caller owns the returned Subscription and must Close
// it when the transport closes or errors.
func (f *Fanout) Subscribe(ctx context.Context, target string, filter record.Filter) (*Subscription, error) {
	subject, err := subjectForTarget(target)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:     f.nextID(),
		Target: target,
		ch:     make(chan Envelope, subscriberBuffer),
		done:   make(chan struct{}),
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel

	cons, err := f.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          "sub-" + sub.ID,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		// Ephemeral: reclaimed shortly after the session goes away.
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		f.deliver(sub, filter, msg)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	sub.stop = cc.Stop

	// Release the consumer if the subscription outlives the caller's
	// context without an explicit Close.
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-subCtx.Done():
		}
	}()

	// The open event is the first thing every subscriber sees.
	sub.ch <- Envelope{Type: EnvelopeOpen, Data: []*record.Record{}}

	if f.metrics != nil {
		f.metrics.SubscriberConnected(target)
	}
	f.logger.Debug("subscription opened",
		"subscription_id", sub.ID,
		"target", target,
		"subject", subject,
		"filter_terms", len(filter),
	)

	return sub, nil
}

// Release records the end of a session for bookkeeping. Called by the
// transport layer after Close.
func (f *Fanout) Release(sub *Subscription) {
	sub.Close()
	if f.metrics != nil {
		f.metrics.SubscriberDisconnected(sub.Target)
	}
	f.logger.Debug("subscription released", "subscription_id", sub.ID)
}

// changeMsg is the slice of jetstream.Msg that deliver needs.
type changeMsg interface {
	Data() []byte
	Ack() error
}

// deliver translates one raw change event into the subscriber envelope,
// applying the session's filter. A subscriber whose buffer is full loses
// the event; one slow subscriber must never stall ingestion or other
// subscribers.
func (f *Fanout) deliver(sub *Subscription, filter record.Filter, msg changeMsg) {
	defer msg.Ack()

	var event ChangeEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		f.logger.Warn("failed to unmarshal change event",
			"subscription_id", sub.ID,
			"error", err,
		)
		return
	}
	if event.Record == nil {
		return
	}

	if !filter.MatchesRecord(event.Record) {
		return
	}

	envType := EnvelopePush
	if sub.Target != TargetAll {
		envType = string(event.Partition)
	}

	env := Envelope{Type: envType, Data: []*record.Record{event.Record}}
	select {
	case sub.ch <- env:
		if f.metrics != nil {
			f.metrics.RecordFanoutEventSent(sub.Target)
		}
	case <-sub.done:
	default:
		if f.metrics != nil {
			f.metrics.RecordFanoutEventDropped(sub.Target)
		}
		f.logger.Warn("subscriber buffer full, dropping event",
			"subscription_id", sub.ID,
			"id", event.Record.ID,
		)
	}
}
