// Package social computes friend-graph state from the relationship
// events in the store. Edges are never stored; every query folds the
// raw event history, so the result always reflects the latest ingested
// state.
package social

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/openrelay/socialfeed/service/identity"
	"github.com/openrelay/socialfeed/service/record"
)

// RelationshipSource lists stored relationship events touching an
// identity, ascending by block height.
type RelationshipSource interface {
	ListRelationshipEvents(ctx context.Context, addresses []string, identityKey string, untilHeight *int64) ([]*record.Record, error)
}

// Graph is the resolved relationship state for one identity. The three
// lists are disjoint sets of counterpart identity keys.
type Graph struct {
	Friends  []string `json:"friends"`
	Incoming []string `json:"incoming"`
	Outgoing []string `json:"outgoing"`
}

// Resolver folds relationship events into per-counterpart edge state.
type Resolver struct {
	source     RelationshipSource
	identities identity.Resolver
	logger     *slog.Logger
}

// NewResolver wires a Resolver.
func NewResolver(source RelationshipSource, identities identity.Resolver, logger *slog.Logger) *Resolver {
	return &Resolver{
		source:     source,
		identities: identities,
		logger:     logger,
	}
}

// Resolve computes the current graph for the identity with the given
// key.
func (r *Resolver) Resolve(ctx context.Context, key string) (*Graph, error) {
	return r.ResolveAt(ctx, key, nil)
}

// ResolveAt computes the graph as of untilHeight (inclusive). A nil
// untilHeight means the full history.
func (r *Resolver) ResolveAt(ctx context.Context, key string, untilHeight *int64) (*Graph, error) {
	self, err := r.identities.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	recs, err := r.source.ListRelationshipEvents(ctx, self.Addresses, self.Key, untilHeight)
	if err != nil {
		return nil, err
	}

	events := make([]foldEvent, 0, len(recs))
	for _, rec := range recs {
		rel, ok := rec.Relationship()
		if !ok {
			continue
		}
		signer, err := r.identities.Lookup(ctx, rel.SignerAddress)
		if err != nil {
			// An unresolvable signer excludes this one event, never
			// the whole computation.
			if !errors.Is(err, record.ErrNotFound) {
				r.logger.Warn("identity lookup failed, excluding event",
					"id", rec.ID,
					"address", rel.SignerAddress,
					"error", err,
				)
			}
			continue
		}

		counterpart := rel.TargetKey
		if signer.Key != self.Key {
			// Authored by the counterpart; only events naming us are
			// relevant from that direction.
			if rel.TargetKey != self.Key {
				continue
			}
			counterpart = signer.Key
		} else if counterpart == self.Key {
			continue
		}

		events = append(events, foldEvent{
			Kind:        rel.Kind,
			Counterpart: counterpart,
			FromMe:      signer.Key == self.Key,
			Height:      rel.Height,
		})
	}

	return fold(events), nil
}

type foldEvent struct {
	Kind        record.RelationshipKind
	Counterpart string
	FromMe      bool
	Height      int64
}

// pairState is the fold state for one counterpart. Independent per
// pair.
type pairState struct {
	fromMe     bool
	fromThem   bool
	unfriended bool
}

// fold replays events in ascending height order. An unfriend clears the
// pair entirely at the moment it occurs; later friend events rebuild
// the edge from scratch.
func fold(events []foldEvent) *Graph {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Height < events[j].Height
	})

	pairs := make(map[string]*pairState)
	order := make([]string, 0)
	for _, ev := range events {
		st, ok := pairs[ev.Counterpart]
		if !ok {
			st = &pairState{}
			pairs[ev.Counterpart] = st
			order = append(order, ev.Counterpart)
		}
		switch ev.Kind {
		case record.RelationshipUnfriend:
			st.unfriended = true
			st.fromMe = false
			st.fromThem = false
		case record.RelationshipFriend:
			st.unfriended = false
			if ev.FromMe {
				st.fromMe = true
			} else {
				st.fromThem = true
			}
		}
	}

	g := &Graph{
		Friends:  []string{},
		Incoming: []string{},
		Outgoing: []string{},
	}
	for _, key := range order {
		st := pairs[key]
		switch {
		case st.unfriended:
		case st.fromMe && st.fromThem:
			g.Friends = append(g.Friends, key)
		case st.fromMe:
			g.Outgoing = append(g.Outgoing, key)
		case st.fromThem:
			g.Incoming = append(g.Incoming, key)
		}
	}
	sort.Strings(g.Friends)
	sort.Strings(g.Incoming)
	sort.Strings(g.Outgoing)
	return g
}
