// Package eventstore defines the one narrow storage capability every event
// backend implements: the bounded cache, the durable database, the federated
// peer set, and the composite router that delegates among them.
package eventstore

import (
	"context"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/nbd-wtf/go-nostr"
)

// Store is a source and sink of events.
type Store interface {
	// Query returns events matching any of the filters, newest first, ties
	// broken by ascending id. A fired context gives a cancellation error, not
	// a partial result.
	Query(c context.Context, ff filter.Filters, opts ...Option) (evs []*nostr.Event, err error)
	// Write stores ev. Writing an event that is already present is not an
	// error.
	Write(c context.Context, ev *nostr.Event) (err error)
	// Count returns how many events match the filters.
	Count(c context.Context, ff filter.Filters) (n int64, err error)
	// Remove deletes every event matching the filters.
	Remove(c context.Context, ff filter.Filters) (err error)
}

// Streamer is implemented by stores that can deliver matches as they are
// found. The channel is closed when the source is exhausted or c fires, so a
// reader can keep whatever arrived before a deadline.
type Streamer interface {
	Stream(c context.Context, ff filter.Filters, opts ...Option) (ch <-chan *nostr.Event, err error)
}

// Options tune a single query.
type Options struct {
	// Limit caps the total number of results across all filters; 0 is no cap.
	Limit int
	// Relays, when set, directs a federated query at these peers instead of
	// the configured set.
	Relays []string
	// Federate asks a composite store to also consult the network.
	Federate bool
}

type Option func(o *Options)

func WithLimit(n int) Option { return func(o *Options) { o.Limit = n } }

func WithRelays(urls ...string) Option { return func(o *Options) { o.Relays = urls } }

func WithFederation(b bool) Option { return func(o *Options) { o.Federate = b } }

// Apply folds opts into an Options value.
func Apply(opts []Option) (o Options) {
	for _, fn := range opts {
		fn(&o)
	}
	return
}
