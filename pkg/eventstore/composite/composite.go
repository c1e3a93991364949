// Package composite routes store operations across the cache, the durable
// database and the federated peer set. Lookups go from the cheapest source to
// the most expensive; writes and removals touch the local layers only.
package composite

import (
	"context"
	"os"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/cache"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/metrics"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

var (
	_ eventstore.Store    = (*T)(nil)
	_ eventstore.Streamer = (*T)(nil)
)

type T struct {
	Cache     *cache.T
	Durable   eventstore.Store
	Federated eventstore.Store
	// LookupTimeout bounds the network leg of a single id lookup.
	LookupTimeout time.Duration
}

func New(ch *cache.T, durable, federated eventstore.Store) *T {
	return &T{
		Cache:         ch,
		Durable:       durable,
		Federated:     federated,
		LookupTimeout: 2 * time.Second,
	}
}

func allIDs(ff filter.Filters) bool {
	if len(ff) == 0 {
		return false
	}
	for i := range ff {
		if ff[i].IDs == nil {
			return false
		}
	}
	return true
}

func single(ff filter.Filters) bool {
	if len(ff) != 1 {
		return false
	}
	_, ok := ff[0].SingleID()
	return ok
}

func route(backend string) { metrics.StoreRoute.WithLabelValues(backend).Inc() }

// lookup finds one event by id: cache, then database, then peers.
func (s *T) lookup(c context.Context, ff filter.Filters) (evs []*nostr.Event,
	err error) {

	if evs, err = s.Cache.Query(c, ff); err != nil {
		return
	}
	if len(evs) > 0 {
		route("cache")
		return
	}
	if evs, err = s.Durable.Query(c, ff); err != nil {
		return
	}
	if len(evs) > 0 {
		route("durable")
		chk.T(s.Cache.Write(c, evs[0]))
		return
	}
	if s.Federated == nil {
		route("miss")
		return
	}
	fc, cancel := context.WithTimeout(c, s.LookupTimeout)
	defer cancel()
	if evs, err = s.Federated.Query(fc, ff, eventstore.WithLimit(1)); err != nil {
		if c.Err() != nil {
			return nil, c.Err()
		}
		log.D.F("federated lookup: %v", err)
		evs, err = nil, nil
	}
	if len(evs) > 0 {
		route("federated")
	} else {
		route("miss")
	}
	return
}

func (s *T) local(c context.Context, ff filter.Filters,
	o eventstore.Options) (evs []*nostr.Event, err error) {

	var durable []*nostr.Event
	if durable, err = s.Durable.Query(c, ff, eventstore.WithLimit(o.Limit)); err != nil {
		return
	}
	route("durable")
	if !allIDs(ff) {
		return durable, nil
	}
	var cached []*nostr.Event
	if cached, err = s.Cache.Query(c, ff, eventstore.WithLimit(o.Limit)); err != nil {
		return
	}
	route("cache")
	return eventstore.Merge(o.Limit, cached, durable), nil
}

func (s *T) Query(c context.Context, ff filter.Filters,
	opts ...eventstore.Option) (evs []*nostr.Event, err error) {

	if single(ff) {
		return s.lookup(c, ff)
	}
	o := eventstore.Apply(opts)
	if evs, err = s.local(c, ff, o); err != nil {
		return
	}
	if !o.Federate || s.Federated == nil {
		return
	}
	var remote []*nostr.Event
	if remote, err = s.Federated.Query(c, ff, opts...); err != nil {
		if c.Err() != nil {
			return nil, c.Err()
		}
		log.D.F("federated query: %v", err)
		return evs, nil
	}
	route("federated")
	return eventstore.Merge(o.Limit, evs, remote), nil
}

// Stream sends local matches at once and federated ones as they arrive, so a
// reader that gives up at a deadline still has everything found so far.
func (s *T) Stream(c context.Context, ff filter.Filters,
	opts ...eventstore.Option) (ch <-chan *nostr.Event, err error) {

	o := eventstore.Apply(opts)
	var found []*nostr.Event
	if single(ff) {
		if found, err = s.Cache.Query(c, ff); err == nil && len(found) == 0 {
			found, err = s.Durable.Query(c, ff)
		}
		o.Federate = len(found) == 0
	} else {
		found, err = s.local(c, ff, o)
	}
	if err != nil {
		return
	}
	out := make(chan *nostr.Event, len(found)+16)
	seen := make(map[string]struct{}, len(found))
	for _, ev := range found {
		seen[ev.ID] = struct{}{}
		out <- ev
	}
	if !o.Federate || s.Federated == nil ||
		(o.Limit > 0 && len(found) >= o.Limit) {
		close(out)
		return out, nil
	}
	var remote <-chan *nostr.Event
	rc, cancel := context.WithCancel(c)
	if remote, err = eventstore.Stream(rc, s.Federated, ff, opts...); err != nil {
		cancel()
		close(out)
		return
	}
	go func() {
		defer cancel()
		defer close(out)
		n := len(found)
		for ev := range remote {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			select {
			case out <- ev:
			case <-c.Done():
				return
			}
			if n++; o.Limit > 0 && n >= o.Limit {
				return
			}
		}
	}()
	return out, nil
}

// Write stores ev in the cache and the database.
func (s *T) Write(c context.Context, ev *nostr.Event) (err error) {
	if err = s.Durable.Write(c, ev); err != nil {
		return
	}
	return s.Cache.Write(c, ev)
}

// Count is answered by the database alone.
func (s *T) Count(c context.Context, ff filter.Filters) (n int64, err error) {
	return s.Durable.Count(c, ff)
}

// Remove deletes from the cache and the database.
func (s *T) Remove(c context.Context, ff filter.Filters) (err error) {
	if err = s.Cache.Remove(c, ff); err != nil {
		return
	}
	return s.Durable.Remove(c, ff)
}
