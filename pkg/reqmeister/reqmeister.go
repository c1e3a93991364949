// Package reqmeister coalesces requests for events the node is missing:
// referenced notes and author profiles. Wants accumulate and are sent to
// peers as one batched query per interval; the answers come back through the
// pipeline, which asks IsWanted so that requested events are stored even
// when their author is not local.
package reqmeister

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/relayerror"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"
)

var log, _ = slog.New(os.Stderr)

// Want names a missing event by id, or an author whose profile is missing.
type Want struct {
	ID     string
	Author string
	Relays []string
}

func (w Want) key() string {
	if w.ID != "" {
		return "id:" + w.ID
	}
	return "author:" + w.Author
}

type pending struct {
	relays    map[string]struct{}
	waiters   []chan *nostr.Event
	requested bool
	expires   time.Time
}

type T struct {
	// Store is queried for the batched wants, normally the federated store.
	Store eventstore.Store
	// Peers are always asked, in addition to any relay hints.
	Peers []string
	// Interval is how long wants accumulate before a batch is sent.
	Interval time.Duration
	// Timeout bounds a batch query. A want is kept for this long after its
	// batch returns so resubmitted answers are still recognised.
	Timeout time.Duration
	// MaxBatch caps ids or authors per batch.
	MaxBatch int

	mx      sync.Mutex
	ids     map[string]*pending
	authors map[string]*pending
	flight  singleflight.Group
}

func New(store eventstore.Store, peers ...string) *T {
	return &T{
		Store:    store,
		Peers:    peers,
		Interval: time.Second,
		Timeout:  5 * time.Second,
		MaxBatch: 500,
		ids:      make(map[string]*pending),
		authors:  make(map[string]*pending),
	}
}

func (r *T) table(w Want) (m map[string]*pending, k string) {
	if w.ID != "" {
		return r.ids, w.ID
	}
	return r.authors, w.Author
}

func (r *T) add(w Want, waiter chan *nostr.Event) {
	if w.ID == "" && w.Author == "" {
		return
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	m, k := r.table(w)
	p, ok := m[k]
	if !ok {
		p = &pending{relays: make(map[string]struct{})}
		m[k] = p
	}
	for _, u := range w.Relays {
		if relayerror.IsRelayURL(u) {
			p.relays[relayerror.NormalizeURL(u)] = struct{}{}
		}
	}
	if waiter != nil {
		p.waiters = append(p.waiters, waiter)
	}
}

func (r *T) drop(w Want, waiter chan *nostr.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	m, k := r.table(w)
	p, ok := m[k]
	if !ok {
		return
	}
	for i := range p.waiters {
		if p.waiters[i] == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
}

// Want queues a fetch and returns at once.
func (r *T) Want(w Want) { r.add(w, nil) }

// Req queues a fetch and waits for the event to arrive or c to fire.
// Concurrent requests for the same thing share one wait.
func (r *T) Req(c context.Context, w Want) (ev *nostr.Event, err error) {
	var v any
	v, err, _ = r.flight.Do(w.key(), func() (v any, err error) {
		ch := make(chan *nostr.Event, 1)
		r.add(w, ch)
		select {
		case ev := <-ch:
			return ev, nil
		case <-c.Done():
			r.drop(w, ch)
			return nil, c.Err()
		}
	})
	if err != nil {
		return
	}
	return v.(*nostr.Event), nil
}

// IsWanted reports whether ev answers an outstanding want.
func (r *T) IsWanted(ev *nostr.Event) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.ids[ev.ID]; ok {
		return true
	}
	if ev.Kind == kind.Metadata {
		_, ok := r.authors[ev.PubKey]
		return ok
	}
	return false
}

// Event settles any wants ev answers and wakes their waiters.
func (r *T) Event(ev *nostr.Event) { r.settle(ev, true) }

// wake hands ev to waiters but keeps the want, so the copy travelling
// through the pipeline is still recognised.
func (r *T) wake(ev *nostr.Event) { r.settle(ev, false) }

func (r *T) settle(ev *nostr.Event, remove bool) {
	r.mx.Lock()
	var waiters []chan *nostr.Event
	if p, ok := r.ids[ev.ID]; ok {
		waiters, p.waiters = append(waiters, p.waiters...), nil
		if remove {
			delete(r.ids, ev.ID)
		}
	}
	if ev.Kind == kind.Metadata {
		if p, ok := r.authors[ev.PubKey]; ok {
			waiters, p.waiters = append(waiters, p.waiters...), nil
			if remove {
				delete(r.authors, ev.PubKey)
			}
		}
	}
	r.mx.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len is the number of outstanding wants.
func (r *T) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.ids) + len(r.authors)
}

// batch collects unrequested wants into filters and sweeps expired ones.
func (r *T) batch(now time.Time) (ff filter.Filters, relays []string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	seen := make(map[string]struct{})
	for _, u := range r.Peers {
		seen[u] = struct{}{}
	}
	collect := func(m map[string]*pending) (keys []string) {
		for k, p := range m {
			if p.requested {
				if now.After(p.expires) && len(p.waiters) == 0 {
					delete(m, k)
				}
				continue
			}
			if len(keys) >= r.MaxBatch {
				continue
			}
			p.requested = true
			p.expires = now.Add(2 * r.Timeout)
			keys = append(keys, k)
			for u := range p.relays {
				seen[u] = struct{}{}
			}
		}
		sort.Strings(keys)
		return
	}
	if ids := collect(r.ids); len(ids) > 0 {
		ff = append(ff, filter.New(nostr.Filter{IDs: ids}))
	}
	if authors := collect(r.authors); len(authors) > 0 {
		ff = append(ff, filter.New(nostr.Filter{
			Kinds:   []int{kind.Metadata},
			Authors: authors,
		}))
	}
	for u := range seen {
		relays = append(relays, u)
	}
	sort.Strings(relays)
	return
}

// Flush sends one batch now.
func (r *T) Flush(c context.Context) {
	ff, relays := r.batch(time.Now())
	if len(ff) == 0 {
		return
	}
	fc, cancel := context.WithTimeout(c, r.Timeout)
	defer cancel()
	evs, err := r.Store.Query(fc, ff, eventstore.WithRelays(relays...))
	if err != nil && !eventstore.IsCanceled(err) {
		log.D.F("batch of %d filters: %v", len(ff), err)
	}
	log.T.F("batch over %d relays returned %d events", len(relays), len(evs))
	for _, ev := range evs {
		r.wake(ev)
	}
}

// Run sends a batch every Interval until c fires.
func (r *T) Run(c context.Context) {
	tick := time.NewTicker(r.Interval)
	defer tick.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-tick.C:
			go r.Flush(c)
		}
	}
}
