// Package cache is the bounded in-memory event store. Every event the node
// encounters passes through it, making "have we seen this id" a map lookup;
// when full, the least recently used event is evicted.
package cache

import (
	"container/list"
	"context"
	"os"
	"sync"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
)

var log, _ = slog.New(os.Stderr)

const DefaultSize = 3000

type T struct {
	mx       sync.Mutex
	events   map[string]*list.Element
	recency  *list.List
	size     int
	Locality filter.Locality
}

var _ eventstore.Store = (*T)(nil)

// New creates a cache holding at most size events.
func New(size int) *T {
	if size <= 0 {
		size = DefaultSize
	}
	return &T{
		events:  make(map[string]*list.Element),
		recency: list.New(),
		size:    size,
	}
}

// Encounter records ev and reports whether its id had already been seen. The
// check and the record happen under one lock, so of two concurrent deliveries
// of the same id exactly one observes seen == false.
func (ch *T) Encounter(ev *nostr.Event) (seen bool) {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	if el, ok := ch.events[ev.ID]; ok {
		ch.recency.MoveToFront(el)
		return true
	}
	ch.insert(ev)
	return false
}

// Has reports whether id is cached without touching recency.
func (ch *T) Has(id string) bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	_, ok := ch.events[id]
	return ok
}

// Get returns the event with id, marking it recently used.
func (ch *T) Get(id string) (ev *nostr.Event, ok bool) {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	var el *list.Element
	if el, ok = ch.events[id]; ok {
		ch.recency.MoveToFront(el)
		ev = el.Value.(*nostr.Event)
	}
	return
}

func (ch *T) Len() int {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.recency.Len()
}

// insert must be called with the lock held.
func (ch *T) insert(ev *nostr.Event) {
	ch.events[ev.ID] = ch.recency.PushFront(ev)
	for ch.recency.Len() > ch.size {
		oldest := ch.recency.Back()
		ch.recency.Remove(oldest)
		evicted := oldest.Value.(*nostr.Event)
		delete(ch.events, evicted.ID)
		log.T.Ln("evicted", evicted.ID)
	}
}

// Write stores ev. Ephemeral events are refused like in every other store;
// Encounter alone still records their ids for duplicate suppression.
func (ch *T) Write(_ context.Context, ev *nostr.Event) (err error) {
	if kind.IsEphemeral(ev.Kind) {
		return eventstore.ErrEphemeral
	}
	ch.Encounter(ev)
	return
}

func (ch *T) candidates(ff filter.Filters) (evs []*nostr.Event) {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	// id lookups do not need a scan
	var ids []string
	for i := range ff {
		if ff[i].IDs == nil {
			ids = nil
			break
		}
		ids = append(ids, ff[i].IDs...)
	}
	if ids != nil {
		for _, id := range ids {
			if el, ok := ch.events[id]; ok {
				evs = append(evs, el.Value.(*nostr.Event))
			}
		}
		return
	}
	for el := ch.recency.Front(); el != nil; el = el.Next() {
		evs = append(evs, el.Value.(*nostr.Event))
	}
	return
}

func (ch *T) Query(c context.Context, ff filter.Filters,
	opts ...eventstore.Option) (evs []*nostr.Event, err error) {

	if err = c.Err(); err != nil {
		return
	}
	o := eventstore.Apply(opts)
	evs = eventstore.Select(ff, ch.Locality, o.Limit, ch.candidates(ff))
	return
}

func (ch *T) Count(c context.Context, ff filter.Filters) (n int64, err error) {
	if err = c.Err(); err != nil {
		return
	}
	for _, ev := range ch.candidates(ff) {
		if ff.Match(ev, ch.Locality) {
			n++
		}
	}
	return
}

func (ch *T) Remove(c context.Context, ff filter.Filters) (err error) {
	if err = c.Err(); err != nil {
		return
	}
	matched := make(map[string]struct{})
	for _, ev := range ch.candidates(ff) {
		if ff.Match(ev, ch.Locality) {
			matched[ev.ID] = struct{}{}
		}
	}
	ch.mx.Lock()
	defer ch.mx.Unlock()
	for id := range matched {
		if el, ok := ch.events[id]; ok {
			ch.recency.Remove(el)
			delete(ch.events, id)
		}
	}
	return
}
