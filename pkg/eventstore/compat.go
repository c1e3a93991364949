package eventstore

import (
	"context"
	"errors"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

// Compat exposes a Store through the single-filter, channel based interface
// used by relay frameworks, so REQ and COUNT handlers can be wired as hooks.
// Wrapped in an eventstore.RelayWrapper it also serves as a nostr.RelayStore.
type Compat struct {
	Store
	// Federate is passed to every query.
	Federate bool
}

var (
	_ eventstore.Store = (*Compat)(nil)
	_ nostr.RelayStore = eventstore.RelayWrapper{Store: (*Compat)(nil)}
)

func (w *Compat) Init() error { return nil }
func (w *Compat) Close()      {}

func (w *Compat) QueryEvents(c context.Context,
	f nostr.Filter) (ch chan *nostr.Event, err error) {

	return w.QueryFilter(c, filter.New(f))
}

// QueryFilter is QueryEvents for a filter that may carry the local flag.
func (w *Compat) QueryFilter(c context.Context,
	f filter.T) (ch chan *nostr.Event, err error) {

	var evs []*nostr.Event
	if evs, err = w.Store.Query(c, filter.Filters{f},
		WithLimit(f.Limit), WithFederation(w.Federate)); err != nil {
		return
	}
	ch = make(chan *nostr.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return
}

func (w *Compat) CountEvents(c context.Context, f nostr.Filter) (int64, error) {
	return w.CountFilter(c, filter.New(f))
}

func (w *Compat) CountFilter(c context.Context, f filter.T) (int64, error) {
	return w.Store.Count(c, filter.Filters{f})
}

// SaveEvent reports a duplicate with the wrapper's own sentinel, which
// RelayWrapper.Publish compares by identity.
func (w *Compat) SaveEvent(c context.Context, ev *nostr.Event) (err error) {
	if err = w.Store.Write(c, ev); errors.Is(err, ErrDupEvent) {
		err = eventstore.ErrDupEvent
	}
	return
}

func (w *Compat) DeleteEvent(c context.Context, ev *nostr.Event) error {
	return w.Store.Remove(c, filter.Filters{filter.New(nostr.Filter{
		IDs: []string{ev.ID}})})
}
