// Package hydrate attaches read-time relations to events: the author's
// profile, the author's local user record and aggregate statistics. None of
// it is ever stored with the event.
package hydrate

import (
	"bytes"
	"context"
	"encoding/json"
	"os"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/badger"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

type Relation int

const (
	Author Relation = iota
	User
	AuthorStats
	EventStats
)

// Stats is the statistics source, the durable store.
type Stats interface {
	AuthorStats(pubkeys ...string) (stats map[string]badger.AuthorStat, err error)
	EventStats(ids ...string) (stats map[string]badger.EventStat, err error)
}

type Event struct {
	*nostr.Event
	Author      *nostr.Event       `json:"author,omitempty"`
	User        *nostr.Event       `json:"user,omitempty"`
	AuthorStats *badger.AuthorStat `json:"author_stats,omitempty"`
	EventStats  *badger.EventStat  `json:"event_stats,omitempty"`
}

// MarshalJSON writes the signed fields followed by the relations.
func (e *Event) MarshalJSON() (b []byte, err error) {
	if b, err = e.Event.MarshalJSON(); err != nil {
		return
	}
	var extra []byte
	if extra, err = json.Marshal(struct {
		Author      *nostr.Event       `json:"author,omitempty"`
		User        *nostr.Event       `json:"user,omitempty"`
		AuthorStats *badger.AuthorStat `json:"author_stats,omitempty"`
		EventStats  *badger.EventStat  `json:"event_stats,omitempty"`
	}{e.Author, e.User, e.AuthorStats, e.EventStats}); err != nil {
		return
	}
	if len(extra) <= 2 {
		return
	}
	b = bytes.TrimRight(b, " \n}")
	b = append(b, ',')
	return append(b, extra[1:]...), nil
}

// Options name the sources relations come from.
type Options struct {
	Store eventstore.Store
	// Admin signs user records.
	Admin string
	Stats Stats
}

func has(rels []Relation, r Relation) bool {
	for _, x := range rels {
		if x == r {
			return true
		}
	}
	return false
}

// Events wraps evs with the requested relations. A failing relation lookup
// is logged and leaves that relation empty.
func Events(c context.Context, o Options, evs []*nostr.Event,
	rels ...Relation) (out []*Event, err error) {

	out = make([]*Event, len(evs))
	pubkeys := make([]string, 0, len(evs))
	ids := make([]string, 0, len(evs))
	seen := make(map[string]struct{})
	for i, ev := range evs {
		out[i] = &Event{Event: ev}
		ids = append(ids, ev.ID)
		if _, ok := seen[ev.PubKey]; !ok {
			seen[ev.PubKey] = struct{}{}
			pubkeys = append(pubkeys, ev.PubKey)
		}
	}
	if len(evs) == 0 {
		return
	}
	if has(rels, Author) {
		var authors []*nostr.Event
		if authors, err = o.Store.Query(c, filter.Filters{filter.New(nostr.Filter{
			Kinds:   []int{kind.Metadata},
			Authors: pubkeys,
		})}); err != nil {
			if eventstore.IsCanceled(err) {
				return
			}
			log.D.Ln("hydrating authors:", err)
			err = nil
		}
		byPubkey := make(map[string]*nostr.Event)
		for _, a := range authors {
			// results are newest first
			if _, ok := byPubkey[a.PubKey]; !ok {
				byPubkey[a.PubKey] = a
			}
		}
		for _, e := range out {
			e.Author = byPubkey[e.PubKey]
		}
	}
	if has(rels, User) && o.Admin != "" {
		var users []*nostr.Event
		if users, err = o.Store.Query(c, filter.Filters{filter.New(nostr.Filter{
			Kinds:   []int{kind.UserRecord},
			Authors: []string{o.Admin},
			Tags:    nostr.TagMap{"d": pubkeys},
		})}); err != nil {
			if eventstore.IsCanceled(err) {
				return
			}
			log.D.Ln("hydrating users:", err)
			err = nil
		}
		byPubkey := make(map[string]*nostr.Event)
		for _, u := range users {
			if d := u.Tags.GetD(); d != "" {
				if _, ok := byPubkey[d]; !ok {
					byPubkey[d] = u
				}
			}
		}
		for _, e := range out {
			e.User = byPubkey[e.PubKey]
		}
	}
	if o.Stats != nil && has(rels, AuthorStats) {
		if stats, err := o.Stats.AuthorStats(pubkeys...); !chk.D(err) {
			for _, e := range out {
				if s, ok := stats[e.PubKey]; ok {
					e.AuthorStats = &s
				}
			}
		}
	}
	if o.Stats != nil && has(rels, EventStats) {
		if stats, err := o.Stats.EventStats(ids...); !chk.D(err) {
			for _, e := range out {
				if s, ok := stats[e.ID]; ok {
					e.EventStats = &s
				}
			}
		}
	}
	return
}

// One hydrates a single event.
func One(c context.Context, o Options, ev *nostr.Event,
	rels ...Relation) (e *Event, err error) {

	var out []*Event
	if out, err = Events(c, o, []*nostr.Event{ev}, rels...); err != nil {
		return
	}
	return out[0], nil
}

// Dehydrate strips everything but the seven signed fields.
func Dehydrate(ev *nostr.Event) *nostr.Event {
	return &nostr.Event{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
}
