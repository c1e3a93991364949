package app

import (
	"context"
	"errors"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/tags"
	"github.com/nbd-wtf/go-nostr"
)

// LookupTimeout bounds the single event lookups below.
const LookupTimeout = time.Second

// first returns the best match for f from local sources, falling back to
// peers when federate is set.
func (p *Pipeline) first(c context.Context, f nostr.Filter,
	federate bool) (ev *nostr.Event, err error) {

	f.Limit = 1
	var evs []*nostr.Event
	if evs, err = p.Store.Query(c, one(f), eventstore.WithLimit(1)); err != nil {
		return
	}
	if len(evs) == 0 && federate {
		fc, cancel := context.WithTimeout(c, LookupTimeout)
		defer cancel()
		if evs, err = p.Store.Query(fc, one(f), eventstore.WithLimit(1),
			eventstore.WithFederation(true)); err != nil {
			if c.Err() != nil {
				return
			}
			log.D.Ln("federated lookup:", err)
			evs, err = nil, nil
		}
	}
	if len(evs) == 0 {
		return nil, eventstore.ErrNotFound
	}
	return evs[0], nil
}

// GetEvent finds an event by id, optionally restricted to kinds, asking
// peers if no local source has it.
func (p *Pipeline) GetEvent(c context.Context, id string,
	kinds ...int) (ev *nostr.Event, err error) {

	f := nostr.Filter{IDs: []string{id}}
	if len(kinds) > 0 {
		f.Kinds = kinds
	}
	return p.first(c, f, false)
}

// GetAuthor returns the newest profile of pubkey.
func (p *Pipeline) GetAuthor(c context.Context, pubkey string) (ev *nostr.Event,
	err error) {

	return p.first(c, nostr.Filter{
		Kinds:   []int{kind.Metadata},
		Authors: []string{pubkey},
	}, true)
}

// GetFollows returns the newest contact list of pubkey.
func (p *Pipeline) GetFollows(c context.Context, pubkey string) (ev *nostr.Event,
	err error) {

	return p.first(c, nostr.Filter{
		Kinds:   []int{kind.Follows},
		Authors: []string{pubkey},
	}, true)
}

// GetFollowedPubkeys lists who pubkey follows; none when no contact list is
// found.
func (p *Pipeline) GetFollowedPubkeys(c context.Context,
	pubkey string) (pubkeys []string, err error) {

	var ev *nostr.Event
	if ev, err = p.GetFollows(c, pubkey); err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			err = nil
		}
		return
	}
	return tags.Values(ev.Tags, "p"), nil
}

// GetFeedPubkeys is the authors of pubkey's home feed: those it follows and
// itself.
func (p *Pipeline) GetFeedPubkeys(c context.Context,
	pubkey string) (pubkeys []string, err error) {

	if pubkeys, err = p.GetFollowedPubkeys(c, pubkey); err != nil {
		return
	}
	return append(pubkeys, pubkey), nil
}

// IsLocallyFollowed reports whether any registered user follows pubkey.
func (p *Pipeline) IsLocallyFollowed(c context.Context, pubkey string) (ok bool,
	err error) {

	f := filter.New(nostr.Filter{
		Kinds: []int{kind.Follows},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Limit: 1,
	})
	f.Local = true
	var n int64
	if n, err = p.DB.Count(c, filter.Filters{f}); err != nil {
		return
	}
	return n > 0, nil
}
