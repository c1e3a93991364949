// Package thread resolves the conversation around a note: the chain of
// notes it replies to and the replies it has received. Both walks are
// bounded in size and wall-clock time and give back whatever they found when
// the clock runs out.
package thread

import (
	"context"
	"os"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/Hubmakerlabs/federatr/pkg/tags"
	"github.com/nbd-wtf/go-nostr"
)

var log, _ = slog.New(os.Stderr)

const (
	MaxAncestors   = 100
	MaxDescendants = 200
)

type Resolver struct {
	Store eventstore.Store
	// Timeout bounds each walk.
	Timeout time.Duration
}

func New(store eventstore.Store) *Resolver {
	return &Resolver{Store: store, Timeout: time.Second}
}

func (r *Resolver) parent(c context.Context, ev *nostr.Event) (p *nostr.Event,
	err error) {

	reply, ok := tags.Reply(ev)
	if !ok {
		return
	}
	var evs []*nostr.Event
	if evs, err = r.Store.Query(c, filter.Filters{filter.New(nostr.Filter{
		IDs:   []string{reply[1]},
		Kinds: []int{kind.TextNote},
	})}, eventstore.WithLimit(1)); err != nil || len(evs) == 0 {
		return
	}
	return evs[0], nil
}

// Ancestors returns the notes ev replies to, oldest first. The walk follows
// one reply reference per hop and stops after MaxAncestors hops whatever the
// shape of the chain, including one that loops back on itself.
func (r *Resolver) Ancestors(c context.Context, ev *nostr.Event) (chain []*nostr.Event) {
	c, cancel := context.WithTimeout(c, r.Timeout)
	defer cancel()
	cur := ev
	for len(chain) < MaxAncestors {
		p, err := r.parent(c, cur)
		if err != nil {
			log.D.F("ancestors of %s stopped after %d: %v", ev.ID, len(chain), err)
			break
		}
		if p == nil {
			break
		}
		chain = append(chain, p)
		cur = p
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return
}

// Descendants returns up to MaxDescendants notes referencing id, newest
// first, including those peers deliver before the timeout.
func (r *Resolver) Descendants(c context.Context, id string) (replies []*nostr.Event) {
	c, cancel := context.WithTimeout(c, r.Timeout)
	defer cancel()
	ch, err := eventstore.Stream(c, r.Store, filter.Filters{filter.New(nostr.Filter{
		Kinds: []int{kind.TextNote},
		Tags:  nostr.TagMap{"e": []string{id}},
	})}, eventstore.WithLimit(MaxDescendants), eventstore.WithFederation(true))
	if err != nil {
		log.D.F("descendants of %s: %v", id, err)
		return
	}
	seen := make(map[string]struct{})
	func() {
		for len(replies) < MaxDescendants {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
				replies = append(replies, ev)
			}
		}
	}()
	eventstore.Sort(replies)
	return
}
