package eventstore

import (
	"context"
	"sort"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/nbd-wtf/go-nostr"
)

// Less orders events newest first, ties broken by ascending id.
func Less(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

func Sort(evs []*nostr.Event) {
	sort.Slice(evs, func(i, j int) bool { return Less(evs[i], evs[j]) })
}

// IsOlder reports whether previous is superseded by next for replaceable
// kinds.
func IsOlder(previous, next *nostr.Event) bool {
	return previous.CreatedAt < next.CreatedAt ||
		(previous.CreatedAt == next.CreatedAt && previous.ID > next.ID)
}

// Merge combines result sets, dropping repeated ids, and returns them sorted
// and truncated to limit (0 is no limit).
func Merge(limit int, sets ...[]*nostr.Event) (out []*nostr.Event) {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, ev := range set {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return
}

// Select applies the filters' own limits and the overall limit to a candidate
// set: each filter contributes at most its limit of best-ordered matches.
func Select(ff filter.Filters, loc filter.Locality, limit int,
	candidates []*nostr.Event) (out []*nostr.Event) {

	Sort(candidates)
	sets := make([][]*nostr.Event, len(ff))
	for i := range ff {
		for _, ev := range candidates {
			if ff[i].Limit > 0 && len(sets[i]) >= ff[i].Limit {
				break
			}
			if filter.Match(&ff[i], ev, loc) {
				sets[i] = append(sets[i], ev)
			}
		}
	}
	return Merge(limit, sets...)
}

// Stream delivers s's results on a channel, using the store's own streaming
// when it has one.
func Stream(c context.Context, s Store, ff filter.Filters,
	opts ...Option) (ch <-chan *nostr.Event, err error) {

	if st, ok := s.(Streamer); ok {
		return st.Stream(c, ff, opts...)
	}
	var evs []*nostr.Event
	if evs, err = s.Query(c, ff, opts...); err != nil {
		return
	}
	out := make(chan *nostr.Event, len(evs))
	for _, ev := range evs {
		out <- ev
	}
	close(out)
	return out, nil
}
