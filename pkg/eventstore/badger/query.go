package badger

import (
	"bytes"
	"context"
	"math"
	"sort"
	"strings"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

type match struct {
	ser []byte
	ev  *nostr.Event
}

// plan is the set of index ranges that together contain every event a filter
// can match. Candidates are always re-checked with filter.Match.
type plan struct {
	prefixes [][]byte
	// noTS is set for the id index, whose keys carry no timestamp.
	noTS bool
}

// prepare picks the most selective index for f: ids, then authors (with
// kinds), then one tag name, then kinds, then a search word, and otherwise
// the timestamp index.
func prepare(f *filter.T) (p plan) {
	switch {
	case f.IDs != nil:
		p.noTS = true
		for _, id := range f.IDs {
			p.prefixes = append(p.prefixes, key(Id, short(id)))
		}
	case f.Authors != nil:
		for _, pk := range f.Authors {
			if f.Kinds != nil {
				for _, k := range f.Kinds {
					p.prefixes = append(p.prefixes,
						key(PubkeyKind, short(pk), kind2(k)))
				}
				continue
			}
			p.prefixes = append(p.prefixes, key(Pubkey, short(pk)))
		}
	case len(f.Tags) > 0:
		names := make([]string, 0, len(f.Tags))
		for name := range f.Tags {
			names = append(names, name)
		}
		sort.Strings(names)
		// the name with the fewest values gives the fewest ranges
		best := names[0]
		for _, name := range names[1:] {
			if len(f.Tags[name]) < len(f.Tags[best]) {
				best = name
			}
		}
		for _, v := range f.Tags[best] {
			p.prefixes = append(p.prefixes,
				key(Tag, hash8(strings.TrimPrefix(best, "#"), v)))
		}
	case f.Kinds != nil:
		for _, k := range f.Kinds {
			p.prefixes = append(p.prefixes, key(Kind, kind2(k)))
		}
	case len(filter.Tokenize(f.Search)) > 0:
		p.prefixes = append(p.prefixes,
			key(Word, hash8(filter.Tokenize(f.Search)[0])))
	default:
		p.prefixes = append(p.prefixes, []byte{CreatedAt})
	}
	return
}

// scan collects the events matching f. With a limit, each index range is
// read only until limit matches are found plus any that share the
// timestamp of the last one, which is enough to produce the top limit events
// in (created_at desc, id asc) order.
func (b *Backend) scan(c context.Context, txn *badger.Txn, f *filter.T,
	seen map[string]struct{}) (ms []match, err error) {

	var since, until uint64 = 0, math.MaxInt64
	if f.Since != nil && *f.Since > 0 {
		since = uint64(*f.Since)
	}
	if f.Until != nil {
		if *f.Until < 0 {
			return
		}
		until = uint64(*f.Until)
	}
	if since > until {
		return
	}
	p := prepare(f)
	for _, prefix := range p.prefixes {
		if err = c.Err(); err != nil {
			return
		}
		var n int
		var boundary uint64
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse: !p.noTS,
			Prefix:  prefix,
		})
		start := prefix
		if !p.noTS {
			start = append(append(bytes.Clone(prefix), be64(until)...),
				bytes.Repeat([]byte{0xff}, serialLen)...)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			var t uint64
			if !p.noTS {
				t = tsOf(k, len(prefix))
				if t < since {
					break
				}
				if f.Limit > 0 && n >= f.Limit && t < boundary {
					break
				}
			}
			ser := bytes.Clone(serialOf(k))
			if _, ok := seen[string(ser)]; ok {
				continue
			}
			var ev *nostr.Event
			if ev, err = b.load(txn, ser); err != nil {
				it.Close()
				return
			}
			if ev == nil || !filter.Match(f, ev, b) {
				continue
			}
			seen[string(ser)] = struct{}{}
			ms = append(ms, match{ser, ev})
			if n++; f.Limit > 0 && n == f.Limit {
				boundary = t
			}
		}
		it.Close()
	}
	return
}

func (b *Backend) matches(c context.Context, ff filter.Filters) (ms []match, err error) {
	err = b.View(func(txn *badger.Txn) (err error) {
		seen := make(map[string]struct{})
		for i := range ff {
			var found []match
			if found, err = b.scan(c, txn, &ff[i], seen); err != nil {
				return
			}
			ms = append(ms, found...)
		}
		return
	})
	return
}

func (b *Backend) Query(c context.Context, ff filter.Filters,
	opts ...eventstore.Option) (evs []*nostr.Event, err error) {

	o := eventstore.Apply(opts)
	sets := make([][]*nostr.Event, len(ff))
	err = b.View(func(txn *badger.Txn) (err error) {
		for i := range ff {
			var found []match
			// each filter gets its own dedupe set; an event may satisfy
			// several filters and merging removes the repeats.
			if found, err = b.scan(c, txn, &ff[i],
				make(map[string]struct{})); err != nil {
				return
			}
			set := make([]*nostr.Event, len(found))
			for j := range found {
				set[j] = found[j].ev
			}
			eventstore.Sort(set)
			if ff[i].Limit > 0 && len(set) > ff[i].Limit {
				set = set[:ff[i].Limit]
			}
			sets[i] = set
		}
		return
	})
	if err != nil {
		return
	}
	evs = eventstore.Merge(o.Limit, sets...)
	return
}

// Count returns the number of distinct events matching ff. A filter's limit
// caps its contribution, so limit 1 is a cheap existence test.
func (b *Backend) Count(c context.Context, ff filter.Filters) (n int64, err error) {
	var ms []match
	if ms, err = b.matches(c, ff); err != nil {
		return
	}
	return int64(len(ms)), nil
}
