// Package filter is the event predicate shared by every store backend and the
// subscription registry. A Filter is a NIP-01 filter extended with a local
// flag that restricts matches to events authored by registered users.
package filter

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// Locality answers whether a pubkey belongs to a registered local user.
type Locality interface {
	IsLocal(pubkey string) bool
}

// LocalityFunc adapts a function to Locality.
type LocalityFunc func(pubkey string) bool

func (f LocalityFunc) IsLocal(pubkey string) bool { return f(pubkey) }

// T is a NIP-01 filter plus the local restriction.
type T struct {
	nostr.Filter
	Local bool
}

// Filters is a disjunction: an event matches if any member matches.
type Filters []T

func New(f nostr.Filter) T { return T{Filter: f} }

// FromNostr converts plain NIP-01 filters.
func FromNostr(ff nostr.Filters) (out Filters) {
	out = make(Filters, len(ff))
	for i := range ff {
		out[i] = T{Filter: ff[i]}
	}
	return
}

// Nostr strips the local flag, giving filters that can be sent to peers.
func (ff Filters) Nostr() (out nostr.Filters) {
	out = make(nostr.Filters, len(ff))
	for i := range ff {
		out[i] = ff[i].Filter
	}
	return
}

// AnyLocal reports whether any member is restricted to local users.
func (ff Filters) AnyLocal() bool {
	for i := range ff {
		if ff[i].Local {
			return true
		}
	}
	return false
}

// Match reports whether ev satisfies any of the filters.
func (ff Filters) Match(ev *nostr.Event, loc Locality) bool {
	for i := range ff {
		if Match(&ff[i], ev, loc) {
			return true
		}
	}
	return false
}

// SingleID returns the id when the filter selects exactly one event id and
// nothing else restricts the result beyond kinds.
func (f *T) SingleID() (id string, ok bool) {
	if len(f.IDs) != 1 || len(f.Authors) > 0 || len(f.Tags) > 0 ||
		f.Search != "" || f.Local {
		return
	}
	return f.IDs[0], true
}

// Match is the one predicate used both for stored queries and for live
// subscription matching. Limit is not a matching criterion. A nil slice
// places no constraint; an empty non-nil slice matches nothing.
func Match(f *T, ev *nostr.Event, loc Locality) bool {
	if ev == nil {
		return false
	}
	if f.IDs != nil && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if f.Kinds != nil && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Authors != nil && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !hasTag(ev, strings.TrimPrefix(name, "#"), values) {
			return false
		}
	}
	if f.Search != "" && !containsAll(Tokenize(ev.Content), Tokenize(f.Search)) {
		return false
	}
	if f.Local && (loc == nil || !loc.IsLocal(ev.PubKey)) {
		return false
	}
	return true
}

func hasTag(ev *nostr.Event, name string, values []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name && slices.Contains(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// Tokenize splits text into the lowercased words used by the text search
// index. Duplicates are removed and order of first appearance is kept.
func Tokenize(text string) (words []string) {
	seen := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(w) < 2 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return
}

// MarshalJSON writes the NIP-01 object with "local" added when set.
func (f T) MarshalJSON() (b []byte, err error) {
	if b, err = f.Filter.MarshalJSON(); err != nil {
		return
	}
	if !f.Local {
		return
	}
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("{}")) {
		return []byte(`{"local":true}`), nil
	}
	out := make([]byte, 0, len(b)+14)
	out = append(out, b[:len(b)-1]...)
	out = append(out, `,"local":true}`...)
	return out, nil
}

func (f *T) UnmarshalJSON(b []byte) (err error) {
	if err = f.Filter.UnmarshalJSON(b); err != nil {
		return
	}
	var ext struct {
		Local bool `json:"local"`
	}
	if err = json.Unmarshal(b, &ext); err != nil {
		return
	}
	f.Local = ext.Local
	return
}
