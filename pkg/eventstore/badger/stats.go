package badger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/tags"
	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

type AuthorStat struct {
	Followers int64 `json:"followers_count"`
	Following int64 `json:"following_count"`
	Notes     int64 `json:"notes_count"`
}

type EventStat struct {
	Replies   int64 `json:"replies_count"`
	Reposts   int64 `json:"reposts_count"`
	Reactions int64 `json:"reactions_count"`
}

type followSet struct {
	CreatedAt nostr.Timestamp `json:"created_at"`
	Follows   []string        `json:"follows"`
}

// UpdateStats applies the counters ev contributes. The event id is recorded in
// the same transaction as the increments, so an event delivered twice, even
// concurrently, is counted once; applied reports whether this call counted it.
func (b *Backend) UpdateStats(c context.Context, ev *nostr.Event) (applied bool, err error) {
	if err = c.Err(); err != nil {
		return
	}
	switch ev.Kind {
	case kind.TextNote, kind.Follows, kind.Repost, kind.Reaction:
	default:
		return
	}
	err = b.update(func(txn *badger.Txn) (err error) {
		applied = false
		marker := key(StatsApplied, []byte(ev.ID))
		if _, err = txn.Get(marker); err == nil {
			return
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return
		}
		if err = txn.Set(marker, nil); err != nil {
			return
		}
		applied = true
		switch ev.Kind {
		case kind.TextNote:
			if err = b.bumpAuthor(txn, ev.PubKey, func(s *AuthorStat) {
				s.Notes++
			}); err != nil {
				return
			}
			if reply, ok := tags.Reply(ev); ok {
				err = b.bumpEvent(txn, reply[1], func(s *EventStat) { s.Replies++ })
			}
		case kind.Repost:
			if id, ok := tags.First(ev.Tags, "e"); ok {
				err = b.bumpEvent(txn, id, func(s *EventStat) { s.Reposts++ })
			}
		case kind.Reaction:
			if id, ok := tags.Last(ev.Tags, "e"); ok {
				err = b.bumpEvent(txn, id, func(s *EventStat) { s.Reactions++ })
			}
		case kind.Follows:
			err = b.applyFollows(txn, ev)
		}
		return
	})
	return
}

// applyFollows diffs a contact list against the last one seen for the author
// and moves follower counts accordingly. Older lists are ignored.
func (b *Backend) applyFollows(txn *badger.Txn, ev *nostr.Event) (err error) {
	var prev followSet
	fk := key(FollowSet, []byte(ev.PubKey))
	var found bool
	if found, err = getJSON(txn, fk, &prev); err != nil {
		return
	}
	if found && prev.CreatedAt > ev.CreatedAt {
		return
	}
	next := followSet{CreatedAt: ev.CreatedAt, Follows: tags.Values(ev.Tags, "p")}
	was := make(map[string]bool, len(prev.Follows))
	for _, pk := range prev.Follows {
		was[pk] = true
	}
	now := make(map[string]bool, len(next.Follows))
	for _, pk := range next.Follows {
		now[pk] = true
		if !was[pk] {
			if err = b.bumpAuthor(txn, pk, func(s *AuthorStat) {
				s.Followers++
			}); err != nil {
				return
			}
		}
	}
	for pk := range was {
		if !now[pk] {
			if err = b.bumpAuthor(txn, pk, func(s *AuthorStat) {
				if s.Followers > 0 {
					s.Followers--
				}
			}); err != nil {
				return
			}
		}
	}
	if err = b.bumpAuthor(txn, ev.PubKey, func(s *AuthorStat) {
		s.Following = int64(len(next.Follows))
	}); err != nil {
		return
	}
	return setJSON(txn, fk, next)
}

func (b *Backend) bumpAuthor(txn *badger.Txn, pubkey string, fn func(s *AuthorStat)) (err error) {
	var s AuthorStat
	k := key(AuthorStats, []byte(pubkey))
	if _, err = getJSON(txn, k, &s); err != nil {
		return
	}
	fn(&s)
	return setJSON(txn, k, s)
}

func (b *Backend) bumpEvent(txn *badger.Txn, id string, fn func(s *EventStat)) (err error) {
	var s EventStat
	k := key(EventStats, []byte(id))
	if _, err = getJSON(txn, k, &s); err != nil {
		return
	}
	fn(&s)
	return setJSON(txn, k, s)
}

// AuthorStats returns the counters for each pubkey that has any.
func (b *Backend) AuthorStats(pubkeys ...string) (stats map[string]AuthorStat, err error) {
	stats = make(map[string]AuthorStat)
	err = b.View(func(txn *badger.Txn) (err error) {
		for _, pk := range pubkeys {
			var s AuthorStat
			var found bool
			if found, err = getJSON(txn, key(AuthorStats, []byte(pk)), &s); err != nil {
				return
			}
			if found {
				stats[pk] = s
			}
		}
		return
	})
	return
}

// EventStats returns the counters for each event id that has any.
func (b *Backend) EventStats(ids ...string) (stats map[string]EventStat, err error) {
	stats = make(map[string]EventStat)
	err = b.View(func(txn *badger.Txn) (err error) {
		for _, id := range ids {
			var s EventStat
			var found bool
			if found, err = getJSON(txn, key(EventStats, []byte(id)), &s); err != nil {
				return
			}
			if found {
				stats[id] = s
			}
		}
		return
	})
	return
}

func getJSON(txn *badger.Txn, k []byte, v any) (found bool, err error) {
	var item *badger.Item
	if item, err = txn.Get(k); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			err = nil
		}
		return
	}
	found = true
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
	return
}

func setJSON(txn *badger.Txn, k []byte, v any) (err error) {
	var b []byte
	if b, err = json.Marshal(v); err != nil {
		return
	}
	return txn.Set(k, b)
}
