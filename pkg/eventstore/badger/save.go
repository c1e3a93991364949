package badger

import (
	"bytes"
	"context"
	"errors"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/tags"
	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

// Write stores ev with its indexes. Storing an event that is already present
// is a no-op. For replaceable kinds an older version is replaced and a newer
// stored version makes the write a no-op.
func (b *Backend) Write(c context.Context, ev *nostr.Event) (err error) {
	if err = c.Err(); err != nil {
		return
	}
	if kind.IsEphemeral(ev.Kind) {
		return eventstore.ErrEphemeral
	}
	var raw []byte
	if raw, err = ev.MarshalJSON(); chk.E(err) {
		return
	}
	err = b.update(func(txn *badger.Txn) (err error) {
		var found bool
		if _, found, err = b.findByID(txn, ev.ID); err != nil || found {
			return
		}
		if kind.IsReplaceable(ev.Kind) || kind.IsParameterizedReplaceable(ev.Kind) {
			var superseded bool
			if superseded, err = b.replace(txn, ev); err != nil || superseded {
				return
			}
		}
		var ser []byte
		if ser, err = b.serial(); err != nil {
			return
		}
		if err = txn.Set(key(Event, ser), raw); err != nil {
			return
		}
		for _, k := range indexKeys(ev, ser) {
			if err = txn.Set(k, nil); err != nil {
				return
			}
		}
		return b.indexUser(txn, ev)
	})
	if err == nil {
		log.T.F("saved %s %s", kind.Name(ev.Kind), ev.ID)
	}
	return
}

// replace removes stored versions of a replaceable event that ev supersedes.
// It reports superseded when a stored version is newer than ev.
func (b *Backend) replace(txn *badger.Txn, ev *nostr.Event) (superseded bool, err error) {
	d, _ := tags.First(ev.Tags, "d")
	parameterized := kind.IsParameterizedReplaceable(ev.Kind)
	prefix := key(PubkeyKind, short(ev.PubKey), kind2(ev.Kind))
	type old struct {
		ser []byte
		ev  *nostr.Event
	}
	var olds []old
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ser := bytes.Clone(serialOf(it.Item().Key()))
		var prev *nostr.Event
		if prev, err = b.load(txn, ser); err != nil {
			it.Close()
			return
		}
		if prev == nil || prev.PubKey != ev.PubKey || prev.Kind != ev.Kind {
			continue
		}
		if parameterized {
			if pd, _ := tags.First(prev.Tags, "d"); pd != d {
				continue
			}
		}
		if !eventstore.IsOlder(prev, ev) {
			superseded = true
			break
		}
		olds = append(olds, old{ser, prev})
	}
	it.Close()
	if superseded {
		return
	}
	for _, o := range olds {
		if err = b.deleteInTxn(txn, o.ser, o.ev); err != nil {
			return
		}
	}
	return
}

// indexUser maintains the registered user index from admin user records.
func (b *Backend) indexUser(txn *badger.Txn, ev *nostr.Event) (err error) {
	if ev.Kind != kind.UserRecord || b.AdminPubkey == "" ||
		ev.PubKey != b.AdminPubkey {
		return
	}
	if d, ok := tags.First(ev.Tags, "d"); ok && d != "" {
		err = txn.Set(key(User, []byte(d)), []byte(ev.ID))
	}
	return
}

// load fetches the event stored under ser; a missing record gives nil.
func (b *Backend) load(txn *badger.Txn, ser []byte) (ev *nostr.Event, err error) {
	var item *badger.Item
	if item, err = txn.Get(key(Event, ser)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			err = nil
		}
		return
	}
	ev = &nostr.Event{}
	err = item.Value(func(val []byte) error { return ev.UnmarshalJSON(val) })
	return
}

// findByID returns the serial of the stored event with the given id.
func (b *Backend) findByID(txn *badger.Txn, id string) (ser []byte, found bool, err error) {
	prefix := key(Id, short(id))
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		s := bytes.Clone(serialOf(it.Item().Key()))
		var ev *nostr.Event
		if ev, err = b.load(txn, s); err != nil {
			return
		}
		if ev != nil && ev.ID == id {
			return s, true, nil
		}
	}
	return
}

// each calls fn for every stored event in serial order.
func (b *Backend) each(fn func(ser []byte, ev *nostr.Event) error) (err error) {
	type rec struct {
		ser []byte
		ev  *nostr.Event
	}
	var batch []rec
	var last []byte
	prefix := []byte{Event}
	for {
		batch = batch[:0]
		err = b.View(func(txn *badger.Txn) (err error) {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()
			start := prefix
			if last != nil {
				start = append(key(Event, last), 0)
			}
			for it.Seek(start); it.ValidForPrefix(prefix) && len(batch) < 512; it.Next() {
				item := it.Item()
				ser := bytes.Clone(item.Key()[1:])
				ev := &nostr.Event{}
				if err = item.Value(func(val []byte) error {
					return ev.UnmarshalJSON(val)
				}); chk.E(err) {
					err = nil
					continue
				}
				batch = append(batch, rec{ser, ev})
			}
			return
		})
		if err != nil || len(batch) == 0 {
			return
		}
		for _, r := range batch {
			if err = fn(r.ser, r.ev); err != nil {
				return
			}
		}
		last = batch[len(batch)-1].ser
	}
}
