package badger

import (
	"context"
	"errors"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/tags"
	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

// Remove deletes every stored event matching ff. Filter limits are ignored.
func (b *Backend) Remove(c context.Context, ff filter.Filters) (err error) {
	unlimited := make(filter.Filters, len(ff))
	for i := range ff {
		unlimited[i] = ff[i]
		unlimited[i].Limit = 0
	}
	var found []match
	if found, err = b.matches(c, unlimited); err != nil {
		return
	}
	if len(found) == 0 {
		return
	}
	for _, m := range found {
		if err = b.update(func(txn *badger.Txn) error {
			return b.deleteInTxn(txn, m.ser, m.ev)
		}); chk.E(err) {
			return
		}
		log.D.Ln("deleted event", m.ev.ID)
	}
	go b.collectGarbage()
	return
}

func (b *Backend) deleteInTxn(txn *badger.Txn, ser []byte, ev *nostr.Event) (err error) {
	if err = txn.Delete(key(Event, ser)); err != nil {
		return
	}
	for _, k := range indexKeys(ev, ser) {
		if err = txn.Delete(k); err != nil {
			return
		}
	}
	if ev.Kind != kind.UserRecord || ev.PubKey != b.AdminPubkey {
		return
	}
	d, _ := tags.First(ev.Tags, "d")
	uk := key(User, []byte(d))
	var item *badger.Item
	if item, err = txn.Get(uk); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			err = nil
		}
		return
	}
	var id []byte
	if id, err = item.ValueCopy(nil); err != nil {
		return
	}
	if string(id) == ev.ID {
		err = txn.Delete(uk)
	}
	return
}
