package badger

import (
	"errors"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/relayerror"
	"github.com/dgraph-io/badger/v4"
)

// AddRelays records relay addresses the node has not seen before and returns
// the ones that were new.
func (b *Backend) AddRelays(urls ...string) (added []string, err error) {
	err = b.update(func(txn *badger.Txn) (err error) {
		added = added[:0]
		now := be64(uint64(time.Now().Unix()))
		for _, u := range urls {
			if u = relayerror.NormalizeURL(u); u == "" {
				continue
			}
			k := key(Relay, []byte(u))
			if _, err = txn.Get(k); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return
			}
			if err = txn.Set(k, now); err != nil {
				return
			}
			added = append(added, u)
		}
		return nil
	})
	return
}

// Relays lists every known relay address.
func (b *Backend) Relays() (urls []string, err error) {
	err = b.View(func(txn *badger.Txn) error {
		prefix := []byte{Relay}
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			urls = append(urls, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return
}
