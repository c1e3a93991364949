package badger

import (
	"encoding/binary"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

// CurrentVersion is the schema version written by this code.
const CurrentVersion uint32 = 2

func (b *Backend) version() (v uint32, err error) {
	err = b.View(func(txn *badger.Txn) (err error) {
		var item *badger.Item
		if item, err = txn.Get([]byte{Version}); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				err = nil
			}
			return
		}
		return item.Value(func(val []byte) error {
			if len(val) == 4 {
				v = binary.BigEndian.Uint32(val)
			}
			return nil
		})
	})
	return
}

func (b *Backend) setVersion(v uint32) error {
	return b.update(func(txn *badger.Txn) error {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, v)
		return txn.Set([]byte{Version}, buf)
	})
}

func (b *Backend) runMigrations() (err error) {
	var v uint32
	if v, err = b.version(); chk.E(err) {
		return
	}
	if v == CurrentVersion {
		return
	}
	log.I.Ln("migrating database from version", v, "to", CurrentVersion)
	if v < 2 {
		// version 2 added the content word index and the user index
		if err = b.reindex(); chk.E(err) {
			return
		}
	}
	return b.setVersion(CurrentVersion)
}

// reindex rewrites every index key and the user index from the stored
// events. Existing keys are overwritten in place.
func (b *Backend) reindex() (err error) {
	var n int
	err = b.each(func(ser []byte, ev *nostr.Event) error {
		n++
		return b.update(func(txn *badger.Txn) (err error) {
			for _, k := range indexKeys(ev, ser) {
				if err = txn.Set(k, nil); err != nil {
					return
				}
			}
			return b.indexUser(txn, ev)
		})
	})
	log.I.Ln("reindexed", n, "events")
	return
}
