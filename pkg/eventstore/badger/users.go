package badger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// IsLocal reports whether pubkey has an admin-signed user record, which makes
// it a registered local user.
func (b *Backend) IsLocal(pubkey string) (local bool) {
	err := b.View(func(txn *badger.Txn) (err error) {
		if _, err = txn.Get(key(User, []byte(pubkey))); err == nil {
			local = true
		}
		return
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		log.E.Ln("user lookup:", err)
	}
	return
}
