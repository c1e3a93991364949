package badger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// UnattachedMedia is an upload not yet referenced by any event.
type UnattachedMedia struct {
	ID         string            `json:"id"`
	Pubkey     string            `json:"pubkey"`
	URL        string            `json:"url"`
	Data       map[string]string `json:"data,omitempty"`
	UploadedAt int64             `json:"uploaded_at"`
}

func mediaURLKey(pubkey, url string) []byte {
	return key(MediaURL, []byte(pubkey), []byte{0}, []byte(url))
}

// AddUnattachedMedia registers an upload.
func (b *Backend) AddUnattachedMedia(m UnattachedMedia) error {
	return b.update(func(txn *badger.Txn) (err error) {
		if err = setJSON(txn, key(Media, []byte(m.ID)), m); err != nil {
			return
		}
		return txn.Set(mediaURLKey(m.Pubkey, m.URL), []byte(m.ID))
	})
}

// DeleteAttachedMedia drops the registry entries of pubkey's uploads that are
// now referenced by an event. It returns how many were removed.
func (b *Backend) DeleteAttachedMedia(pubkey string, urls []string) (n int, err error) {
	err = b.update(func(txn *badger.Txn) (err error) {
		n = 0
		for _, u := range urls {
			uk := mediaURLKey(pubkey, u)
			var item *badger.Item
			if item, err = txn.Get(uk); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					err = nil
					continue
				}
				return
			}
			var id []byte
			if id, err = item.ValueCopy(nil); err != nil {
				return
			}
			if err = txn.Delete(key(Media, id)); err != nil {
				return
			}
			if err = txn.Delete(uk); err != nil {
				return
			}
			n++
		}
		return
	})
	return
}

// UnattachedMediaOf lists pubkey's registered uploads.
func (b *Backend) UnattachedMediaOf(pubkey string) (media []UnattachedMedia, err error) {
	err = b.View(func(txn *badger.Txn) (err error) {
		prefix := key(MediaURL, []byte(pubkey), []byte{0})
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var id []byte
			if id, err = it.Item().ValueCopy(nil); err != nil {
				return
			}
			var m UnattachedMedia
			var found bool
			if found, err = getJSON(txn, key(Media, id), &m); err != nil {
				return
			}
			if found {
				media = append(media, m)
			}
		}
		return
	})
	return
}
