package badger

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const dayLayout = "20060102"

// TagTrend is the number of distinct authors that used a hashtag.
type TagTrend struct {
	Tag      string `json:"name"`
	Accounts int    `json:"accounts"`
	Uses     int    `json:"uses"`
}

// AddTagUsages records that pubkey used each hashtag on the day of at. A
// pubkey is counted once per tag per day however often it posts it.
func (b *Backend) AddTagUsages(pubkey string, hashtags []string, at time.Time) error {
	day := []byte(at.UTC().Format(dayLayout))
	return b.update(func(txn *badger.Txn) (err error) {
		for _, t := range hashtags {
			if t = strings.ToLower(strings.TrimSpace(t)); t == "" {
				continue
			}
			if err = txn.Set(key(TagUsage, day, []byte(t), []byte{0},
				[]byte(pubkey)), nil); err != nil {
				return
			}
		}
		return
	})
}

// TrendingTags ranks hashtags by distinct authors over the days from since to
// until inclusive.
func (b *Backend) TrendingTags(since, until time.Time, limit int) (trends []TagTrend, err error) {
	accounts := make(map[string]map[string]struct{})
	uses := make(map[string]int)
	err = b.View(func(txn *badger.Txn) error {
		for d := since.UTC().Truncate(24 * time.Hour); !d.After(until.UTC()); d = d.Add(24 * time.Hour) {
			prefix := key(TagUsage, []byte(d.Format(dayLayout)))
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				rest := it.Item().Key()[len(prefix):]
				i := bytes.IndexByte(rest, 0)
				if i < 0 {
					continue
				}
				tag, pk := string(rest[:i]), string(rest[i+1:])
				if accounts[tag] == nil {
					accounts[tag] = make(map[string]struct{})
				}
				accounts[tag][pk] = struct{}{}
				uses[tag]++
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return
	}
	for tag, pks := range accounts {
		trends = append(trends, TagTrend{Tag: tag, Accounts: len(pks), Uses: uses[tag]})
	}
	sort.Slice(trends, func(i, j int) bool {
		if trends[i].Accounts != trends[j].Accounts {
			return trends[i].Accounts > trends[j].Accounts
		}
		return trends[i].Tag < trends[j].Tag
	})
	if limit > 0 && len(trends) > limit {
		trends = trends[:limit]
	}
	return
}
