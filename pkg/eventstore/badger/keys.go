package badger

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
)

// Key prefixes. Index keys end in an 8 byte big endian timestamp followed by
// the 8 byte serial of the event record, except Id which has no timestamp.
const (
	Event      byte = iota // [0][serial] -> event JSON
	CreatedAt              // [1][ts][serial]
	Id                     // [2][id8][serial]
	Kind                   // [3][kind2][ts][serial]
	Pubkey                 // [4][pk8][ts][serial]
	PubkeyKind             // [5][pk8][kind2][ts][serial]
	Tag                    // [6][hash8(name,value)][ts][serial]
	Word                   // [7][hash8(word)][ts][serial]
)

const (
	User         byte = 10 + iota // [10][pubkey]
	AuthorStats                   // [11][pubkey] -> JSON
	EventStats                    // [12][id] -> JSON
	StatsApplied                  // [13][id]
	FollowSet                     // [14][pubkey] -> JSON
	Relay                         // [15][url] -> first seen
	TagUsage                      // [16][yyyymmdd][tag][0][pubkey]
	Media                         // [17][id] -> JSON
	MediaURL                      // [18][pubkey][0][url] -> id
	Version      byte = 255
)

const (
	serialLen = 8
	tsLen     = 8
	shortLen  = 8
)

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func ts(t nostr.Timestamp) []byte {
	if t < 0 {
		t = 0
	}
	return be64(uint64(t))
}

func key(prefix byte, parts ...[]byte) (k []byte) {
	k = []byte{prefix}
	for _, p := range parts {
		k = append(k, p...)
	}
	return
}

// short gives the 8 byte index form of a hex id or pubkey. Input that is not
// valid hex is hashed so that lookups stay deterministic.
func short(hexStr string) []byte {
	if len(hexStr) >= 2*shortLen {
		if b, err := hex.DecodeString(hexStr[:2*shortLen]); err == nil {
			return b
		}
	}
	return hash8(hexStr)
}

func hash8(parts ...string) []byte {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return h.Sum(nil)[:shortLen]
}

func kind2(k int) []byte {
	if k < 0 || k > math.MaxUint16 {
		k = math.MaxUint16
	}
	return be16(uint16(k))
}

func serialOf(k []byte) []byte { return k[len(k)-serialLen:] }

func tsOf(k []byte, prefixLen int) uint64 {
	return binary.BigEndian.Uint64(k[prefixLen : prefixLen+tsLen])
}

// indexKeys returns every index key for ev stored under ser.
func indexKeys(ev *nostr.Event, ser []byte) (keys [][]byte) {
	t := ts(ev.CreatedAt)
	pk := short(ev.PubKey)
	k := kind2(ev.Kind)
	keys = append(keys,
		key(CreatedAt, t, ser),
		key(Id, short(ev.ID), ser),
		key(Kind, k, t, ser),
		key(Pubkey, pk, t, ser),
		key(PubkeyKind, pk, k, t, ser),
	)
	seen := make(map[string]struct{})
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		h := string(hash8(tag[0], tag[1]))
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		keys = append(keys, key(Tag, []byte(h), t, ser))
	}
	for _, w := range filter.Tokenize(ev.Content) {
		keys = append(keys, key(Word, hash8(w), t, ser))
	}
	return
}
