package badger

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

type signer struct {
	sk, pk string
}

func newSigner(t *testing.T) signer {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return signer{sk, pk}
}

func (s signer) event(t *testing.T, k int, ts nostr.Timestamp, content string,
	tt ...nostr.Tag) *nostr.Event {

	ev := &nostr.Event{Kind: k, CreatedAt: ts, Content: content, Tags: tt}
	require.NoError(t, ev.Sign(s.sk))
	return ev
}

func open(t *testing.T, admin string) *Backend {
	b := New("", admin)
	require.NoError(t, b.Init())
	t.Cleanup(b.Close)
	return b
}

func ff(f ...nostr.Filter) filter.Filters { return filter.FromNostr(f) }

func TestWriteIdempotent(t *testing.T) {
	c := context.Background()
	b := open(t, "")
	alice := newSigner(t)
	ev := alice.event(t, kind.TextNote, 100, "hello")
	require.NoError(t, b.Write(c, ev))
	require.NoError(t, b.Write(c, ev))
	n, err := b.Count(c, ff(nostr.Filter{IDs: []string{ev.ID}}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEphemeralRefused(t *testing.T) {
	b := open(t, "")
	ev := newSigner(t).event(t, kind.WalletRequest, 1, "")
	assert.Error(t, b.Write(context.Background(), ev))
}

// every filter shape: the store returns exactly the events the shared
// predicate accepts.
func TestQueryAgreesWithMatch(t *testing.T) {
	c := context.Background()
	admin := newSigner(t)
	b := open(t, admin.pk)
	alice, bob := newSigner(t), newSigner(t)
	rec := admin.event(t, kind.UserRecord, 1, "", nostr.Tag{"d", alice.pk})
	require.NoError(t, b.Write(c, rec))
	all := []*nostr.Event{rec}
	words := []string{"bridge", "relay", "federation", "badger"}
	for i := 0; i < 40; i++ {
		s := alice
		if i%3 == 0 {
			s = bob
		}
		k := kind.TextNote
		if i%5 == 0 {
			k = kind.Reaction
		}
		ev := s.event(t, k, nostr.Timestamp(1000+i%17),
			fmt.Sprintf("post about %s number %d", words[i%len(words)], i),
			nostr.Tag{"t", words[(i+1)%len(words)]},
			nostr.Tag{"e", fmt.Sprintf("%064x", i%4)})
		require.NoError(t, b.Write(c, ev))
		all = append(all, ev)
	}
	since, until := nostr.Timestamp(1003), nostr.Timestamp(1010)
	filters := []filter.T{
		{},
		filter.New(nostr.Filter{Kinds: []int{kind.Reaction}}),
		filter.New(nostr.Filter{Authors: []string{bob.pk}}),
		filter.New(nostr.Filter{Authors: []string{alice.pk}, Kinds: []int{kind.TextNote}}),
		filter.New(nostr.Filter{Tags: nostr.TagMap{"t": {"relay"}}}),
		filter.New(nostr.Filter{Tags: nostr.TagMap{"t": {"relay", "badger"}, "e": {fmt.Sprintf("%064x", 1)}}}),
		filter.New(nostr.Filter{Search: "federation"}),
		filter.New(nostr.Filter{Search: "post badger"}),
		filter.New(nostr.Filter{Since: &since, Until: &until}),
		filter.New(nostr.Filter{IDs: []string{all[3].ID, all[7].ID, "nothex"}}),
		filter.New(nostr.Filter{Kinds: []int{}}),
		{Filter: nostr.Filter{Kinds: []int{kind.TextNote}}, Local: true},
	}
	for i := range filters {
		got, err := b.Query(c, filter.Filters{filters[i]})
		require.NoError(t, err)
		want := make(map[string]bool)
		for _, ev := range all {
			if filter.Match(&filters[i], ev, b) {
				want[ev.ID] = true
			}
		}
		assert.Len(t, got, len(want), "filter %d", i)
		for _, ev := range got {
			assert.True(t, want[ev.ID], "filter %d returned unmatched event", i)
		}
		for j := 1; j < len(got); j++ {
			assert.False(t, got[j].CreatedAt > got[j-1].CreatedAt, "ordering")
		}
	}
}

func TestLimitKeepsNewest(t *testing.T) {
	c := context.Background()
	b := open(t, "")
	alice := newSigner(t)
	var evs []*nostr.Event
	for i := 0; i < 20; i++ {
		// pairs share a timestamp so the tie break is exercised
		ev := alice.event(t, kind.TextNote, nostr.Timestamp(100+i/2), fmt.Sprint(i))
		require.NoError(t, b.Write(c, ev))
		evs = append(evs, ev)
	}
	got, err := b.Query(c, ff(nostr.Filter{Authors: []string{alice.pk}, Limit: 5}))
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, nostr.Timestamp(109), got[0].CreatedAt)
	assert.Equal(t, nostr.Timestamp(109), got[1].CreatedAt)
	assert.True(t, got[0].ID < got[1].ID)
	assert.Equal(t, nostr.Timestamp(107), got[4].CreatedAt)

	got, err = b.Query(c, ff(nostr.Filter{Kinds: []int{kind.TextNote}}), eventstore.WithLimit(3))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestReplaceable(t *testing.T) {
	c := context.Background()
	b := open(t, "")
	alice := newSigner(t)
	older := alice.event(t, kind.Metadata, 100, `{"name":"a"}`)
	newer := alice.event(t, kind.Metadata, 200, `{"name":"b"}`)
	require.NoError(t, b.Write(c, newer))
	require.NoError(t, b.Write(c, older))
	got, err := b.Query(c, ff(nostr.Filter{Authors: []string{alice.pk}, Kinds: []int{kind.Metadata}}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newer.ID, got[0].ID)

	newest := alice.event(t, kind.Metadata, 300, `{"name":"c"}`)
	require.NoError(t, b.Write(c, newest))
	got, err = b.Query(c, ff(nostr.Filter{Authors: []string{alice.pk}}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newest.ID, got[0].ID)
}

func TestUserIndex(t *testing.T) {
	c := context.Background()
	admin := newSigner(t)
	b := open(t, admin.pk)
	alice, mallory := newSigner(t), newSigner(t)
	assert.False(t, b.IsLocal(alice.pk))
	// records signed by anyone else do not register users
	require.NoError(t, b.Write(c, mallory.event(t, kind.UserRecord, 1, "",
		nostr.Tag{"d", alice.pk})))
	assert.False(t, b.IsLocal(alice.pk))
	rec := admin.event(t, kind.UserRecord, 1, "", nostr.Tag{"d", alice.pk})
	require.NoError(t, b.Write(c, rec))
	assert.True(t, b.IsLocal(alice.pk))
	require.NoError(t, b.Remove(c, ff(nostr.Filter{IDs: []string{rec.ID}})))
	assert.False(t, b.IsLocal(alice.pk))
}

func TestRemove(t *testing.T) {
	c := context.Background()
	b := open(t, "")
	alice := newSigner(t)
	keep := alice.event(t, kind.TextNote, 1, "keep")
	drop := alice.event(t, kind.TextNote, 2, "drop these words")
	require.NoError(t, b.Write(c, keep))
	require.NoError(t, b.Write(c, drop))
	require.NoError(t, b.Remove(c, ff(nostr.Filter{IDs: []string{drop.ID}, Limit: 1})))
	got, err := b.Query(c, ff(nostr.Filter{Authors: []string{alice.pk}}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
	got, err = b.Query(c, ff(nostr.Filter{Search: "words"}))
	require.NoError(t, err)
	assert.Empty(t, got, "index entries removed with the event")
}

func TestStatsCountedOnce(t *testing.T) {
	c := context.Background()
	b := open(t, "")
	alice, bob := newSigner(t), newSigner(t)
	root := alice.event(t, kind.TextNote, 1, "root")
	reply := bob.event(t, kind.TextNote, 2, "reply",
		nostr.Tag{"e", root.ID, "", "root"})
	var wg sync.WaitGroup
	var mx sync.Mutex
	var applied int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.UpdateStats(c, reply)
			assert.NoError(t, err)
			if ok {
				mx.Lock()
				applied++
				mx.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
	es, err := b.EventStats(root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), es[root.ID].Replies)
	as, err := b.AuthorStats(bob.pk)
	require.NoError(t, err)
	assert.Equal(t, int64(1), as[bob.pk].Notes)
}

func TestFollowStats(t *testing.T) {
	c := context.Background()
	b := open(t, "")
	alice, bob, carol := newSigner(t), newSigner(t), newSigner(t)
	_, err := b.UpdateStats(c, alice.event(t, kind.Follows, 10, "",
		nostr.Tag{"p", bob.pk}, nostr.Tag{"p", carol.pk}))
	require.NoError(t, err)
	_, err = b.UpdateStats(c, alice.event(t, kind.Follows, 20, "",
		nostr.Tag{"p", carol.pk}))
	require.NoError(t, err)
	// an older list arriving late changes nothing
	_, err = b.UpdateStats(c, alice.event(t, kind.Follows, 5, "",
		nostr.Tag{"p", bob.pk}))
	require.NoError(t, err)
	as, err := b.AuthorStats(alice.pk, bob.pk, carol.pk)
	require.NoError(t, err)
	assert.Equal(t, int64(1), as[alice.pk].Following)
	assert.Equal(t, int64(0), as[bob.pk].Followers)
	assert.Equal(t, int64(1), as[carol.pk].Followers)
}

func TestRelaysTrendsMedia(t *testing.T) {
	b := open(t, "")
	added, err := b.AddRelays("wss://one.example", "wss://ONE.example/", "wss://two.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://one.example", "wss://two.example"}, added)
	added, err = b.AddRelays("wss://one.example")
	require.NoError(t, err)
	assert.Empty(t, added)
	relays, err := b.Relays()
	require.NoError(t, err)
	assert.Len(t, relays, 2)

	day := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.AddTagUsages("a", []string{"Go", "nostr"}, day))
	require.NoError(t, b.AddTagUsages("a", []string{"go"}, day))
	require.NoError(t, b.AddTagUsages("b", []string{"go"}, day.Add(24*time.Hour)))
	trends, err := b.TrendingTags(day, day.Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, trends, 2)
	assert.Equal(t, "go", trends[0].Tag)
	assert.Equal(t, 2, trends[0].Accounts)

	require.NoError(t, b.AddUnattachedMedia(UnattachedMedia{
		ID: "m1", Pubkey: "a", URL: "https://cdn.example/1.png", UploadedAt: 1}))
	require.NoError(t, b.AddUnattachedMedia(UnattachedMedia{
		ID: "m2", Pubkey: "a", URL: "https://cdn.example/2.png", UploadedAt: 2}))
	n, err := b.DeleteAttachedMedia("a", []string{"https://cdn.example/1.png", "https://other"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, err := b.UnattachedMediaOf("a")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "m2", left[0].ID)
}

func TestExportImport(t *testing.T) {
	c := context.Background()
	src, dst := open(t, ""), open(t, "")
	alice := newSigner(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, src.Write(c, alice.event(t, kind.TextNote,
			nostr.Timestamp(i), fmt.Sprintf("%x", frand.Bytes(8)))))
	}
	var buf bytes.Buffer
	n, err := src.Export(c, &buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	buf.WriteString("not json\n")
	stored, skipped, err := dst.Import(c, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, stored)
	assert.Equal(t, 1, skipped)
}

func TestQueryCanceled(t *testing.T) {
	b := open(t, "")
	c, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Query(c, ff(nostr.Filter{}))
	assert.ErrorIs(t, err, context.Canceled)
}
