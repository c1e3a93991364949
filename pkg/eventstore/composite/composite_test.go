package composite

import (
	"context"
	"testing"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/badger"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/cache"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/federated"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peer = "wss://peer.example.com"

func note(t *testing.T, sk string, ts nostr.Timestamp) *nostr.Event {
	ev := &nostr.Event{Kind: 1, CreatedAt: ts, Content: "hi"}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func setup(t *testing.T) (*T, *federated.MemPool) {
	b := badger.New("", "")
	require.NoError(t, b.Init())
	t.Cleanup(b.Close)
	pool := federated.NewMemPool()
	return New(cache.New(100), b, federated.New(pool, peer)), pool
}

func byID(id string) filter.Filters {
	return filter.FromNostr(nostr.Filters{{IDs: []string{id}}})
}

func TestLookupOrder(t *testing.T) {
	c := context.Background()
	s, pool := setup(t)
	sk := nostr.GeneratePrivateKey()

	inDB := note(t, sk, 1)
	require.NoError(t, s.Durable.Write(c, inDB))
	evs, err := s.Query(c, byID(inDB.ID))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, s.Cache.Has(inDB.ID))
	assert.Zero(t, pool.Subscriptions.Load())

	remote := note(t, sk, 2)
	pool.Add(peer, remote)
	evs, err = s.Query(c, byID(remote.ID))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, remote.ID, evs[0].ID)
	assert.False(t, s.Cache.Has(remote.ID))

	evs, err = s.Query(c, byID("00"))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestFederateOnlyWhenAsked(t *testing.T) {
	c := context.Background()
	s, pool := setup(t)
	sk := nostr.GeneratePrivateKey()
	local, remote := note(t, sk, 1), note(t, sk, 2)
	require.NoError(t, s.Write(c, local))
	pool.Add(peer, remote, local)
	ff := filter.FromNostr(nostr.Filters{{Kinds: []int{1}}})

	evs, err := s.Query(c, ff)
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	evs, err = s.Query(c, ff, eventstore.WithFederation(true))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, remote.ID, evs[0].ID)
}

func TestRemoveReachesCache(t *testing.T) {
	c := context.Background()
	s, _ := setup(t)
	ev := note(t, nostr.GeneratePrivateKey(), 1)
	require.NoError(t, s.Write(c, ev))
	require.NoError(t, s.Remove(c, byID(ev.ID)))
	assert.False(t, s.Cache.Has(ev.ID))
	n, err := s.Count(c, byID(ev.ID))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamPartial(t *testing.T) {
	s, pool := setup(t)
	sk := nostr.GeneratePrivateKey()
	local, remote := note(t, sk, 1), note(t, sk, 2)
	require.NoError(t, s.Write(context.Background(), local))
	pool.Add(peer, remote)
	pool.Stall(peer)
	c, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ch, err := s.Stream(c, filter.FromNostr(nostr.Filters{{Kinds: []int{1}}}),
		eventstore.WithFederation(true))
	require.NoError(t, err)
	var ids []string
	for ev := range ch {
		ids = append(ids, ev.ID)
	}
	assert.ElementsMatch(t, []string{local.ID, remote.ID}, ids)
}
