package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore/badger"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/cache"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/composite"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/federated"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/thread"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type key struct{ sk, pk string }

func newKey(t *testing.T) key {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return key{sk, pk}
}

func (k key) event(t *testing.T, kd int, ts nostr.Timestamp, content string,
	tt ...nostr.Tag) *nostr.Event {

	ev := &nostr.Event{PubKey: k.pk, Kind: kd, CreatedAt: ts,
		Content: content, Tags: tt}
	require.NoError(t, ev.Sign(k.sk))
	return ev
}

type fixture struct {
	srv                *httptest.Server
	alice, bob         key
	profile, root, rep *nostr.Event
	record             *nostr.Event
}

func newFixture(t *testing.T, configure ...func(s *Server)) (f *fixture) {
	c := context.Background()
	admin := newKey(t)
	db := badger.New("", admin.pk)
	require.NoError(t, db.Init())
	t.Cleanup(db.Close)

	f = &fixture{alice: newKey(t), bob: newKey(t)}
	now := nostr.Now()
	f.profile = f.alice.event(t, kind.Metadata, now-300, `{"name":"alice"}`)
	f.root = f.alice.event(t, kind.TextNote, now-200, "hello #nostr",
		nostr.Tag{"t", "nostr"})
	f.rep = f.bob.event(t, kind.TextNote, now-100, "hi alice",
		nostr.Tag{"e", f.root.ID, "", "reply"}, nostr.Tag{"p", f.alice.pk})
	f.record = admin.event(t, kind.UserRecord, now-400, "",
		nostr.Tag{"d", f.alice.pk})
	for _, ev := range []*nostr.Event{f.record, f.profile, f.root, f.rep} {
		require.NoError(t, db.Write(c, ev))
		_, err := db.UpdateStats(c, ev)
		require.NoError(t, err)
	}
	require.NoError(t, db.AddTagUsages(f.alice.pk, []string{"nostr"},
		time.Now()))

	s := &Server{
		Store:   db,
		DB:      db,
		Threads: thread.New(db),
		Admin:   admin.pk,
	}
	for _, fn := range configure {
		fn(s)
	}
	mux := http.NewServeMux()
	s.Routes(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	res, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	if v != nil && res.StatusCode == http.StatusOK {
		assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(res.Body).Decode(v))
	}
	return res.StatusCode
}

type status struct {
	ID     string `json:"id"`
	Author *struct {
		ID string `json:"id"`
	} `json:"author"`
	User *struct {
		ID string `json:"id"`
	} `json:"user"`
	AuthorStats *badger.AuthorStat `json:"author_stats"`
	EventStats  *badger.EventStat  `json:"event_stats"`
}

func ids(ss []status) (out []string) {
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	var s status
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/statuses/"+f.root.ID, &s))
	assert.Equal(t, f.root.ID, s.ID)
	require.NotNil(t, s.Author)
	assert.Equal(t, f.profile.ID, s.Author.ID)
	require.NotNil(t, s.User)
	assert.Equal(t, f.record.ID, s.User.ID)
	require.NotNil(t, s.EventStats)
	assert.Equal(t, int64(1), s.EventStats.Replies)
	require.NotNil(t, s.AuthorStats)
	assert.Equal(t, int64(1), s.AuthorStats.Notes)

	missing := f.bob.event(t, kind.TextNote, 1, "never stored")
	assert.Equal(t, http.StatusNotFound,
		f.get(t, "/api/v1/statuses/"+missing.ID, nil))
	assert.Equal(t, http.StatusNotFound,
		f.get(t, "/api/v1/statuses/"+f.profile.ID, nil))
}

func TestLookupStalledPeerNotFound(t *testing.T) {
	const peer = "wss://slow.example.com"
	pool := federated.NewMemPool()
	pool.Stall(peer)
	f := newFixture(t, func(s *Server) {
		s.Store = composite.New(cache.New(10), s.Store, federated.New(pool, peer))
		s.LookupTimeout = 100 * time.Millisecond
	})
	var st status
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/statuses/"+f.root.ID, &st))
	assert.Equal(t, f.root.ID, st.ID)
	var a account
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/accounts/"+f.alice.pk, &a))
	require.NotNil(t, a.Profile)
	assert.Equal(t, f.profile.ID, a.Profile.ID)

	missing := f.bob.event(t, kind.TextNote, 1, "never stored")
	start := time.Now()
	assert.Equal(t, http.StatusNotFound,
		f.get(t, "/api/v1/statuses/"+missing.ID, nil))
	assert.Equal(t, http.StatusNotFound,
		f.get(t, "/api/v1/statuses/"+missing.ID+"/context", nil))
	assert.Equal(t, http.StatusNotFound,
		f.get(t, "/api/v1/accounts/"+f.bob.pk, nil))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStatusContext(t *testing.T) {
	f := newFixture(t)
	var tc struct {
		Ancestors   []status `json:"ancestors"`
		Descendants []status `json:"descendants"`
	}
	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/statuses/"+f.rep.ID+"/context", &tc))
	assert.Equal(t, []string{f.root.ID}, ids(tc.Ancestors))
	assert.Empty(t, tc.Descendants)

	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/statuses/"+f.root.ID+"/context", &tc))
	assert.Empty(t, tc.Ancestors)
	assert.Equal(t, []string{f.rep.ID}, ids(tc.Descendants))
}

func TestTimelines(t *testing.T) {
	f := newFixture(t)
	var ss []status
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/timelines/public", &ss))
	assert.Equal(t, []string{f.rep.ID, f.root.ID}, ids(ss))

	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/timelines/public?limit=1", &ss))
	assert.Equal(t, []string{f.rep.ID}, ids(ss))

	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/timelines/public?local=true", &ss))
	assert.Equal(t, []string{f.root.ID}, ids(ss))

	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/timelines/tag/nostr", &ss))
	assert.Equal(t, []string{f.root.ID}, ids(ss))

	require.Equal(t, http.StatusOK,
		f.get(t, "/api/v1/timelines/home?pubkey="+f.bob.pk, &ss))
	assert.Equal(t, []string{f.rep.ID}, ids(ss))
	assert.Equal(t, http.StatusBadRequest,
		f.get(t, "/api/v1/timelines/home", nil))
}

func TestAccount(t *testing.T) {
	f := newFixture(t)
	var a account
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/accounts/"+f.alice.pk, &a))
	assert.Equal(t, f.alice.pk, a.Pubkey)
	require.NotNil(t, a.Profile)
	assert.Equal(t, f.profile.ID, a.Profile.ID)
	require.NotNil(t, a.User)
	assert.Equal(t, f.record.ID, a.User.ID)
	require.NotNil(t, a.Stats)
	assert.Equal(t, int64(1), a.Stats.Notes)

	assert.Equal(t, http.StatusNotFound,
		f.get(t, "/api/v1/accounts/"+f.bob.pk, nil))
	assert.Equal(t, http.StatusBadRequest,
		f.get(t, "/api/v1/accounts/nobody", nil))
}

func TestTrends(t *testing.T) {
	f := newFixture(t)
	var trends []badger.TagTrend
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/trends", &trends))
	require.Len(t, trends, 1)
	assert.Equal(t, "nostr", trends[0].Tag)
	assert.Equal(t, 1, trends[0].Accounts)
}
