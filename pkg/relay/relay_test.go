package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/cache"
	"github.com/Hubmakerlabs/federatr/pkg/registry"
	"github.com/Hubmakerlabs/federatr/pkg/relay/policies"
	"github.com/Hubmakerlabs/federatr/pkg/verifier"
	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink stores and broadcasts whatever it is given.
type sink struct {
	store *cache.T
	reg   *registry.Registry
	n     atomic.Int32
	// events that arrived already marked as verified
	verified atomic.Int32
}

func (s *sink) HandleEvent(c context.Context, ev *nostr.Event) error {
	s.n.Add(1)
	if verifier.Verified(c, ev) {
		s.verified.Add(1)
	}
	if err := s.store.Write(c, ev); err != nil {
		return err
	}
	s.reg.Broadcast(ev)
	return nil
}

type fixture struct {
	rl   *Relay
	sink *sink
	srv  *httptest.Server
	url  string
}

func newFixture(t *testing.T, configure ...func(rl *Relay)) (f *fixture) {
	ch := cache.New(100)
	reg := registry.New(nil)
	s := &sink{store: ch, reg: reg}
	rl := New(&nip11.RelayInformationDocument{Name: "test"}, s,
		&eventstore.Compat{Store: ch}, reg)
	for _, fn := range configure {
		fn(rl)
	}
	srv := httptest.NewServer(rl)
	t.Cleanup(srv.Close)
	return &fixture{rl: rl, sink: s, srv: srv,
		url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ...any) {
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *websocket.Conn) (label string,
	raw []json.RawMessage) {

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&raw))
	require.NotEmpty(t, raw)
	require.NoError(t, json.Unmarshal(raw[0], &label))
	return
}

func readOK(t *testing.T, conn *websocket.Conn) (ok bool, reason string) {
	label, raw := read(t, conn)
	require.Equal(t, "OK", label)
	require.Len(t, raw, 4)
	require.NoError(t, json.Unmarshal(raw[2], &ok))
	require.NoError(t, json.Unmarshal(raw[3], &reason))
	return
}

func readEvent(t *testing.T, conn *websocket.Conn) (sub string, ev *nostr.Event) {
	label, raw := read(t, conn)
	require.Equal(t, "EVENT", label)
	require.Len(t, raw, 3)
	require.NoError(t, json.Unmarshal(raw[1], &sub))
	ev = &nostr.Event{}
	require.NoError(t, json.Unmarshal(raw[2], ev))
	return
}

func signed(t *testing.T, sk string, created nostr.Timestamp,
	content string) *nostr.Event {

	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	ev := &nostr.Event{
		PubKey:    pk,
		CreatedAt: created,
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestEventAccepted(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	ev := signed(t, nostr.GeneratePrivateKey(), nostr.Now(), "hello")
	send(t, conn, "EVENT", ev)
	ok, reason := readOK(t, conn)
	assert.True(t, ok, reason)
	assert.Equal(t, int32(1), f.sink.n.Load())
	assert.Equal(t, int32(1), f.sink.verified.Load(),
		"handler is told the event was checked")
}

func TestEventVerifiedOnSharedPool(t *testing.T) {
	pool := verifier.New(1)
	f := newFixture(t, func(rl *Relay) { rl.Verifier = pool })
	conn := f.dial(t)
	sk := nostr.GeneratePrivateKey()
	for i := 0; i < 5; i++ {
		send(t, conn, "EVENT", signed(t, sk, nostr.Now(), strconv.Itoa(i)))
	}
	for i := 0; i < 5; i++ {
		ok, reason := readOK(t, conn)
		assert.True(t, ok, reason)
	}
	assert.Equal(t, int32(5), f.sink.n.Load())
	assert.Equal(t, int32(5), f.sink.verified.Load())
	assert.Same(t, pool, f.rl.Verifier)
}

func TestEventInvalid(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	ev := signed(t, nostr.GeneratePrivateKey(), nostr.Now(), "hello")
	ev.Content = "tampered"
	send(t, conn, "EVENT", ev)
	ok, reason := readOK(t, conn)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(reason, "invalid: "), reason)
	assert.Zero(t, f.sink.n.Load())
}

func TestEventRateLimited(t *testing.T) {
	f := newFixture(t, func(rl *Relay) {
		rl.RateLimit = 0.001
		rl.Burst = 1
	})
	conn := f.dial(t)
	sk := nostr.GeneratePrivateKey()
	send(t, conn, "EVENT", signed(t, sk, nostr.Now(), "one"))
	ok, _ := readOK(t, conn)
	require.True(t, ok)
	send(t, conn, "EVENT", signed(t, sk, nostr.Now(), "two"))
	ok, reason := readOK(t, conn)
	assert.False(t, ok)
	assert.Equal(t, "rate-limited: slow down", reason)
	assert.Equal(t, int32(1), f.sink.n.Load())
}

func TestEventRejectHook(t *testing.T) {
	f := newFixture(t, func(rl *Relay) {
		rl.RejectEvent = append(rl.RejectEvent, policies.PreventLargeTags(4))
	})
	conn := f.dial(t)
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	ev := &nostr.Event{PubKey: pk, CreatedAt: nostr.Now(), Kind: 1,
		Tags: nostr.Tags{{"t", "muchtoolong"}}}
	require.NoError(t, ev.Sign(sk))
	send(t, conn, "EVENT", ev)
	ok, reason := readOK(t, conn)
	assert.False(t, ok)
	assert.Equal(t, "blocked: event contains too large tags", reason)
}

func TestReqStoredThenLive(t *testing.T) {
	f := newFixture(t)
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	c := context.Background()
	older := signed(t, sk, nostr.Now()-100, "older")
	newer := signed(t, sk, nostr.Now()-50, "newer")
	require.NoError(t, f.sink.store.Write(c, older))
	require.NoError(t, f.sink.store.Write(c, newer))

	sub := f.dial(t)
	send(t, sub, "REQ", "s1", map[string]any{"authors": []string{pk}})
	id, ev := readEvent(t, sub)
	assert.Equal(t, "s1", id)
	assert.Equal(t, newer.ID, ev.ID)
	_, ev = readEvent(t, sub)
	assert.Equal(t, older.ID, ev.ID)
	label, _ := read(t, sub)
	require.Equal(t, "EOSE", label)

	pub := f.dial(t)
	live := signed(t, sk, nostr.Now(), "live")
	send(t, pub, "EVENT", live)
	ok, _ := readOK(t, pub)
	require.True(t, ok)
	id, ev = readEvent(t, sub)
	assert.Equal(t, "s1", id)
	assert.Equal(t, live.ID, ev.ID)

	send(t, sub, "CLOSE", "s1")
	require.Eventually(t, func() bool { return f.rl.Registry.Len() == 0 },
		time.Second, 10*time.Millisecond)
	send(t, pub, "EVENT", signed(t, sk, nostr.Now(), "after close"))
	ok, _ = readOK(t, pub)
	require.True(t, ok)
	send(t, sub, "COUNT", "c1", map[string]any{"authors": []string{pk}})
	label, raw := read(t, sub)
	require.Equal(t, "COUNT", label)
	var count struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(raw[2], &count))
	assert.Equal(t, int64(4), count.Count)
}

func TestReqRejectedFilter(t *testing.T) {
	f := newFixture(t, func(rl *Relay) {
		rl.RejectFilter = append(rl.RejectFilter, policies.NoEmptyFilters)
	})
	conn := f.dial(t)
	send(t, conn, "REQ", "s1", map[string]any{})
	label, raw := read(t, conn)
	require.Equal(t, "CLOSED", label)
	var reason string
	require.NoError(t, json.Unmarshal(raw[2], &reason))
	assert.Equal(t, "blocked: can't handle empty filters", reason)
	assert.Zero(t, f.rl.Registry.Len())
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	send(t, conn, "REQ", "s1", map[string]any{"kinds": []int{1}})
	label, _ := read(t, conn)
	require.Equal(t, "EOSE", label)
	require.Equal(t, 1, f.rl.Registry.Len())
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.rl.Registry.Len() == 0 && f.rl.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNIP11(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/nostr+json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "application/nostr+json", res.Header.Get("Content-Type"))
	var inf nip11.RelayInformationDocument
	require.NoError(t, json.NewDecoder(res.Body).Decode(&inf))
	assert.Equal(t, "test", inf.Name)
	assert.Equal(t, Software, inf.Software)
	assert.Contains(t, inf.SupportedNIPs, 1)
}
