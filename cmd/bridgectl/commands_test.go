package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTags(t *testing.T) {
	tags, err := parseTags([]string{"t=nostr", "e=abc,,reply"})
	require.NoError(t, err)
	assert.Equal(t, nostr.Tags{{"t", "nostr"}, {"e", "abc", "", "reply"}}, tags)

	_, err = parseTags([]string{"nope"})
	assert.Error(t, err)
	_, err = parseTags([]string{"=x"})
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("https://node.example", "hashtag", "go")
	require.NoError(t, err)
	assert.Equal(t, "wss://node.example/api/v1/streaming?stream=hashtag&tag=go", u)

	u, err = streamURL("ws://127.0.0.1:3334", "public", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:3334/api/v1/streaming?stream=public", u)
}

// fakeRelay answers each client message with whatever reply returns.
func fakeRelay(t *testing.T, reply func(msg []json.RawMessage) [][]any) string {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		conn, err := up.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for {
			var msg []json.RawMessage
			if err = conn.ReadJSON(&msg); err != nil {
				return
			}
			for _, m := range reply(msg) {
				if err = conn.WriteJSON(m); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func signed(t *testing.T, content string) *nostr.Event {
	ev := &nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: content,
		Tags: nostr.Tags{}}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	return ev
}

func TestPublish(t *testing.T) {
	u := fakeRelay(t, func(msg []json.RawMessage) [][]any {
		var ev nostr.Event
		assert.NoError(t, json.Unmarshal(msg[1], &ev))
		ok, _ := ev.CheckSignature()
		if ev.Content == "spam" {
			return [][]any{{"NOTICE", "hm"}, {"OK", ev.ID, false, "blocked: no"}}
		}
		return [][]any{{"OK", "other", false, ""}, {"OK", ev.ID, ok, ""}}
	})
	ok, reason, err := publish(context.Background(), u, signed(t, "hello"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason, err = publish(context.Background(), u, signed(t, "spam"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "blocked: no", reason)
}

func TestQuery(t *testing.T) {
	stored := []*nostr.Event{signed(t, "one"), signed(t, "two")}
	u := fakeRelay(t, func(msg []json.RawMessage) [][]any {
		var label, id string
		assert.NoError(t, json.Unmarshal(msg[0], &label))
		assert.NoError(t, json.Unmarshal(msg[1], &id))
		if label != "REQ" {
			return nil
		}
		var f filter.T
		assert.NoError(t, json.Unmarshal(msg[2], &f))
		assert.True(t, f.Local)
		assert.Equal(t, []int{1}, f.Kinds)
		return [][]any{{"EVENT", id, stored[0]}, {"EVENT", id, stored[1]},
			{"EOSE", id}}
	})
	f := filter.New(nostr.Filter{Kinds: []int{1}})
	f.Local = true
	var got []string
	require.NoError(t, query(context.Background(), u, f, false,
		func(ev *nostr.Event) { got = append(got, ev.ID) }))
	assert.Equal(t, []string{stored[0].ID, stored[1].ID}, got)

	closed := fakeRelay(t, func(msg []json.RawMessage) [][]any {
		var id string
		assert.NoError(t, json.Unmarshal(msg[1], &id))
		return [][]any{{"CLOSED", id, "blocked: too complex"}}
	})
	err := query(context.Background(), closed, f, false, func(*nostr.Event) {})
	assert.EqualError(t, err, "closed: blocked: too complex")
}
