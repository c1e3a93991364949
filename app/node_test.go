package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{
		Listen:      "127.0.0.1:3334",
		URL:         "wss://bridge.example.com",
		Name:        "bridge",
		Peers:       []string{"wss://a.example.com"},
		CacheSize:   10,
		FreshWindow: 10 * time.Second,
		MaxConns:    8,
		RateLimit:   1,
		Burst:       1,
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save(path))
	var got Config
	require.NoError(t, got.Load(path))
	assert.Equal(t, cfg.Peers, got.Peers)
	assert.Equal(t, cfg.FreshWindow, got.FreshWindow)

	got.SecKey = "not a key"
	assert.Error(t, got.Validate())
}

func TestExportImport(t *testing.T) {
	c := context.Background()
	src := newNode(t)
	a := newAuthor(t)
	register(t, src, a)
	var ids []string
	for i := 0; i < 3; i++ {
		ev := a.sign(t, kind.TextNote, time.Now().Add(-time.Hour),
			fmt.Sprintf("note %d", i))
		require.NoError(t, src.Pipeline.HandleEvent(c, ev))
		ids = append(ids, ev.ID)
	}
	path := filepath.Join(t.TempDir(), "export.jsonl")
	n, err := src.Export(c, path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// a forged line is skipped
	forged := a.sign(t, kind.TextNote, time.Now(), "forged")
	forged.Content = "changed"
	b, err := forged.MarshalJSON()
	require.NoError(t, err)
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = fh.Write(append(b, '\n'))
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	dst := newNode(t)
	got, err := dst.Import(c, []string{path})
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	for _, id := range ids {
		assert.True(t, stored(t, dst, id))
	}
	assert.False(t, stored(t, dst, forged.ID))
}

func TestHandlerRoutes(t *testing.T) {
	n := newNode(t)
	n.Config.Name = "test bridge"
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/nostr+json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var inf struct {
		Name   string `json:"name"`
		PubKey string `json:"pubkey"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&inf))
	res.Body.Close()
	assert.Equal(t, "test bridge", inf.Name)
	assert.Equal(t, n.Admin.PublicKey(), inf.PubKey)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	b, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, bytes.Contains(b, []byte("federatr_")))

	res, err = http.Get(srv.URL + "/api/v1/trends")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	a := newAuthor(t)
	register(t, n, a)
	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ev := a.sign(t, kind.TextNote, time.Now(), "over the wire")
	require.NoError(t, conn.WriteJSON([]any{"EVENT", ev}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ok []json.RawMessage
	require.NoError(t, conn.ReadJSON(&ok))
	require.Len(t, ok, 4)
	assert.Equal(t, `"OK"`, string(ok[0]))
	assert.Equal(t, `true`, string(ok[2]))
	assert.True(t, stored(t, n, ev.ID))

	stranger := newAuthor(t)
	ev = stranger.sign(t, kind.TextNote, time.Now(), "who am i")
	require.NoError(t, conn.WriteJSON([]any{"EVENT", ev}))
	require.NoError(t, conn.ReadJSON(&ok))
	var reason string
	require.NoError(t, json.Unmarshal(ok[3], &reason))
	assert.Equal(t, "blocked: only registered users can post", reason)
}

func TestConfigMerge(t *testing.T) {
	args := &Config{Listen: "0.0.0.0:3334", Peers: []string{"wss://a.example.com"},
		CacheSize: 3000}
	args.Merge(&Config{
		Listen:    "127.0.0.1:4444",
		Peers:     []string{"wss://a.example.com", "wss://b.example.com"},
		CacheSize: 0,
		Burst:     7,
	})
	assert.Equal(t, "127.0.0.1:4444", args.Listen)
	assert.Equal(t, []string{"wss://a.example.com", "wss://b.example.com"}, args.Peers)
	assert.Equal(t, 3000, args.CacheSize)
	assert.Equal(t, 7, args.Burst)
}
