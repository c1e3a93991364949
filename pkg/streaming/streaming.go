// Package streaming serves the client-API streaming endpoint: a websocket
// per client that pushes "update" envelopes for each newly accepted event in
// the requested category.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/hydrate"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/registry"
	"github.com/Hubmakerlabs/federatr/pkg/signer"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

const (
	Path       = "/api/v1/streaming"
	WriteWait  = 10 * time.Second
	PongWait   = 60 * time.Second
	PingPeriod = 30 * time.Second
	// subscription id used for a streaming connection's single subscription
	subID = "1"
)

// Categories are the stream names a client may ask for. Only some of them
// resolve to a filter; the rest are accepted and stay silent.
var Categories = []string{
	"public",
	"public:media",
	"public:local",
	"public:local:media",
	"public:remote",
	"public:remote:media",
	"hashtag",
	"hashtag:local",
	"user",
	"user:notification",
	"list",
	"direct",
}

// FeedResolver lists the authors whose notes belong in a user's home feed.
type FeedResolver func(c context.Context, pubkey string) ([]string, error)

// Envelope is one message sent to a streaming client. Payload is itself a
// JSON document.
type Envelope struct {
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
	Stream  []string `json:"stream"`
}

type Handler struct {
	Registry *registry.Registry
	// Hydrate is where author profiles are looked up.
	Hydrate hydrate.Options
	Feeds   FeedResolver

	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func New(reg *registry.Registry, o hydrate.Options, feeds FeedResolver) *Handler {
	return &Handler{
		Registry:   reg,
		Hydrate:    o,
		Feeds:      feeds,
		PingPeriod: PingPeriod,
		PongWait:   PongWait,
		WriteWait:  WriteWait,
	}
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	chk.D(json.NewEncoder(w).Encode(map[string]string{"error": msg}))
}

// TopicFilter resolves a category to the filter of events it streams. ok is
// false for categories that stream nothing.
func (h *Handler) TopicFilter(c context.Context, topic, pubkey,
	tag string) (f filter.T, ok bool, err error) {

	f = filter.New(nostr.Filter{Kinds: []int{kind.TextNote}})
	switch topic {
	case "public":
	case "public:local":
		f.Local = true
	case "hashtag", "hashtag:local":
		if tag == "" {
			return f, false, nil
		}
		f.Tags = nostr.TagMap{"t": []string{tag}}
		f.Local = topic == "hashtag:local"
	case "user":
		if h.Feeds == nil {
			return f, false, nil
		}
		if f.Authors, err = h.Feeds(c, pubkey); err != nil {
			return
		}
	default:
		return f, false, nil
	}
	return f, true, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "Please use websocket protocol", http.StatusBadRequest)
		return
	}
	token := r.Header.Get("Sec-WebSocket-Protocol")
	if token == "" {
		httpError(w, http.StatusUnauthorized, "Missing access token")
		return
	}
	pubkey, ok := signer.ParsePubkey(token)
	if !ok {
		httpError(w, http.StatusUnauthorized, "Invalid access token")
		return
	}
	stream := r.URL.Query().Get("stream")
	if !slices.Contains(Categories, stream) {
		stream = ""
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	var err error
	var conn *websocket.Conn
	if conn, err = upgrader.Upgrade(w, r, http.Header{
		"Sec-Websocket-Protocol": []string{token},
	}); chk.D(err) {
		return
	}
	connID := uuid.NewString()
	c, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.Registry.UnregisterConnection(connID)
		chk.T(conn.Close())
		log.D.F("streaming client %s disconnected", connID)
	}()
	go h.readLoop(conn, cancel)
	var sub *registry.Subscription
	if stream != "" {
		var f filter.T
		if f, ok, err = h.TopicFilter(c, stream, pubkey,
			r.URL.Query().Get("tag")); chk.D(err) {
			return
		}
		if ok {
			sub = h.Registry.Register(connID, subID, filter.Filters{f})
			log.D.F("streaming %s to %s as %s", stream, pubkey, connID)
		}
	}
	h.writeLoop(c, conn, sub, stream)
}

// readLoop discards client messages, keeping the read deadline fresh on
// pongs, and cancels c when the client goes away.
func (h *Handler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	chk.D(conn.SetReadDeadline(time.Now().Add(h.PongWait)))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure) {
				log.D.Ln("streaming read:", err)
			}
			return
		}
	}
}

func (h *Handler) writeLoop(c context.Context, conn *websocket.Conn,
	sub *registry.Subscription, stream string) {

	ticker := time.NewTicker(h.PingPeriod)
	defer ticker.Stop()
	var events <-chan *nostr.Event
	var done <-chan struct{}
	if sub != nil {
		events, done = sub.Events(), sub.Done()
	}
	for {
		select {
		case <-c.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(h.WriteWait)); err != nil {
				return
			}
		case ev := <-events:
			b, err := h.render(c, ev, stream)
			if err != nil {
				if c.Err() != nil {
					return
				}
				log.D.Ln("rendering", ev.ID, err)
				continue
			}
			chk.D(conn.SetWriteDeadline(time.Now().Add(h.WriteWait)))
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func (h *Handler) render(c context.Context, ev *nostr.Event,
	stream string) (b []byte, err error) {

	var he *hydrate.Event
	if he, err = hydrate.One(c, h.Hydrate, ev, hydrate.Author); err != nil {
		return
	}
	var payload []byte
	if payload, err = json.Marshal(he); err != nil {
		return
	}
	return json.Marshal(Envelope{
		Event:   "update",
		Payload: string(payload),
		Stream:  []string{stream},
	})
}
