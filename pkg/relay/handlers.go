package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/relayerror"
	"github.com/Hubmakerlabs/federatr/pkg/verifier"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

// ServeHTTP implements http.Handler interface.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "websocket" {
		rl.HandleWebsocket(w, r)
	} else if r.Header.Get("Accept") == "application/nostr+json" {
		cors.AllowAll().Handler(http.HandlerFunc(rl.HandleNIP11)).ServeHTTP(w, r)
	} else {
		rl.serveMux.ServeHTTP(w, r)
	}
}

func (rl *Relay) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	var err error
	var conn *websocket.Conn
	if conn, err = rl.upgrader.Upgrade(w, r, nil); chk.E(err) {
		log.E.F("failed to upgrade websocket: %v", err)
		return
	}
	ticker := time.NewTicker(rl.PingPeriod)
	ws := &WebSocket{
		ID:      uuid.NewString(),
		Request: r,
		conn:    conn,
		limiter: rate.NewLimiter(rl.RateLimit, rl.Burst),
	}
	rl.clients.Store(ws.ID, ws)
	c, cancel := context.WithCancel(
		context.WithValue(context.Background(), websocketContextKey, ws))
	log.D.F("connected %s from %s", ws.ID, ws.RealRemote())
	kill := func() {
		for _, onDisconnect := range rl.OnDisconnect {
			onDisconnect(c)
		}
		ticker.Stop()
		cancel()
		if _, ok := rl.clients.LoadAndDelete(ws.ID); ok {
			chk.D(conn.Close())
			if rl.Registry != nil {
				rl.Registry.UnregisterConnection(ws.ID)
			}
			log.D.F("disconnected %s", ws.ID)
		}
	}
	go rl.websocketReadMessages(c, kill, ws)
	go rl.websocketWatcher(c, kill, ticker, ws)
}

func (rl *Relay) websocketReadMessages(c context.Context, kill func(),
	ws *WebSocket) {

	defer kill()
	conn := ws.conn
	conn.SetReadLimit(rl.MaxMessageSize)
	chk.E(conn.SetReadDeadline(time.Now().Add(rl.PongWait)))
	conn.SetPongHandler(func(string) error {
		chk.E(conn.SetReadDeadline(time.Now().Add(rl.PongWait)))
		return nil
	})
	for _, onConnect := range rl.OnConnect {
		onConnect(c)
	}
	for {
		typ, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,    // 1000
				websocket.CloseGoingAway,        // 1001
				websocket.CloseNoStatusReceived, // 1005
				websocket.CloseAbnormalClosure,  // 1006
			) {
				log.W.F("unexpected close error from %s: %v",
					ws.RealRemote(), err)
			}
			return
		}
		if typ == websocket.PingMessage {
			chk.D(ws.WriteMessage(websocket.PongMessage, nil))
			continue
		}
		rl.handleMessage(c, ws, message)
	}
}

func (rl *Relay) websocketWatcher(c context.Context, kill func(),
	t *time.Ticker, ws *WebSocket) {

	defer kill()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !strings.HasSuffix(err.Error(),
					"use of closed network connection") {
					log.D.F("error writing ping: %v; closing websocket", err)
				}
				return
			}
		}
	}
}

func notice(format string, a ...any) nostr.NoticeEnvelope {
	return nostr.NoticeEnvelope(fmt.Sprintf(format, a...))
}

func (rl *Relay) handleMessage(c context.Context, ws *WebSocket,
	message []byte) {

	var raw []json.RawMessage
	var label string
	if err := json.Unmarshal(message, &raw); err != nil || len(raw) < 2 ||
		json.Unmarshal(raw[0], &label) != nil {

		chk.D(ws.WriteJSON(notice("error: could not parse message")))
		return
	}
	switch label {
	case "EVENT":
		ev := &nostr.Event{}
		if err := json.Unmarshal(raw[1], ev); err != nil {
			chk.D(ws.WriteJSON(notice("error: could not parse event: %v", err)))
			return
		}
		if !rl.Verifier.Verify(c, ev) {
			chk.D(ws.WriteJSON(nostr.OKEnvelope{EventID: ev.ID,
				Reason: relayerror.NewInvalid(invalidMessage).Error()}))
			return
		}
		c := verifier.WithVerified(c, ev)
		go func() { chk.D(ws.WriteJSON(rl.handleEvent(c, ws, ev))) }()
	case "REQ", "COUNT":
		id, ff, err := parseRequest(raw)
		if err != nil {
			chk.D(ws.WriteJSON(notice("error: %v", err)))
			return
		}
		if label == "COUNT" {
			go func() {
				n := rl.handleCount(c, ws, ff)
				chk.D(ws.WriteJSON(nostr.CountEnvelope{SubscriptionID: id,
					Count: &n}))
			}()
			return
		}
		go rl.handleRequest(c, ws, id, ff)
	case "CLOSE":
		var id string
		if err := json.Unmarshal(raw[1], &id); err != nil {
			chk.D(ws.WriteJSON(notice("error: could not parse subscription id")))
			return
		}
		if rl.Registry != nil {
			rl.Registry.Unregister(ws.ID, id)
		}
	default:
		chk.D(ws.WriteJSON(notice("error: unknown message type %s", label)))
	}
}

func parseRequest(raw []json.RawMessage) (id string, ff filter.Filters,
	err error) {

	if err = json.Unmarshal(raw[1], &id); err != nil || id == "" {
		return "", nil, errors.New("invalid subscription id")
	}
	ff = make(filter.Filters, len(raw)-2)
	for i := range ff {
		if err = json.Unmarshal(raw[i+2], &ff[i]); err != nil {
			return "", nil, fmt.Errorf("invalid filter: %w", err)
		}
	}
	return
}

const invalidMessage = "event id or signature is invalid"

// handleEvent answers an EVENT message that has already passed the verifier.
// Forged events never reach the rate limiter, so they cost the sender nothing
// from its allowance.
func (rl *Relay) handleEvent(c context.Context, ws *WebSocket,
	ev *nostr.Event) (ok nostr.OKEnvelope) {

	ok.EventID = ev.ID
	if !ws.limiter.Allow() {
		ok.Reason = relayerror.NewRateLimited(rateLimitedMessage).Error()
		return
	}
	for _, reject := range rl.RejectEvent {
		if rej, msg := reject(c, ev); rej {
			if msg == "" {
				msg = "no reason"
			}
			ok.Reason = relayerror.NewBlocked(msg).Error()
			return
		}
	}
	if rl.Handler == nil {
		ok.Reason = relayerror.NewError("not accepting events").Error()
		return
	}
	err := rl.Handler.HandleEvent(c, ev)
	ok.OK = err == nil || relayerror.HasPrefix(err, relayerror.Duplicate)
	ok.Reason = relayerror.Reason(err)
	return
}

func (rl *Relay) handleCount(c context.Context, ws *WebSocket,
	ff filter.Filters) (total int64) {

	for _, f := range ff {
		if reason := rl.checkFilter(c, &f); reason != "" {
			chk.D(ws.WriteJSON(notice("%s", reason)))
			continue
		}
		for _, count := range rl.CountEvents {
			n, err := count(c, f)
			if chk.D(err) {
				chk.D(ws.WriteJSON(notice("error: %v", err)))
				continue
			}
			total += n
		}
	}
	return
}

// checkFilter applies the overwrite and reject hooks to f, returning the
// refusal reason if one rejects it.
func (rl *Relay) checkFilter(c context.Context, f *filter.T) (reason string) {
	for _, ovw := range rl.OverwriteFilter {
		ovw(c, f)
	}
	for _, reject := range rl.RejectFilter {
		if rej, msg := reject(c, *f); rej {
			return relayerror.NewBlocked(msg).Error()
		}
	}
	return
}

func (rl *Relay) HandleNIP11(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/nostr+json")
	chk.E(json.NewEncoder(w).Encode(rl.Info))
}
