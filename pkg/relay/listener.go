package relay

import (
	"context"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/registry"
	"github.com/nbd-wtf/go-nostr"
)

// handleRequest answers a REQ: stored matches, then EOSE, then live matches
// until the client sends CLOSE or disconnects. The live subscription is
// registered before the stores are queried so nothing accepted in between is
// missed; events already sent as stored are not repeated.
func (rl *Relay) handleRequest(c context.Context, ws *WebSocket, id string,
	ff filter.Filters) {

	for i := range ff {
		if reason := rl.checkFilter(c, &ff[i]); reason != "" {
			chk.D(ws.WriteJSON(nostr.ClosedEnvelope{
				SubscriptionID: id,
				Reason:         reason,
			}))
			return
		}
	}
	var sub *registry.Subscription
	if rl.Registry != nil {
		sub = rl.Registry.Register(ws.ID, id, ff)
	}
	sent := make(map[string]struct{})
	rc, cancel := context.WithTimeout(
		context.WithValue(c, subscriptionIDContextKey, id), rl.ReqTimeout)
	rl.sendStored(rc, ws, id, ff, sub, sent)
	cancel()
	if c.Err() != nil {
		return
	}
	chk.D(ws.WriteJSON(nostr.EOSEEnvelope(id)))
	if sub == nil {
		return
	}
	for {
		select {
		case <-c.Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			if _, ok := sent[ev.ID]; ok {
				continue
			}
			if err := ws.WriteJSON(nostr.EventEnvelope{
				SubscriptionID: &id,
				Event:          *ev,
			}); chk.D(err) {
				return
			}
		}
	}
}

func (rl *Relay) sendStored(c context.Context, ws *WebSocket, id string,
	ff filter.Filters, sub *registry.Subscription, sent map[string]struct{}) {

	for _, f := range ff {
		for _, query := range rl.QueryEvents {
			ch, err := query(c, f)
			if err != nil {
				if !eventstore.IsCanceled(err) {
					chk.D(ws.WriteJSON(notice("error: %v", err)))
				}
				continue
			}
			for ev := range ch {
				if _, ok := sent[ev.ID]; ok {
					continue
				}
				if sub != nil && closed(sub) {
					return
				}
				sent[ev.ID] = struct{}{}
				chk.D(ws.WriteJSON(nostr.EventEnvelope{
					SubscriptionID: &id,
					Event:          *ev,
				}))
			}
		}
	}
}

func closed(s *registry.Subscription) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
