package app

import (
	"context"
	"net/http"

	"github.com/Hubmakerlabs/federatr/pkg/api"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/hydrate"
	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/metrics"
	"github.com/Hubmakerlabs/federatr/pkg/relay"
	"github.com/Hubmakerlabs/federatr/pkg/relay/policies"
	"github.com/Hubmakerlabs/federatr/pkg/streaming"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

const (
	MaxIndexableTags = 2000
	MaxTagValueLen   = 1024
	MaxFilterValues  = 1000
	// MaxFutureSkew is how far ahead of the clock a client may date an event.
	MaxFutureSkew = 15 * 60
)

// Info is the relay information document built from the configuration.
func (n *Node) Info() *nip11.RelayInformationDocument {
	return &nip11.RelayInformationDocument{
		Name:          n.Config.Name,
		Description:   n.Config.Description,
		PubKey:        n.Admin.PublicKey(),
		Contact:       n.Config.Contact,
		Icon:          n.Config.Icon,
		SupportedNIPs: []int{1, 2, 9, 11, 45, 50, 65},
	}
}

// NewRelay builds the websocket front end over the node's store and
// pipeline.
func (n *Node) NewRelay() (rl *relay.Relay) {
	rl = relay.New(n.Info(), n.Pipeline, &eventstore.Compat{Store: n.Store},
		n.Registry)
	rl.Verifier = n.Pipeline.Verifier
	if n.Config.RateLimit > 0 {
		rl.RateLimit = rate.Limit(n.Config.RateLimit)
	}
	if n.Config.Burst > 0 {
		rl.Burst = n.Config.Burst
	}
	rl.RejectEvent = append(rl.RejectEvent,
		policies.PreventTooManyIndexableTags(MaxIndexableTags,
			kind.Follows, kind.RelayList),
		policies.PreventLargeTags(MaxTagValueLen),
		policies.PreventTimestampsInTheFuture(MaxFutureSkew),
	)
	rl.RejectFilter = append(rl.RejectFilter,
		policies.NoComplexFilters,
		policies.MaxValues(MaxFilterValues),
	)
	return
}

// Handler routes the streaming endpoint, the JSON API and metrics, and hands
// every other request, websocket or NIP-11, to the relay.
func (n *Node) Handler() http.Handler {
	if n.Relay == nil {
		n.Relay = n.NewRelay()
	}
	mux := http.NewServeMux()
	mux.Handle(streaming.Path, streaming.New(n.Registry,
		hydrate.Options{Store: n.Store, Admin: n.Admin.PublicKey()},
		n.Pipeline.GetFeedPubkeys))
	s := &api.Server{
		Store:   n.Store,
		DB:      n.DB,
		Threads: n.Threads,
		Feeds:   n.Pipeline.GetFeedPubkeys,
		Admin:   n.Admin.PublicKey(),
	}
	s.Routes(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/", n.Relay)
	return cors.Default().Handler(mux)
}

// Shutdown closes every client connection.
func (n *Node) Shutdown(c context.Context) {
	if n.Relay != nil {
		n.Relay.Shutdown(c)
	}
}
