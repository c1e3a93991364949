// Package relay is the NIP-01 websocket front end: it accepts EVENT, REQ,
// CLOSE and COUNT messages from clients, hands events to the pipeline, serves
// stored events from the event store and forwards live matches from the
// subscription registry.
package relay

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/registry"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/Hubmakerlabs/federatr/pkg/verifier"
	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/time/rate"
)

var log, chk = slog.New(os.Stderr)

var (
	Version  = "v0.1.0"
	Software = "https://github.com/Hubmakerlabs/federatr"
)

const (
	WriteWait          = 10 * time.Second
	PongWait           = 60 * time.Second
	PingPeriod         = 30 * time.Second
	ReadBufferSize     = 4096
	WriteBufferSize    = 4096
	MaxMessageSize     = 512000
	DefaultRateLimit   = 20
	DefaultBurst       = 40
	DefaultQueryLimit  = 500
	DefaultReqTimeout  = 10 * time.Second
	rateLimitedMessage = "slow down"
)

// Handler accepts events submitted by clients.
type Handler interface {
	HandleEvent(c context.Context, ev *nostr.Event) error
}

// hook types
type (
	RejectEvent     func(c context.Context, ev *nostr.Event) (reject bool, msg string)
	RejectFilter    func(c context.Context, f filter.T) (reject bool, msg string)
	OverwriteFilter func(c context.Context, f *filter.T)
	QueryEvents     func(c context.Context, f filter.T) (ch chan *nostr.Event, err error)
	CountEvents     func(c context.Context, f filter.T) (n int64, err error)
	Hook            func(c context.Context)
)

type Relay struct {
	Info     *nip11.RelayInformationDocument
	Handler  Handler
	Registry *registry.Registry
	// Verifier checks inbound events on the connection's read loop, so a
	// busy pool slows reading instead of piling up goroutines.
	Verifier *verifier.Pool

	RejectEvent     []RejectEvent
	RejectFilter    []RejectFilter
	OverwriteFilter []OverwriteFilter
	QueryEvents     []QueryEvents
	CountEvents     []CountEvents
	OnConnect       []Hook
	OnDisconnect    []Hook

	// RateLimit and Burst bound EVENT messages per connection.
	RateLimit rate.Limit
	Burst     int
	// ReqTimeout bounds how long stored results for one REQ may take.
	ReqTimeout time.Duration

	upgrader websocket.Upgrader
	// keep a reference to all connected clients for Shutdown
	clients *xsync.MapOf[string, *WebSocket]

	serveMux *http.ServeMux

	WriteWait      time.Duration // Time allowed to write a message to the peer.
	PongWait       time.Duration // Time allowed to read the next pong message from the peer.
	PingPeriod     time.Duration // Send pings to peer with this period. Must be less than pongWait.
	MaxMessageSize int64         // Maximum message size allowed from peer.
}

// New creates a relay serving REQ and COUNT from store and handing EVENT to h.
func New(inf *nip11.RelayInformationDocument, h Handler,
	store *eventstore.Compat, reg *registry.Registry) (rl *Relay) {

	if inf == nil {
		inf = &nip11.RelayInformationDocument{}
	}
	inf.Software = Software
	inf.Version = Version
	if len(inf.SupportedNIPs) == 0 {
		inf.SupportedNIPs = []int{1, 9, 11, 45, 50}
	}
	rl = &Relay{
		Info:     inf,
		Handler:  h,
		Registry: reg,
		Verifier: verifier.New(0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  ReadBufferSize,
			WriteBufferSize: WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:        xsync.NewMapOf[*WebSocket](),
		serveMux:       &http.ServeMux{},
		RateLimit:      DefaultRateLimit,
		Burst:          DefaultBurst,
		ReqTimeout:     DefaultReqTimeout,
		WriteWait:      WriteWait,
		PongWait:       PongWait,
		PingPeriod:     PingPeriod,
		MaxMessageSize: MaxMessageSize,
	}
	if store != nil {
		rl.QueryEvents = append(rl.QueryEvents, store.QueryFilter)
		rl.CountEvents = append(rl.CountEvents, store.CountFilter)
	}
	rl.OverwriteFilter = append(rl.OverwriteFilter, ClampLimit(DefaultQueryLimit))
	return
}

// Router is the mux plain HTTP requests fall through to.
func (rl *Relay) Router() *http.ServeMux { return rl.serveMux }

// Connections is the number of open websockets.
func (rl *Relay) Connections() int { return rl.clients.Size() }

// ClampLimit caps a filter's limit, and gives unlimited filters that cap.
func ClampLimit(n int) OverwriteFilter {
	return func(_ context.Context, f *filter.T) {
		if f.Limit <= 0 || f.Limit > n {
			f.Limit = n
		}
	}
}
