package federated

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Pool is the connection set to peer relays.
type Pool interface {
	Subscribe(c context.Context, url string,
		ff nostr.Filters) (sub Subscription, err error)
	Publish(c context.Context, url string, ev *nostr.Event) (err error)
}

// Subscription is one open REQ against a peer.
type Subscription interface {
	Events() <-chan *nostr.Event
	// EOSE fires once the peer has sent all its stored events.
	EOSE() <-chan struct{}
	Close()
}

// SimplePool connects to peers through a go-nostr pool, reusing one
// connection per relay.
type SimplePool struct {
	*nostr.SimplePool
}

func NewSimplePool(c context.Context) *SimplePool {
	return &SimplePool{SimplePool: nostr.NewSimplePool(c)}
}

func (p *SimplePool) Subscribe(c context.Context, url string,
	ff nostr.Filters) (sub Subscription, err error) {

	var r *nostr.Relay
	if r, err = p.EnsureRelay(url); err != nil {
		return
	}
	var s *nostr.Subscription
	if s, err = r.Subscribe(c, ff); err != nil {
		return
	}
	return relaySub{s}, nil
}

func (p *SimplePool) Publish(c context.Context, url string,
	ev *nostr.Event) (err error) {

	var r *nostr.Relay
	if r, err = p.EnsureRelay(url); err != nil {
		return
	}
	return r.Publish(c, *ev)
}

type relaySub struct{ s *nostr.Subscription }

func (r relaySub) Events() <-chan *nostr.Event { return r.s.Events }
func (r relaySub) EOSE() <-chan struct{}        { return r.s.EndOfStoredEvents }
func (r relaySub) Close()                       { r.s.Unsub() }
