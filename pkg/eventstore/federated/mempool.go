package federated

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/cache"
	fes "github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

var ErrUnreachable = errors.New("relay unreachable")

// MemRelaySize is how many events each in-process relay keeps.
const MemRelaySize = 1 << 16

// MemPool is a Pool over in-process relays, used for tests and for running a
// node without network peers. Each relay is a cache behind a RelayWrapper, so
// publishing replaceable events supersedes older versions the way a real
// relay does.
type MemPool struct {
	mx        sync.Mutex
	relays    map[string]fes.RelayWrapper
	stalled   map[string]bool
	down      map[string]bool
	published map[string][]*nostr.Event
	// Subscriptions counts Subscribe calls.
	Subscriptions atomic.Int64
}

var _ Pool = (*MemPool)(nil)

func NewMemPool() *MemPool {
	return &MemPool{
		relays:    make(map[string]fes.RelayWrapper),
		stalled:   make(map[string]bool),
		down:      make(map[string]bool),
		published: make(map[string][]*nostr.Event),
	}
}

// relay returns the store behind url, creating it on first use. The lock must
// be held.
func (p *MemPool) relay(url string) fes.RelayWrapper {
	r, ok := p.relays[url]
	if !ok {
		r = fes.RelayWrapper{Store: &eventstore.Compat{Store: cache.New(MemRelaySize)}}
		p.relays[url] = r
	}
	return r
}

// Add stores events on the relay at url as they are, without replacing older
// versions.
func (p *MemPool) Add(url string, evs ...*nostr.Event) {
	p.mx.Lock()
	defer p.mx.Unlock()
	r := p.relay(url)
	for _, ev := range evs {
		chk.E(r.SaveEvent(context.Background(), ev))
	}
}

// Stall makes the relay at url send its matches but never signal the end of
// stored events.
func (p *MemPool) Stall(url string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.stalled[url] = true
}

// Down makes every operation against url fail.
func (p *MemPool) Down(url string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.down[url] = true
}

// Published returns what was published to url.
func (p *MemPool) Published(url string) []*nostr.Event {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]*nostr.Event(nil), p.published[url]...)
}

func (p *MemPool) Subscribe(c context.Context, url string,
	ff nostr.Filters) (sub Subscription, err error) {

	p.Subscriptions.Add(1)
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.down[url] {
		return nil, ErrUnreachable
	}
	var rs nostr.RelayStore = p.relay(url)
	var matches []*nostr.Event
	seen := make(map[string]struct{})
	for _, f := range ff {
		var evs []*nostr.Event
		if evs, err = rs.QuerySync(c, f); err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			matches = append(matches, ev)
		}
	}
	m := &memSub{
		events: make(chan *nostr.Event, len(matches)),
		eose:   make(chan struct{}),
	}
	for _, ev := range matches {
		m.events <- ev
	}
	if !p.stalled[url] {
		close(m.eose)
	}
	return m, nil
}

func (p *MemPool) Publish(c context.Context, url string,
	ev *nostr.Event) (err error) {

	p.mx.Lock()
	defer p.mx.Unlock()
	if p.down[url] {
		return ErrUnreachable
	}
	p.published[url] = append(p.published[url], ev)
	var rs nostr.RelayStore = p.relay(url)
	return rs.Publish(c, *ev)
}

type memSub struct {
	events chan *nostr.Event
	eose   chan struct{}
}

func (m *memSub) Events() <-chan *nostr.Event { return m.events }
func (m *memSub) EOSE() <-chan struct{}        { return m.eose }
func (m *memSub) Close()                       {}
