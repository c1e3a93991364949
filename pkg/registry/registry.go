// Package registry tracks the live subscriptions of every connected client
// and fans newly accepted events out to the ones whose filters match.
package registry

import (
	"os"
	"sync"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/metrics"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, _ = slog.New(os.Stderr)

// DefaultBuffer is how many undelivered events a subscription holds before
// further ones are dropped.
const DefaultBuffer = 256

type Subscription struct {
	ConnID  string
	ID      string
	Filters filter.Filters
	events  chan *nostr.Event
	done    chan struct{}
	once    sync.Once
}

// Events delivers matching events. It is never closed; watch Done.
func (s *Subscription) Events() <-chan *nostr.Event { return s.events }

// Done is closed when the subscription is unregistered.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		metrics.Subscriptions.Dec()
	})
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type subs = *xsync.MapOf[string, *Subscription]

type Registry struct {
	Locality filter.Locality
	Buffer   int
	conns    *xsync.MapOf[string, subs]
}

func New(loc filter.Locality) *Registry {
	return &Registry{
		Locality: loc,
		Buffer:   DefaultBuffer,
		conns:    xsync.NewMapOf[subs](),
	}
}

// Register adds a subscription, replacing any with the same id on the same
// connection.
func (r *Registry) Register(connID, id string, ff filter.Filters) (s *Subscription) {
	s = &Subscription{
		ConnID:  connID,
		ID:      id,
		Filters: ff,
		events:  make(chan *nostr.Event, r.Buffer),
		done:    make(chan struct{}),
	}
	metrics.Subscriptions.Inc()
	m, _ := r.conns.LoadOrCompute(connID, func() subs {
		return xsync.NewMapOf[*Subscription]()
	})
	if old, loaded := m.LoadAndStore(id, s); loaded {
		old.close()
	}
	log.T.F("registered %s/%s", connID, id)
	return
}

func (r *Registry) Unregister(connID, id string) {
	m, ok := r.conns.Load(connID)
	if !ok {
		return
	}
	if s, ok := m.LoadAndDelete(id); ok {
		s.close()
	}
	if m.Size() == 0 {
		r.conns.Delete(connID)
	}
}

// UnregisterConnection drops every subscription of a connection.
func (r *Registry) UnregisterConnection(connID string) {
	m, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	m.Range(func(_ string, s *Subscription) bool {
		s.close()
		return true
	})
}

// Len is the number of live subscriptions.
func (r *Registry) Len() (n int) {
	r.conns.Range(func(_ string, m subs) bool {
		n += m.Size()
		return true
	})
	return
}

// Matches returns the live subscriptions ev satisfies.
func (r *Registry) Matches(ev *nostr.Event) (out []*Subscription) {
	r.conns.Range(func(_ string, m subs) bool {
		m.Range(func(_ string, s *Subscription) bool {
			if !s.closed() && s.Filters.Match(ev, r.Locality) {
				out = append(out, s)
			}
			return true
		})
		return true
	})
	return
}

// Broadcast offers ev to every matching subscription without blocking; a
// subscriber whose buffer is full misses it.
func (r *Registry) Broadcast(ev *nostr.Event) (delivered int) {
	for _, s := range r.Matches(ev) {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.events <- ev:
			delivered++
			metrics.LiveDeliveries.WithLabelValues("delivered").Inc()
		default:
			log.D.F("subscription %s/%s is full, dropped %s", s.ConnID, s.ID, ev.ID)
			metrics.LiveDeliveries.WithLabelValues("dropped").Inc()
		}
	}
	return
}
