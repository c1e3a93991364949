// Package federated answers queries by asking peer relays. Every event a
// peer returns is handed back to the node's pipeline as though it had been
// published here, so the network continually feeds the local stores.
package federated

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/filter"
	"github.com/Hubmakerlabs/federatr/pkg/metrics"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

var (
	_ eventstore.Store    = (*Store)(nil)
	_ eventstore.Streamer = (*Store)(nil)
)

// ErrNoPeers is returned by Write when no peer accepted the event.
var ErrNoPeers = errors.New("no peer relay accepted the event")

// Submitter takes events back into the node.
type Submitter interface {
	HandleEvent(c context.Context, ev *nostr.Event) (err error)
}

type Store struct {
	Pool  Pool
	Peers []string
	// Submitter receives every event peers return. It is usually set after
	// construction, once the pipeline exists.
	Submitter Submitter
	// ResubmitTimeout bounds each resubmission, which runs detached from the
	// query that found the event.
	ResubmitTimeout time.Duration
	// Timeout applies to queries whose context has no deadline, so a peer
	// that never finishes its stored events cannot hold a query open.
	Timeout time.Duration
}

func New(pool Pool, peers ...string) *Store {
	return &Store{
		Pool:            pool,
		Peers:           peers,
		ResubmitTimeout: time.Second,
		Timeout:         5 * time.Second,
	}
}

// remote drops filters restricted to local users; peers cannot evaluate them
// and have nothing to add.
func remote(ff filter.Filters) (out filter.Filters) {
	for i := range ff {
		if !ff[i].Local {
			out = append(out, ff[i])
		}
	}
	return
}

func (s *Store) peers(o eventstore.Options) []string {
	if len(o.Relays) > 0 {
		return o.Relays
	}
	return s.Peers
}

func (s *Store) resubmit(ev *nostr.Event) {
	if s.Submitter == nil {
		return
	}
	go func() {
		c, cancel := context.WithTimeout(context.Background(), s.ResubmitTimeout)
		defer cancel()
		if err := s.Submitter.HandleEvent(c, ev); err != nil {
			log.T.F("resubmitted %s: %v", ev.ID, err)
		}
	}()
}

func observe(start time.Time, err error) {
	result := "ok"
	switch {
	case eventstore.IsCanceled(err):
		result = "canceled"
	case err != nil:
		result = "error"
	}
	metrics.FederatedQueryDuration.WithLabelValues(result).
		Observe(time.Since(start).Seconds())
}

// subscribe forwards one peer's stored events until it signals the end of
// them, closes the subscription, or c fires.
func (s *Store) subscribe(c context.Context, url string, ff nostr.Filters,
	results chan<- *nostr.Event) {

	sub, err := s.Pool.Subscribe(c, url, ff)
	if err != nil {
		log.D.F("subscribing to %s: %v", url, err)
		return
	}
	defer sub.Close()
	forward := func(ev *nostr.Event) bool {
		select {
		case results <- ev:
			return true
		case <-c.Done():
			return false
		}
	}
	for {
		select {
		case <-c.Done():
			return
		case <-sub.EOSE():
			// take whatever was already queued ahead of the marker
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok || !forward(ev) {
						return
					}
				default:
					return
				}
			}
		case ev, ok := <-sub.Events():
			if !ok || !forward(ev) {
				return
			}
		}
	}
}

// run fans the filters out to the peers and hands each new matching event to
// emit until emit declines, the limit is reached, every peer is done, or c
// fires. Only a fired c is an error.
func (s *Store) run(c context.Context, ff filter.Filters, o eventstore.Options,
	emit func(ev *nostr.Event) bool) (err error) {

	ff = remote(ff)
	peers := s.peers(o)
	if len(ff) == 0 || len(peers) == 0 {
		return c.Err()
	}
	var cc context.Context
	var cancel context.CancelFunc
	if _, ok := c.Deadline(); !ok && s.Timeout > 0 {
		cc, cancel = context.WithTimeout(c, s.Timeout)
	} else {
		cc, cancel = context.WithCancel(c)
	}
	defer cancel()
	results := make(chan *nostr.Event)
	var wg sync.WaitGroup
	nf := ff.Nostr()
	for _, url := range peers {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			s.subscribe(cc, url, nf, results)
		}(url)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	seen := make(map[string]struct{})
	var n int
	for {
		select {
		case <-c.Done():
			return c.Err()
		case ev, ok := <-results:
			if !ok {
				return c.Err()
			}
			if ev == nil {
				continue
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			if !ff.Match(ev, nil) {
				continue
			}
			s.resubmit(ev)
			n++
			if !emit(ev) || (o.Limit > 0 && n >= o.Limit) {
				return
			}
		}
	}
}

func (s *Store) Query(c context.Context, ff filter.Filters,
	opts ...eventstore.Option) (evs []*nostr.Event, err error) {

	start := time.Now()
	o := eventstore.Apply(opts)
	err = s.run(c, ff, o, func(ev *nostr.Event) bool {
		evs = append(evs, ev)
		return true
	})
	observe(start, err)
	if err != nil {
		return nil, err
	}
	evs = eventstore.Select(remote(ff), nil, o.Limit, evs)
	return
}

// Stream delivers peer events as they arrive. The channel closes when every
// peer is done, the limit is reached, or c fires.
func (s *Store) Stream(c context.Context, ff filter.Filters,
	opts ...eventstore.Option) (ch <-chan *nostr.Event, err error) {

	if err = c.Err(); err != nil {
		return
	}
	o := eventstore.Apply(opts)
	out := make(chan *nostr.Event, 64)
	go func() {
		defer close(out)
		start := time.Now()
		err := s.run(c, ff, o, func(ev *nostr.Event) bool {
			select {
			case out <- ev:
				return true
			case <-c.Done():
				return false
			}
		})
		observe(start, err)
	}()
	return out, nil
}

// Write publishes ev to every peer. It fails only when all of them refuse.
func (s *Store) Write(c context.Context, ev *nostr.Event) (err error) {
	if len(s.Peers) == 0 {
		return
	}
	var wg sync.WaitGroup
	var mx sync.Mutex
	var accepted int
	for _, url := range s.Peers {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if err := s.Pool.Publish(c, url, ev); err != nil {
				log.D.F("publishing %s to %s: %v", ev.ID, url, err)
				return
			}
			mx.Lock()
			accepted++
			mx.Unlock()
		}(url)
	}
	wg.Wait()
	if accepted == 0 {
		if err = c.Err(); err == nil {
			err = ErrNoPeers
		}
		chk.D(err)
	}
	return
}

// Count asks peers for the matching events and counts the distinct ones.
func (s *Store) Count(c context.Context, ff filter.Filters) (n int64, err error) {
	var evs []*nostr.Event
	if evs, err = s.Query(c, ff); err != nil {
		return
	}
	return int64(len(evs)), nil
}

// Remove does nothing: peers are not ours to delete from.
func (s *Store) Remove(context.Context, filter.Filters) (err error) { return }
