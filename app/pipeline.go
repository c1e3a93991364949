package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/cache"
	"github.com/Hubmakerlabs/federatr/pkg/hydrate"
	"github.com/Hubmakerlabs/federatr/pkg/lnurl"
	"github.com/Hubmakerlabs/federatr/pkg/metrics"
	"github.com/Hubmakerlabs/federatr/pkg/registry"
	"github.com/Hubmakerlabs/federatr/pkg/relayerror"
	"github.com/Hubmakerlabs/federatr/pkg/reqmeister"
	"github.com/Hubmakerlabs/federatr/pkg/signer"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/Hubmakerlabs/federatr/pkg/telemetry"
	"github.com/Hubmakerlabs/federatr/pkg/verifier"
	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var log, chk = slog.New(os.Stderr)

var tracer = telemetry.Tracer("github.com/Hubmakerlabs/federatr/app")

// Durable is what the pipeline needs from the database beyond plain storage.
type Durable interface {
	eventstore.Store
	IsLocal(pubkey string) bool
	UpdateStats(c context.Context, ev *nostr.Event) (applied bool, err error)
	AddRelays(urls ...string) (added []string, err error)
	AddTagUsages(pubkey string, hashtags []string, at time.Time) (err error)
	DeleteAttachedMedia(pubkey string, urls []string) (n int, err error)
}

const (
	DefaultFreshWindow     = 10 * time.Second
	DefaultResubmitTimeout = time.Second
	// DefaultMaxDepth bounds chains of events the pipeline mints and feeds
	// back to itself.
	DefaultMaxDepth = 3
)

// Pipeline decides what becomes of every inbound event, whether it came from
// a client, a peer, or the node itself.
type Pipeline struct {
	Admin    signer.Signer
	RelayURL string
	Verifier *verifier.Pool
	Cache    *cache.T
	DB       Durable
	// Store is the composite store; removals go through it so cached copies
	// disappear with stored ones.
	Store      eventstore.Store
	Federated  eventstore.Store
	Reqmeister *reqmeister.T
	Registry   *registry.Registry
	LNURL      lnurl.Service

	FreshWindow     time.Duration
	ResubmitTimeout time.Duration
	MaxDepth        int
	// Now is the clock used for freshness and minted events.
	Now func() time.Time
}

// event is an inbound event with what the pipeline learned about it.
type event struct {
	*nostr.Event
	// user is the author's registration record, if the author is local.
	user *nostr.Event
	// wanted is set when the node asked peers for this event.
	wanted bool
}

func (p *Pipeline) adminPubkey() string {
	if p.Admin == nil {
		return ""
	}
	return p.Admin.PublicKey()
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// fresh reports whether ev's timestamp is within the freshness window of now,
// on either side.
func (p *Pipeline) fresh(ev *nostr.Event) bool {
	window := p.FreshWindow
	if window <= 0 {
		window = DefaultFreshWindow
	}
	age := p.now().Sub(ev.CreatedAt.Time())
	return age < window && age > -window
}

func outcome(o string) { metrics.EventsReceived.WithLabelValues(o).Inc() }

// HandleEvent runs ev through the pipeline. It is idempotent. The returned
// error is nil, a *relayerror.T when the event is refused or its author could
// not be loaded, or the context's error when c fired first.
func (p *Pipeline) HandleEvent(c context.Context, ev *nostr.Event) (err error) {
	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()
	c, span := tracer.Start(c, "HandleEvent", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.Int("event.kind", ev.Kind),
	))
	defer span.End()
	if !p.Verifier.Verify(c, ev) {
		if err = c.Err(); err != nil {
			outcome("canceled")
			return
		}
		outcome("invalid")
		return
	}
	var wanted bool
	if p.Reqmeister != nil {
		wanted = p.Reqmeister.IsWanted(ev)
	}
	seen := p.Cache.Encounter(ev)
	if p.Reqmeister != nil {
		p.Reqmeister.Event(ev)
	}
	if seen {
		outcome("duplicate")
		return
	}
	log.D.F("kind %d %s", ev.Kind, ev.ID)
	var h *hydrate.Event
	if h, err = hydrate.One(c, hydrate.Options{
		Store: p.DB,
		Admin: p.adminPubkey(),
	}, ev, hydrate.User); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if c.Err() != nil {
			err = c.Err()
			outcome("canceled")
		} else {
			log.E.F("loading author of %s: %v", ev.ID, err)
			err = relayerror.NewError("could not load event author")
			outcome("error")
		}
		// nothing was done with it, so a later delivery must not count as a
		// duplicate
		chk.D(p.Cache.Remove(context.WithoutCancel(c),
			one(nostr.Filter{IDs: []string{ev.ID}})))
		return
	}
	err = p.fanOut(c, &event{Event: ev, user: h.User, wanted: wanted})
	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		outcome("blocked")
		// a refused event may be acceptable later, once its author registers
		chk.D(p.Cache.Remove(context.WithoutCancel(c),
			one(nostr.Filter{IDs: []string{ev.ID}})))
	case c.Err() != nil:
		err = c.Err()
		outcome("canceled")
	default:
		outcome("accepted")
	}
	return
}

type branch struct {
	name string
	fn   func(c context.Context, e *event) error
}

// fanOut runs every side effect concurrently and waits for all of them. A
// failing or panicking branch is logged and counted; only a refusal from the
// persist branch is returned.
func (p *Pipeline) fanOut(c context.Context, e *event) (err error) {
	branches := []branch{
		{"persist", p.persist},
		{"deletions", p.processDeletions},
		{"relays", p.trackRelays},
		{"hashtags", p.trackHashtags},
		{"related", p.fetchRelated},
		{"media", p.processMedia},
		{"register", p.registerUser},
		{"zap", p.payZap},
		{"stream", p.streamOut},
		{"broadcast", p.broadcast},
	}
	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i := range branches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := branches[i]
			bc, span := tracer.Start(c, b.name)
			defer span.End()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic in %s: %v", b.name, r)
				}
				if errs[i] != nil {
					span.SetStatus(codes.Error, errs[i].Error())
				}
			}()
			errs[i] = b.fn(bc, e)
		}(i)
	}
	wg.Wait()
	for i, b := range branches {
		if errs[i] == nil {
			continue
		}
		if b.name == "persist" && relayerror.HasPrefix(errs[i], relayerror.Blocked) {
			log.D.F("%s refused: %v", e.ID, errs[i])
			err = errs[i]
			continue
		}
		if eventstore.IsCanceled(errs[i]) {
			log.T.F("%s: %s canceled", e.ID, b.name)
			continue
		}
		metrics.BranchFailures.WithLabelValues(b.name).Inc()
		log.D.F("%s: %s failed: %v", e.ID, b.name, errs[i])
	}
	return
}

type depthKey struct{}

func depthOf(c context.Context) int {
	d, _ := c.Value(depthKey{}).(int)
	return d
}

// resubmit feeds events the node minted back through the pipeline, each with
// its own timeout, refusing to nest deeper than MaxDepth.
func (p *Pipeline) resubmit(c context.Context, evs ...*nostr.Event) (err error) {
	depth := depthOf(c) + 1
	limit := p.MaxDepth
	if limit <= 0 {
		limit = DefaultMaxDepth
	}
	if depth > limit {
		return fmt.Errorf("resubmission depth %d exceeds %d", depth, limit)
	}
	timeout := p.ResubmitTimeout
	if timeout <= 0 {
		timeout = DefaultResubmitTimeout
	}
	base := context.WithValue(context.WithoutCancel(c), depthKey{}, depth)
	errs := make([]error, len(evs))
	var wg sync.WaitGroup
	for i, ev := range evs {
		wg.Add(1)
		go func(i int, ev *nostr.Event) {
			defer wg.Done()
			rc, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			errs[i] = p.HandleEvent(rc, ev)
		}(i, ev)
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return
}
