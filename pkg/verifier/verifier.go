// Package verifier checks that an event's id is the hash of its canonical
// serialization and that its signature is valid for its pubkey. Checks run on
// a bounded pool so a burst of inbound events queues rather than saturating
// every core.
package verifier

import (
	"context"
	"encoding/hex"
	"os"
	"runtime"

	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/semaphore"
)

var log, chk = slog.New(os.Stderr)

// Pool bounds the number of concurrent verifications.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a pool allowing workers concurrent checks; workers <= 0 uses the
// number of CPUs.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Verify blocks until a worker slot is free and then checks ev. It returns
// false on any failure, including a cancelled context while waiting. An event
// already marked in c with WithVerified passes without a second check.
func (p *Pool) Verify(c context.Context, ev *nostr.Event) (ok bool) {
	if Verified(c, ev) {
		return true
	}
	if err := p.sem.Acquire(c, 1); err != nil {
		log.D.Ln("verification not started:", err)
		return false
	}
	defer p.sem.Release(1)
	return Check(ev)
}

type verifiedKey struct{}

// WithVerified records in c that ev has passed Verify.
func WithVerified(c context.Context, ev *nostr.Event) context.Context {
	return context.WithValue(c, verifiedKey{}, ev)
}

// Verified reports whether c carries a WithVerified mark for this very event
// value.
func Verified(c context.Context, ev *nostr.Event) bool {
	marked, _ := c.Value(verifiedKey{}).(*nostr.Event)
	return ev != nil && marked == ev
}

// Check verifies ev on the calling goroutine.
func Check(ev *nostr.Event) (ok bool) {
	if ev == nil {
		return false
	}
	if !IDMatches(ev) {
		log.D.F("id mismatch for event %s", ev.ID)
		return false
	}
	var err error
	if ok, err = ev.CheckSignature(); chk.D(err) {
		return false
	}
	if !ok {
		log.D.F("bad signature on event %s", ev.ID)
	}
	return
}

// IDMatches reports whether ev.ID is the hash of the canonical serialization.
func IDMatches(ev *nostr.Event) bool {
	h := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(h[:]) == ev.ID
}
