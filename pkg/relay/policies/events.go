package policies

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// PreventTooManyIndexableTags returns a reject hook refusing events with
// more indexable (single-character) tags than limit. Kinds in ignoreKinds are
// exempt.
func PreventTooManyIndexableTags(limit int,
	ignoreKinds ...int) func(context.Context, *nostr.Event) (bool, string) {

	return func(_ context.Context, ev *nostr.Event) (reject bool, msg string) {
		if slices.Contains(ignoreKinds, ev.Kind) {
			return false, ""
		}
		ntags := 0
		for _, tag := range ev.Tags {
			if len(tag) > 0 && len(tag[0]) == 1 {
				ntags++
			}
		}
		if ntags > limit {
			return true, "too many indexable tags"
		}
		return false, ""
	}
}

// PreventLargeTags rejects events that have indexable tag values longer than
// maxTagValueLen.
func PreventLargeTags(maxTagValueLen int) func(context.Context, *nostr.Event) (bool, string) {
	return func(_ context.Context, ev *nostr.Event) (reject bool, msg string) {
		for _, tag := range ev.Tags {
			if len(tag) > 1 && len(tag[0]) == 1 && len(tag[1]) > maxTagValueLen {
				return true, "event contains too large tags"
			}
		}
		return false, ""
	}
}

// PreventTimestampsInTheFuture rejects events dated more than threshold
// seconds ahead.
func PreventTimestampsInTheFuture(threshold nostr.Timestamp) func(context.Context, *nostr.Event) (bool, string) {
	return func(_ context.Context, ev *nostr.Event) (reject bool, msg string) {
		if ev.CreatedAt-nostr.Now() > threshold {
			return true, "event too much in the future"
		}
		return false, ""
	}
}
