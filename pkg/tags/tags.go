// Package tags holds the tag conventions the bridge reads from events: reply
// threading markers, relay hints and tag value sets.
package tags

import (
	"github.com/Hubmakerlabs/federatr/pkg/relayerror"
	"github.com/nbd-wtf/go-nostr"
)

// Values returns the distinct second elements of tags named name, in order of
// first appearance.
func Values(tt nostr.Tags, name string) (vals []string) {
	seen := make(map[string]struct{})
	for _, t := range tt {
		if len(t) < 2 || t[0] != name {
			continue
		}
		if _, ok := seen[t[1]]; ok {
			continue
		}
		seen[t[1]] = struct{}{}
		vals = append(vals, t[1])
	}
	return
}

// Reply finds the e tag naming the event ev replies to. A tag marked "reply"
// wins, then one marked "root", then the last e tag without a marker.
// Mentions are never replies.
func Reply(ev *nostr.Event) (tag nostr.Tag, ok bool) {
	var root, last nostr.Tag
	for _, t := range ev.Tags {
		if len(t) < 2 || t[0] != "e" {
			continue
		}
		if len(t) >= 4 && t[3] != "" {
			switch t[3] {
			case "reply":
				return t, true
			case "root":
				root = t
			}
			continue
		}
		last = t
	}
	if root != nil {
		return root, true
	}
	if last != nil {
		return last, true
	}
	return nil, false
}

// First returns the value of the first tag named name.
func First(tt nostr.Tags, name string) (val string, ok bool) {
	for _, t := range tt {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return
}

// Last returns the value of the last tag named name.
func Last(tt nostr.Tags, name string) (val string, ok bool) {
	for i := len(tt) - 1; i >= 0; i-- {
		if len(tt[i]) >= 2 && tt[i][0] == name {
			return tt[i][1], true
		}
	}
	return
}

// RelayHints collects relay addresses a peer revealed: the third element of
// p, e and a tags, and for relay lists the r tags themselves.
func RelayHints(ev *nostr.Event, relayListKind int) (urls []string) {
	seen := make(map[string]struct{})
	add := func(u string) {
		if !relayerror.IsRelayURL(u) {
			return
		}
		if u = relayerror.NormalizeURL(u); u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	for _, t := range ev.Tags {
		if len(t) < 2 {
			continue
		}
		switch t[0] {
		case "p", "e", "a":
			if len(t) >= 3 {
				add(t[2])
			}
		case "r":
			if ev.Kind == relayListKind {
				add(t[1])
			}
		}
	}
	return
}
