package signer

import (
	"encoding/hex"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// ParsePubkey accepts an npub or a hex public key and returns it as
// lowercase hex.
func ParsePubkey(s string) (pubkey string, ok bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, v, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return "", false
		}
		pubkey, ok = v.(string)
		return
	}
	if b, err := hex.DecodeString(s); err != nil || len(b) != 32 {
		return "", false
	}
	return strings.ToLower(s), true
}

// ParseSecret accepts an nsec or a hex secret key and returns it as
// lowercase hex.
func ParseSecret(s string) (secret string, ok bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, v, err := nip19.Decode(s)
		if err != nil || prefix != "nsec" {
			return "", false
		}
		secret, ok = v.(string)
		return
	}
	if b, err := hex.DecodeString(s); err != nil || len(b) != 32 {
		return "", false
	}
	return strings.ToLower(s), true
}
