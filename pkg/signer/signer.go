// Package signer produces events on behalf of the node's administrative
// identity: user records, registration responses and wallet requests.
package signer

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

type Signer interface {
	PublicKey() string
	// Sign sets the event's pubkey, id and signature.
	Sign(c context.Context, ev *nostr.Event) (err error)
	// Encrypt seals plaintext for pubkey as a NIP-04 direct message.
	Encrypt(c context.Context, pubkey, plaintext string) (ciphertext string, err error)
}

// Key signs with a secret key held in memory.
type Key struct {
	secret, public string
}

var _ Signer = (*Key)(nil)

// New loads a hex encoded secret key.
func New(secret string) (k *Key, err error) {
	var pub string
	if pub, err = nostr.GetPublicKey(secret); err != nil {
		return
	}
	return &Key{secret: secret, public: pub}, nil
}

// Generate makes a fresh key.
func Generate() *Key {
	k, _ := New(nostr.GeneratePrivateKey())
	return k
}

func (k *Key) PublicKey() string { return k.public }

// Secret returns the hex secret key, for saving a generated identity.
func (k *Key) Secret() string { return k.secret }

func (k *Key) Sign(c context.Context, ev *nostr.Event) (err error) {
	if err = c.Err(); err != nil {
		return
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	return ev.Sign(k.secret)
}

func (k *Key) Encrypt(c context.Context, pubkey,
	plaintext string) (ciphertext string, err error) {

	if err = c.Err(); err != nil {
		return
	}
	var shared []byte
	if shared, err = nip04.ComputeSharedSecret(pubkey, k.secret); err != nil {
		return
	}
	return nip04.Encrypt(plaintext, shared)
}
