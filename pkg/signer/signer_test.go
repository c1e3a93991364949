package signer

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	k := Generate()
	ev := &nostr.Event{Kind: 1, Content: "x"}
	require.NoError(t, k.Sign(context.Background(), ev))
	assert.Equal(t, k.PublicKey(), ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotZero(t, ev.CreatedAt)
}

func TestEncryptRoundTrip(t *testing.T) {
	admin, user := Generate(), Generate()
	ct, err := admin.Encrypt(context.Background(), user.PublicKey(), "hello")
	require.NoError(t, err)
	shared, err := nip04.ComputeSharedSecret(admin.PublicKey(), user.Secret())
	require.NoError(t, err)
	pt, err := nip04.Decrypt(ct, shared)
	require.NoError(t, err)
	assert.Equal(t, "hello", pt)
}

func TestBadKey(t *testing.T) {
	_, err := New("not hex")
	assert.Error(t, err)
}
