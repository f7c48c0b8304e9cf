package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftSigner_SignVerify(t *testing.T) {
	ctx := context.Background()
	s := NewSoftSigner()

	key, err := s.CreateKey(ctx)
	require.NoError(t, err)
	assert.Len(t, key.String(), 40)
	assert.Len(t, key.Short(), 8)
	assert.Equal(t, 1, s.Keys())

	sig, err := s.Sign(ctx, key, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.Verify(ctx, key, []byte("payload"), sig))

	err = s.Verify(ctx, key, []byte("tampered"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSoftSigner_UnknownKey(t *testing.T) {
	ctx := context.Background()
	s := NewSoftSigner()

	_, err := s.Sign(ctx, "nope", []byte("x"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, s.Verify(ctx, "nope", []byte("x"), nil), ErrKeyNotFound)
}

func TestSoftSigner_Import(t *testing.T) {
	ctx := context.Background()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{1}, ed25519.SeedSize))

	s := NewSoftSigner()
	key := s.Import(priv)
	assert.Equal(t, KeyID(priv.Public().(ed25519.PublicKey)), key)

	pub, err := s.PublicKey(key)
	require.NoError(t, err)
	sig, err := s.Sign(ctx, key, []byte("x"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte("x"), sig))
}

func TestSoftSigner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSoftSigner().CreateKey(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
