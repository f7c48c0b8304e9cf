// Package signer defines the signing capability the CA aggregates consume and
// a software implementation of it.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrKeyNotFound indicates the signer holds no key with the identifier.
	ErrKeyNotFound = errors.New("rpkica/signer: key not found")

	// ErrInvalidSignature indicates a signature did not verify.
	ErrInvalidSignature = errors.New("rpkica/signer: invalid signature")
)

// KeyIdentifier names a key held by a Signer. It is the hex encoded digest of
// the public key.
type KeyIdentifier string

// String returns the identifier text.
func (k KeyIdentifier) String() string { return string(k) }

// Short returns the first eight characters, for display.
func (k KeyIdentifier) Short() string {
	if len(k) <= 8 {
		return string(k)
	}
	return string(k[:8])
}

// Signature is a detached signature. It marshals to base64 in JSON.
type Signature []byte

// Signer creates keys and signs with them. Private key material never leaves
// the Signer.
type Signer interface {
	CreateKey(ctx context.Context) (KeyIdentifier, error)
	Sign(ctx context.Context, key KeyIdentifier, data []byte) (Signature, error)
	Verify(ctx context.Context, key KeyIdentifier, data []byte, sig Signature) error
}

// SoftSigner keeps ed25519 keys in memory, optionally mirrored to a key
// directory (see OpenDir).
type SoftSigner struct {
	mu   sync.RWMutex
	keys map[KeyIdentifier]ed25519.PrivateKey
	dir  string
}

var _ Signer = (*SoftSigner)(nil)

// NewSoftSigner creates an empty SoftSigner.
func NewSoftSigner() *SoftSigner {
	return &SoftSigner{keys: make(map[KeyIdentifier]ed25519.PrivateKey)}
}

// KeyID derives the identifier of a public key.
func KeyID(pub ed25519.PublicKey) KeyIdentifier {
	sum := sha256.Sum256(pub)
	return KeyIdentifier(strings.ToUpper(hex.EncodeToString(sum[:20])))
}

// CreateKey generates a new key pair.
func (s *SoftSigner) CreateKey(ctx context.Context) (KeyIdentifier, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("rpkica/signer: generate key: %w", err)
	}
	id := KeyID(pub)

	if s.dir != "" {
		if err := writeKey(s.dir, id, priv); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	s.keys[id] = priv
	s.mu.Unlock()
	return id, nil
}

// Import adds an existing private key and returns its identifier.
func (s *SoftSigner) Import(priv ed25519.PrivateKey) KeyIdentifier {
	id := KeyID(priv.Public().(ed25519.PublicKey))
	s.mu.Lock()
	s.keys[id] = priv
	s.mu.Unlock()
	return id
}

// PublicKey returns the public half of a key.
func (s *SoftSigner) PublicKey(key KeyIdentifier) (ed25519.PublicKey, error) {
	priv, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Sign signs data with the key.
func (s *SoftSigner) Sign(ctx context.Context, key KeyIdentifier, data []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, data), nil
}

// Verify checks sig over data against the key.
func (s *SoftSigner) Verify(ctx context.Context, key KeyIdentifier, data []byte, sig Signature) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pub, err := s.PublicKey(key)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Keys returns the number of keys held.
func (s *SoftSigner) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *SoftSigner) lookup(key KeyIdentifier) (ed25519.PrivateKey, error) {
	s.mu.RLock()
	priv, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return priv, nil
}
