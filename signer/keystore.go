package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const keyFileExt = ".key"

// OpenDir returns a SoftSigner backed by a directory of key files. Existing
// keys are loaded and keys created later are written there, one hex encoded
// ed25519 seed per file named after the key identifier.
func OpenDir(dir string) (*SoftSigner, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("rpkica/signer: create key dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rpkica/signer: read key dir: %w", err)
	}

	s := NewSoftSigner()
	s.dir = dir
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != keyFileExt {
			continue
		}
		priv, err := readKey(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		id := s.Import(priv)
		if want := strings.TrimSuffix(e.Name(), keyFileExt); string(id) != want {
			return nil, fmt.Errorf("rpkica/signer: key file %s holds key %s", e.Name(), id)
		}
	}
	return s, nil
}

func readKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rpkica/signer: read key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("rpkica/signer: malformed key file %s", filepath.Base(path))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func writeKey(dir string, id KeyIdentifier, priv ed25519.PrivateKey) error {
	path := filepath.Join(dir, string(id)+keyFileExt)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("rpkica/signer: write key: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(priv.Seed()) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("rpkica/signer: write key: %w", err)
	}
	return f.Close()
}
