// Copyright 2025 Certen Protocol
//
// Signer is the interface a sync packet signer must satisfy; the fabric
// ships only a default ed25519 implementation and does not implement a
// pluggable signature scheme (spec.md Non-goals). Key loading is grounded
// on main.go's loadOrGenerateEd25519Key: a hex-encoded key file generated
// on first run and reused thereafter.

package entity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Signer signs and verifies packet payloads for nodes that set
// sync.Capabilities.SupportsSigning.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	Verify(payload, signature []byte, publicKey ed25519.PublicKey) bool
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{privateKey: key}
}

// LoadOrGenerateEd25519Signer loads a hex-encoded private key from keyPath,
// generating and persisting a fresh one on first run.
func LoadOrGenerateEd25519Signer(keyPath string) (*Ed25519Signer, error) {
	keyDir := filepath.Dir(keyPath)
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("entity: create key directory %s: %w", keyDir, err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("entity: generate ed25519 key: %w", err)
		}
		keyHex := hex.EncodeToString(privateKey)
		if err := os.WriteFile(keyPath, []byte(keyHex), 0600); err != nil {
			return nil, fmt.Errorf("entity: save ed25519 key to %s: %w", keyPath, err)
		}
		return NewEd25519Signer(privateKey), nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("entity: read ed25519 key from %s: %w", keyPath, err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("entity: decode ed25519 key from %s: %w", keyPath, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("entity: invalid ed25519 key size: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}
	return NewEd25519Signer(ed25519.PrivateKey(keyBytes)), nil
}

// Sign produces a detached ed25519 signature over payload.
func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	if s.privateKey == nil {
		return nil, fmt.Errorf("entity: signer has no private key")
	}
	return ed25519.Sign(s.privateKey, payload), nil
}

// Verify checks a detached ed25519 signature against publicKey.
func (s *Ed25519Signer) Verify(payload, signature []byte, publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, payload, signature)
}

// PublicKey returns the signer's public key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	if s.privateKey == nil {
		return nil
	}
	return s.privateKey.Public().(ed25519.PublicKey)
}

var _ Signer = (*Ed25519Signer)(nil)
