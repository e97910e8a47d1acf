// Package trust holds the operations signing identity and the two
// protocols built on it: anti-rollback time-sync issuance and the
// root-key-authorized rotation ceremony.
package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrSignatureInvalid is returned when a signed payload fails
// verification. The hub cannot recover from a gateway-side rejection
// except by re-running the ceremony with the correct root key.
var ErrSignatureInvalid = errors.New("signature invalid")

type keypair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Signer is the single owner of the live operations keypair. Exactly one
// keypair is active hub-wide; Install swaps it atomically so every signing
// call observes a consistent pair. A rotation ceremony does NOT call
// Install: distributing trust to gateways and installing the new signer
// are separate steps.
type Signer struct {
	current atomic.Pointer[keypair]
}

// NewSigner creates a signer holding the given operations keypair.
func NewSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Signer, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ops public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ops private key has %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	s := &Signer{}
	s.current.Store(&keypair{pub: pub, priv: priv})
	return s, nil
}

// NewSignerFromB64 creates a signer from a base64 ed25519 private key.
// The public half is derived.
func NewSignerFromB64(privB64 string) (*Signer, error) {
	priv, err := DecodePrivateKeyB64(privB64)
	if err != nil {
		return nil, fmt.Errorf("ops private key: %w", err)
	}
	return NewSigner(priv.Public().(ed25519.PublicKey), priv)
}

// Install atomically replaces the operations keypair.
func (s *Signer) Install(pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid keypair sizes: pub=%d priv=%d", len(pub), len(priv))
	}
	s.current.Store(&keypair{pub: pub, priv: priv})
	return nil
}

// Sign signs payload with the current operations private key.
func (s *Signer) Sign(payload []byte) []byte {
	kp := s.current.Load()
	return ed25519.Sign(kp.priv, payload)
}

// PublicKey returns the current operations public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.current.Load().pub
}

// DecodePrivateKeyB64 decodes a base64 ed25519 private key. Both the full
// 64-byte form and the 32-byte seed form are accepted.
func DecodePrivateKeyB64(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key has %d bytes, want %d or %d", len(raw), ed25519.PrivateKeySize, ed25519.SeedSize)
	}
}

// DecodePublicKeyB64 decodes a base64 ed25519 public key.
func DecodePublicKeyB64(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
