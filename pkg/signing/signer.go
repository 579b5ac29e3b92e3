// Package signing provides content signatures for encoded DTU envelopes.
//
// The substrate does not mandate a cryptographic scheme beyond an HMAC-style
// signature over the content hash; nodes that need asymmetric provenance can
// supply their own Signer.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer signs and verifies encoded envelope content.
type Signer interface {
	// Sign returns a hex-encoded signature over data.
	Sign(data []byte) (string, error)

	// Verify reports whether sig is a valid signature over data.
	Verify(data []byte, sig string) bool

	// KeyID identifies the signing key.
	KeyID() string
}

// HMACSigner signs with HMAC-SHA256 under a node-local secret.
type HMACSigner struct {
	key   []byte
	keyID string
}

// NewHMACSigner creates a signer from an explicit key.
func NewHMACSigner(key []byte, keyID string) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing key")
	}
	return &HMACSigner{key: key, keyID: keyID}, nil
}

// NewEphemeralSigner generates a random key. Useful for tests and
// single-process deployments where signatures only detect tampering.
func NewEphemeralSigner(keyID string) (*HMACSigner, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &HMACSigner{key: key, keyID: keyID}, nil
}

func (s *HMACSigner) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(data []byte, sig string) bool {
	expected, err := s.Sign(data)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	expBytes, _ := hex.DecodeString(expected)
	return hmac.Equal(expBytes, sigBytes)
}

func (s *HMACSigner) KeyID() string { return s.keyID }
