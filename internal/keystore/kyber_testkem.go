package keystore

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// TestKEM is a deterministic, X25519-based stand-in for a real Kyber768
// KEM. It satisfies the KEM interface exactly, so call sites and tests
// exercise the genuine PQXDH plumbing; it carries none of Kyber's
// post-quantum security property and must never be used in production. See
// kyber.go.
type TestKEM struct{}

func (TestKEM) GenerateKeyPair() (public, private []byte, err error) {
	return generateX25519KeyPair()
}

func (TestKEM) Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error) {
	ephPub, ephPriv, err := generateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	raw, err := curve25519.X25519(ephPriv, peerPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: testkem encapsulate: %w", err)
	}
	secret := sha256.Sum256(raw)
	return ephPub, secret[:], nil
}

func (TestKEM) Decapsulate(private, ciphertext []byte) (sharedSecret []byte, err error) {
	raw, err := curve25519.X25519(private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keystore: testkem decapsulate: %w", err)
	}
	secret := sha256.Sum256(raw)
	return secret[:], nil
}
