package token

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// LoadKeyPair decodes an Ed25519 private key from a PKCS8 PEM block and
// derives the matching public key, the format this module's config loads
// JWTPrivateKeyPEM/JWTPublicKeyPEM as.
func LoadKeyPair(privPEM, pubPEM []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, nil, fmt.Errorf("token: no PEM block found in private key")
	}
	priv, err := parsePKCS8Ed25519PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("token: parsing private key: %w", err)
	}

	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("token: no PEM block found in public key")
	}
	pub, err := parsePKIXEd25519PublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("token: parsing public key: %w", err)
	}

	return priv, pub, nil
}

func parsePKCS8Ed25519PrivateKey(der []byte) (ed25519.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}

func parsePKIXEd25519PublicKey(der []byte) (ed25519.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 public key")
	}
	return pub, nil
}
