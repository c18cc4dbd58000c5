package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
)

// maxRegistrationID is the inclusive upper bound on registration ids,
// per spec.md §4.2: "fresh registration id in 1..=16380" (14 bits).
const maxRegistrationID = 16380

// Identity is the device's long-term signing keypair and registration id.
type Identity struct {
	PublicKey      ed25519.PublicKey
	PrivateKey     ed25519.PrivateKey
	RegistrationID uint32
}

// GenerateIdentity allocates a new identity keypair and a fresh
// registration id, storing them exactly once. A second call returns
// ErrAlreadyInitialized.
func (s *Store) GenerateIdentity() (*Identity, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM identity`).Scan(&count); err != nil {
		return nil, fmt.Errorf("keystore: checking identity: %w", err)
	}
	if count > 0 {
		return nil, ErrAlreadyInitialized
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generating identity key: %w", err)
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return nil, err
	}

	sealedPriv, err := s.seal(priv)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(
		`INSERT INTO identity (id, public_key, private_key_enc, registration_id) VALUES (1, ?, ?, ?)`,
		[]byte(pub), sealedPriv, regID,
	); err != nil {
		return nil, fmt.Errorf("keystore: storing identity: %w", err)
	}

	return &Identity{PublicKey: pub, PrivateKey: priv, RegistrationID: uint32(regID)}, nil
}

// GetIdentity returns the stored identity, or ErrNotInitialized if none
// has been generated yet.
func (s *Store) GetIdentity() (*Identity, error) {
	var pub, sealedPriv []byte
	var regID int
	err := s.db.QueryRow(`SELECT public_key, private_key_enc, registration_id FROM identity WHERE id = 1`).
		Scan(&pub, &sealedPriv, &regID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading identity: %w", err)
	}
	priv, err := s.open(sealedPriv)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting identity: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv, RegistrationID: uint32(regID)}, nil
}

// ErrAlreadyInitialized is returned by GenerateIdentity when an identity
// already exists; recovery is the only sanctioned path to a new one.
var ErrAlreadyInitialized = errors.New("keystore: identity already initialized")

func randomRegistrationID() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxRegistrationID))
	if err != nil {
		return 0, fmt.Errorf("keystore: generating registration id: %w", err)
	}
	return int(n.Int64()) + 1, nil
}
