package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

// staleSignedPreKeyAge is the age after which a signed pre-key should be
// rotated, per spec.md §3.
const staleSignedPreKeyAge = 7 * 24 * time.Hour

// SignedPreKey is a medium-term X25519 keypair signed by the identity key.
type SignedPreKey struct {
	ID        uint32
	Public    []byte
	Private   []byte
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKey is an ephemeral X25519 keypair consumed at most once.
type OneTimePreKey struct {
	ID       uint32
	Public   []byte
	Private  []byte
	Uploaded bool
}

// KyberPreKeyRecord is a post-quantum KEM pre-key for PQXDH.
type KyberPreKeyRecord struct {
	ID        uint32
	Public    []byte
	Private   []byte
	Signature []byte
	Used      bool
}

// NewSignedPreKey generates, signs, and stores a new signed pre-key with
// monotonic id = max(id)+1, per spec.md §4.2's bundle-generation step.
func (s *Store) NewSignedPreKey(identity *Identity) (*SignedPreKey, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM signed_prekeys`).Scan(&maxID); err != nil {
		return nil, fmt.Errorf("keystore: reading max signed pre-key id: %w", err)
	}
	id := uint32(maxID.Int64) + 1

	pub, priv, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(identity.PrivateKey, pub)

	sealedPriv, err := s.seal(priv)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := s.db.Exec(
		`INSERT INTO signed_prekeys (id, public_key, private_key_enc, signature, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, pub, sealedPriv, sig, now.Unix(),
	); err != nil {
		return nil, fmt.Errorf("keystore: storing signed pre-key: %w", err)
	}

	return &SignedPreKey{ID: id, Public: pub, Private: priv, Signature: sig, CreatedAt: now}, nil
}

// LatestSignedPreKey returns the most recently created signed pre-key — the
// one advertised in bundles.
func (s *Store) LatestSignedPreKey() (*SignedPreKey, error) {
	row := s.db.QueryRow(`SELECT id, public_key, private_key_enc, signature, created_at
		FROM signed_prekeys ORDER BY created_at DESC, id DESC LIMIT 1`)
	return s.scanSignedPreKey(row)
}

// GetSignedPreKey looks up a specific signed pre-key by id; old ones are
// retained because peers may still reference them mid-session.
func (s *Store) GetSignedPreKey(id uint32) (*SignedPreKey, error) {
	row := s.db.QueryRow(`SELECT id, public_key, private_key_enc, signature, created_at
		FROM signed_prekeys WHERE id = ?`, id)
	return s.scanSignedPreKey(row)
}

// NeedsSignedPreKeyRotation reports whether the latest signed pre-key is
// older than the stale threshold (7 days).
func (s *Store) NeedsSignedPreKeyRotation() (bool, error) {
	spk, err := s.LatestSignedPreKey()
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(spk.CreatedAt) > staleSignedPreKeyAge, nil
}

func (s *Store) scanSignedPreKey(row *sql.Row) (*SignedPreKey, error) {
	var spk SignedPreKey
	var sealedPriv []byte
	var createdAt int64
	if err := row.Scan(&spk.ID, &spk.Public, &sealedPriv, &spk.Signature, &createdAt); err != nil {
		return nil, err
	}
	priv, err := s.open(sealedPriv)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting signed pre-key: %w", err)
	}
	spk.Private = priv
	spk.CreatedAt = time.Unix(createdAt, 0)
	return &spk, nil
}

// GenerateOneTimePreKeys creates n fresh keypairs, assigns sequential ids
// above the current maximum (never reusing deleted ids), stores each with
// uploaded=false, and returns the public parts.
func (s *Store) GenerateOneTimePreKeys(n int) ([]OneTimePreKey, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxID sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(id) FROM one_time_prekeys`).Scan(&maxID); err != nil {
		return nil, fmt.Errorf("keystore: reading max one-time pre-key id: %w", err)
	}
	next := uint32(maxID.Int64) + 1

	keys := make([]OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		pub, priv, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		sealedPriv, err := s.seal(priv)
		if err != nil {
			return nil, err
		}
		id := next + uint32(i)
		if _, err := tx.Exec(
			`INSERT INTO one_time_prekeys (id, public_key, private_key_enc, uploaded) VALUES (?, ?, ?, 0)`,
			id, pub, sealedPriv,
		); err != nil {
			return nil, fmt.Errorf("keystore: storing one-time pre-key: %w", err)
		}
		keys = append(keys, OneTimePreKey{ID: id, Public: pub})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

// MarkOneTimePreKeysUploaded flips the uploaded flag for the given ids.
func (s *Store) MarkOneTimePreKeysUploaded(ids []uint32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE one_time_prekeys SET uploaded = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("keystore: marking one-time pre-key uploaded: %w", err)
		}
	}
	return tx.Commit()
}

// NeedsOneTimePreKeyReplenishment returns true when the uploaded count is
// below threshold.
func (s *Store) NeedsOneTimePreKeyReplenishment(threshold int) (bool, error) {
	var uploaded int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM one_time_prekeys WHERE uploaded = 1`).Scan(&uploaded); err != nil {
		return false, fmt.Errorf("keystore: counting uploaded one-time pre-keys: %w", err)
	}
	return uploaded < threshold, nil
}

// ConsumeOneTimePreKey removes and returns the one-time pre-key with id,
// consumed one-per-incoming-session. Missing ids return sql.ErrNoRows.
func (s *Store) ConsumeOneTimePreKey(id uint32) (*OneTimePreKey, error) {
	var k *OneTimePreKey
	err := s.WithTx(func(tx *Tx) error {
		var err error
		k, err = tx.ConsumeOneTimePreKey(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Store) consumeOneTimePreKey(q querier, id uint32) (*OneTimePreKey, error) {
	var pub, sealedPriv []byte
	if err := q.QueryRow(`SELECT public_key, private_key_enc FROM one_time_prekeys WHERE id = ?`, id).
		Scan(&pub, &sealedPriv); err != nil {
		return nil, err
	}
	if _, err := q.Exec(`DELETE FROM one_time_prekeys WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("keystore: removing one-time pre-key: %w", err)
	}
	priv, err := s.open(sealedPriv)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting one-time pre-key: %w", err)
	}
	return &OneTimePreKey{ID: id, Public: pub, Private: priv}, nil
}

// NewKyberPreKey generates, signs, and stores a new Kyber pre-key using the
// supplied KEM implementation (see kyber.go).
func (s *Store) NewKyberPreKey(identity *Identity, kem KEM) (*KyberPreKeyRecord, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM kyber_prekeys`).Scan(&maxID); err != nil {
		return nil, fmt.Errorf("keystore: reading max kyber pre-key id: %w", err)
	}
	id := uint32(maxID.Int64) + 1

	pub, priv, err := kem.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(identity.PrivateKey, pub)

	sealedPriv, err := s.seal(priv)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(
		`INSERT INTO kyber_prekeys (id, public_key, private_key_enc, signature, used) VALUES (?, ?, ?, ?, 0)`,
		id, pub, sealedPriv, sig,
	); err != nil {
		return nil, fmt.Errorf("keystore: storing kyber pre-key: %w", err)
	}

	return &KyberPreKeyRecord{ID: id, Public: pub, Private: priv, Signature: sig}, nil
}

// GetKyberPreKey looks up a Kyber pre-key by id.
func (s *Store) GetKyberPreKey(id uint32) (*KyberPreKeyRecord, error) {
	var rec KyberPreKeyRecord
	var sealedPriv []byte
	var used int
	if err := s.db.QueryRow(`SELECT id, public_key, private_key_enc, signature, used FROM kyber_prekeys WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Public, &sealedPriv, &rec.Signature, &used); err != nil {
		return nil, err
	}
	priv, err := s.open(sealedPriv)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting kyber pre-key: %w", err)
	}
	rec.Private = priv
	rec.Used = used != 0
	return &rec, nil
}

// MarkKyberPreKeyUsed flags a Kyber pre-key as consumed. Unlike one-time
// X25519 pre-keys, Kyber pre-keys are retained (not deleted) so repeated
// PreKey messages referencing the same id can still be decrypted.
func (s *Store) MarkKyberPreKeyUsed(id uint32) error {
	return s.markKyberPreKeyUsed(s.db, id)
}

func (s *Store) markKyberPreKeyUsed(q querier, id uint32) error {
	_, err := q.Exec(`UPDATE kyber_prekeys SET used = 1 WHERE id = ?`, id)
	return err
}

func generateX25519KeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("keystore: generating private key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: computing public key: %w", err)
	}
	return pub, priv, nil
}
