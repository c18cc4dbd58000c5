package keystore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when no session row exists for a
// (peer_address, device_id) pair.
var ErrSessionNotFound = errors.New("keystore: session not found")

// LoadSession returns the opaque, decrypted ratchet state for a peer
// device, or ErrSessionNotFound.
func (s *Store) LoadSession(address string, deviceID uint32) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT state_enc FROM sessions WHERE address = ? AND device_id = ?`, address, deviceID).
		Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading session: %w", err)
	}
	return s.open(sealed)
}

// StoreSession persists opaque ratchet state for a peer device, replacing
// any prior state.
func (s *Store) StoreSession(address string, deviceID uint32, state []byte) error {
	return s.storeSession(s.db, address, deviceID, state)
}

func (s *Store) storeSession(q querier, address string, deviceID uint32, state []byte) error {
	sealed, err := s.seal(state)
	if err != nil {
		return err
	}
	_, err = q.Exec(`INSERT INTO sessions (address, device_id, state_enc) VALUES (?, ?, ?)
		ON CONFLICT(address, device_id) DO UPDATE SET state_enc = excluded.state_enc`, address, deviceID, sealed)
	if err != nil {
		return fmt.Errorf("keystore: storing session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row and its skipped-key rows, the
// recovery-on-corruption action of spec.md §4.2.
func (s *Store) DeleteSession(address string, deviceID uint32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE address = ? AND device_id = ?`, address, deviceID); err != nil {
		return fmt.Errorf("keystore: deleting session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM skipped_keys WHERE session_address = ? AND device_id = ?`, address, deviceID); err != nil {
		return fmt.Errorf("keystore: deleting skipped keys: %w", err)
	}
	return tx.Commit()
}

// SkippedMessageKey holds key material for an out-of-order message.
type SkippedMessageKey struct {
	RatchetPublic []byte
	MessageIndex  uint32
	KeyMaterial   []byte
	CreatedAt     time.Time
}

// StoreSkippedKey records a skipped-message key for later out-of-order
// decryption.
func (s *Store) StoreSkippedKey(address string, deviceID uint32, k SkippedMessageKey) error {
	return s.storeSkippedKey(s.db, address, deviceID, k)
}

func (s *Store) storeSkippedKey(q querier, address string, deviceID uint32, k SkippedMessageKey) error {
	sealed, err := s.seal(k.KeyMaterial)
	if err != nil {
		return err
	}
	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = q.Exec(
		`INSERT INTO skipped_keys (session_address, device_id, ratchet_public, message_index, key_material_enc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		address, deviceID, k.RatchetPublic, k.MessageIndex, sealed, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("keystore: storing skipped key: %w", err)
	}
	return nil
}

// TakeSkippedKey looks up and deletes a matching skipped key, returning it
// if present.
func (s *Store) TakeSkippedKey(address string, deviceID uint32, ratchetPublic []byte, messageIndex uint32) (*SkippedMessageKey, error) {
	var k *SkippedMessageKey
	err := s.WithTx(func(tx *Tx) error {
		var err error
		k, err = tx.TakeSkippedKey(address, deviceID, ratchetPublic, messageIndex)
		return err
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Store) takeSkippedKey(q querier, address string, deviceID uint32, ratchetPublic []byte, messageIndex uint32) (*SkippedMessageKey, error) {
	var sealed []byte
	var createdAt int64
	err := q.QueryRow(
		`SELECT key_material_enc, created_at FROM skipped_keys
		 WHERE session_address = ? AND device_id = ? AND ratchet_public = ? AND message_index = ?`,
		address, deviceID, ratchetPublic, messageIndex,
	).Scan(&sealed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading skipped key: %w", err)
	}

	if _, err := q.Exec(
		`DELETE FROM skipped_keys WHERE session_address = ? AND device_id = ? AND ratchet_public = ? AND message_index = ?`,
		address, deviceID, ratchetPublic, messageIndex,
	); err != nil {
		return nil, fmt.Errorf("keystore: deleting skipped key: %w", err)
	}

	material, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting skipped key: %w", err)
	}
	return &SkippedMessageKey{RatchetPublic: ratchetPublic, MessageIndex: messageIndex, KeyMaterial: material, CreatedAt: time.Unix(createdAt, 0)}, nil
}

// PruneOldSkippedKeys deletes skipped-key rows older than maxAge. Safe to
// run on startup.
func (s *Store) PruneOldSkippedKeys(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.Exec(`DELETE FROM skipped_keys WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("keystore: pruning skipped keys: %w", err)
	}
	return res.RowsAffected()
}

// TrustedIdentity is a trust-on-first-use record for a peer's identity key.
type TrustedIdentity struct {
	IdentityKey []byte
	FirstSeenAt time.Time
	Changed     bool
}

// SaveIdentity records or updates a peer's trusted identity. Returns
// Changed=true when the stored key differs from a prior observation
// (surfaced to the caller, never auto-rejected, per TOFU in the glossary).
func (s *Store) SaveIdentity(address string, deviceID uint32, identityKey []byte) (*TrustedIdentity, error) {
	var rec *TrustedIdentity
	err := s.WithTx(func(tx *Tx) error {
		var err error
		rec, err = tx.SaveIdentity(address, deviceID, identityKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) saveIdentity(q querier, address string, deviceID uint32, identityKey []byte) (*TrustedIdentity, error) {
	var existing []byte
	var firstSeen int64
	err := q.QueryRow(`SELECT identity_key, first_seen_at FROM trusted_identities WHERE address = ? AND device_id = ?`,
		address, deviceID).Scan(&existing, &firstSeen)

	changed := false
	now := time.Now()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		firstSeen = now.Unix()
		if _, err := q.Exec(
			`INSERT INTO trusted_identities (address, device_id, identity_key, first_seen_at) VALUES (?, ?, ?, ?)`,
			address, deviceID, identityKey, firstSeen,
		); err != nil {
			return nil, fmt.Errorf("keystore: storing trusted identity: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("keystore: reading trusted identity: %w", err)
	default:
		changed = !bytesEqual(existing, identityKey)
		if changed {
			if _, err := q.Exec(`UPDATE trusted_identities SET identity_key = ? WHERE address = ? AND device_id = ?`,
				identityKey, address, deviceID); err != nil {
				return nil, fmt.Errorf("keystore: updating trusted identity: %w", err)
			}
		}
	}

	return &TrustedIdentity{IdentityKey: identityKey, FirstSeenAt: time.Unix(firstSeen, 0), Changed: changed}, nil
}

// IsTrustedIdentity reports whether identityKey matches the stored
// TrustedIdentity for (address, deviceID). An unknown address is trusted
// (TOFU: nothing to compare against yet).
func (s *Store) IsTrustedIdentity(address string, deviceID uint32, identityKey []byte) (bool, error) {
	var existing []byte
	err := s.db.QueryRow(`SELECT identity_key FROM trusted_identities WHERE address = ? AND device_id = ?`,
		address, deviceID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("keystore: reading trusted identity: %w", err)
	}
	return bytesEqual(existing, identityKey), nil
}

// GetTrustedIdentity returns the stored record, if any.
func (s *Store) GetTrustedIdentity(address string, deviceID uint32) (*TrustedIdentity, error) {
	var key []byte
	var firstSeen int64
	err := s.db.QueryRow(`SELECT identity_key, first_seen_at FROM trusted_identities WHERE address = ? AND device_id = ?`,
		address, deviceID).Scan(&key, &firstSeen)
	if err != nil {
		return nil, err
	}
	return &TrustedIdentity{IdentityKey: key, FirstSeenAt: time.Unix(firstSeen, 0)}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
