package keystore

import (
	"database/sql"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// each mutation has one implementation whether it runs standalone or
// inside a caller-owned transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tx exposes the store's session-establishment mutations inside one
// SQLite transaction. Session bootstrap and PreKey-message decryption
// must land their writes (trusted identity, consumed pre-keys, skipped
// keys, session state) together or not at all: a partial commit would
// burn one-time pre-keys or update a trusted identity for a session that
// was never persisted.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// WithTx runs fn inside a single database transaction, committing if fn
// returns nil and rolling back otherwise. The deferred rollback after a
// successful commit is a safe no-op.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Tx{s: s, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// StoreSession is StoreSession within the transaction.
func (t *Tx) StoreSession(address string, deviceID uint32, state []byte) error {
	return t.s.storeSession(t.tx, address, deviceID, state)
}

// SaveIdentity is SaveIdentity within the transaction.
func (t *Tx) SaveIdentity(address string, deviceID uint32, identityKey []byte) (*TrustedIdentity, error) {
	return t.s.saveIdentity(t.tx, address, deviceID, identityKey)
}

// StoreSkippedKey is StoreSkippedKey within the transaction.
func (t *Tx) StoreSkippedKey(address string, deviceID uint32, k SkippedMessageKey) error {
	return t.s.storeSkippedKey(t.tx, address, deviceID, k)
}

// TakeSkippedKey is TakeSkippedKey within the transaction.
func (t *Tx) TakeSkippedKey(address string, deviceID uint32, ratchetPublic []byte, messageIndex uint32) (*SkippedMessageKey, error) {
	return t.s.takeSkippedKey(t.tx, address, deviceID, ratchetPublic, messageIndex)
}

// ConsumeOneTimePreKey is ConsumeOneTimePreKey within the transaction.
func (t *Tx) ConsumeOneTimePreKey(id uint32) (*OneTimePreKey, error) {
	return t.s.consumeOneTimePreKey(t.tx, id)
}

// MarkKyberPreKeyUsed is MarkKyberPreKeyUsed within the transaction.
func (t *Tx) MarkKyberPreKeyUsed(id uint32) error {
	return t.s.markKyberPreKeyUsed(t.tx, id)
}
