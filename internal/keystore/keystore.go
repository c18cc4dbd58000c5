// Package keystore implements the persistent local store for Signal-protocol
// material: identity, signed pre-keys, one-time pre-keys, Kyber pre-keys,
// sessions, skipped message keys, and trusted identities. The backing file
// is a single-device local database, so SQLite (via the pure-Go
// modernc.org/sqlite driver — no cgo, matching the rest of this module's
// dependency stack) is its natural home rather than the relational store
// used for guild/channel/message data.
//
// The driver has no native page-level encryption, so every blob column is
// individually sealed with AES-256-GCM under a key derived from the master
// key before it reaches the database file. The database file on disk is
// therefore opaque regardless of the driver's own capabilities.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	_ "modernc.org/sqlite"
)

// hkdfInfo is the fixed HKDF-SHA256 info string used to derive the
// database encryption key from the master key, per spec.md §4.1.
const hkdfInfo = "openconv-db-encryption-v1"

var (
	// ErrWrongPassphrase is returned by Open when the supplied passphrase
	// cannot decrypt the store's canary row.
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase or corrupted file")
	// ErrNotInitialized is returned when an operation requires an identity
	// that has not yet been generated.
	ErrNotInitialized = errors.New("keystore: identity not initialized")
)

// Params configures Argon2id master-key derivation from a passphrase, per
// spec.md §4.1: m=64 MiB, t=3, p=4, 32-byte output, 16-byte salt.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the spec-mandated Argon2id cost parameters.
func DefaultParams() Params {
	return Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// Store is a handle to one device's encrypted local database. It implements
// the capability set of spec.md §9: identity, signed-pre-key, pre-key,
// session, and kyber-pre-key stores, plus config blobs and skipped keys.
type Store struct {
	db     *sql.DB
	dbKey  [32]byte // derived via HKDF from the master key; zeroed on Close
	closed bool
}

// Open opens (creating if absent) the SQLite file at path, derives the
// master key from passphrase via Argon2id, and verifies it against the
// store's canary row. A freshly created file has no canary and one is
// written. An existing file whose canary fails to decrypt under the
// derived key returns ErrWrongPassphrase — this is the "attempt a trivial
// read and classify the error" detection spec.md §4.1 describes.
func Open(path, passphrase string, params Params) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: ping %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := verifyOrCreatePassphraseVerifier(db, passphrase, params); err != nil {
		db.Close()
		return nil, err
	}

	master := argon2.IDKey([]byte(passphrase), salt, params.Iterations, params.Memory, params.Parallelism, 32)

	var dbKey [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), dbKey[:]); err != nil {
		db.Close()
		zero(master)
		return nil, fmt.Errorf("keystore: deriving database key: %w", err)
	}
	zero(master)

	s := &Store{db: db, dbKey: dbKey}
	if err := s.verifyOrCreateCanary(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle and zeroes the in-memory database key.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	zero(s.dbKey[:])
	return s.db.Close()
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.dbKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.dbKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("keystore: ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func (s *Store) verifyOrCreateCanary() error {
	var existing []byte
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = 'canary'`).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sealed, sealErr := s.seal([]byte("openconv-canary"))
		if sealErr != nil {
			return sealErr
		}
		_, execErr := s.db.Exec(`INSERT INTO config (key, value) VALUES ('canary', ?)`, sealed)
		return execErr
	case err != nil:
		return fmt.Errorf("keystore: reading canary: %w", err)
	default:
		plain, openErr := s.open(existing)
		if openErr != nil || string(plain) != "openconv-canary" {
			return ErrWrongPassphrase
		}
		return nil
	}
}

// verifyOrCreatePassphraseVerifier guards against a wrong passphrase before
// the (comparatively expensive) raw key derivation below runs twice. The
// verifier is an independent argon2id-encoded hash of the passphrase,
// distinct from the raw database key derived via golang.org/x/crypto/argon2
// — alexedwards/argon2id's CreateHash/ComparePasswordAndHash manage their
// own salt internally and so cannot produce the spec-mandated raw key with
// an explicit 16-byte salt, but they are exactly the right tool for a
// yes/no passphrase check.
func verifyOrCreatePassphraseVerifier(db *sql.DB, passphrase string, params Params) error {
	var encoded string
	err := db.QueryRow(`SELECT value FROM raw_config WHERE key = 'verifier'`).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		hash, hashErr := argon2id.CreateHash(passphrase, &argon2id.Params{
			Memory:      params.Memory,
			Iterations:  params.Iterations,
			Parallelism: params.Parallelism,
			SaltLength:  16,
			KeyLength:   32,
		})
		if hashErr != nil {
			return fmt.Errorf("keystore: creating passphrase verifier: %w", hashErr)
		}
		_, execErr := db.Exec(`INSERT INTO raw_config (key, value) VALUES ('verifier', ?)`, []byte(hash))
		return execErr
	}
	if err != nil {
		return fmt.Errorf("keystore: reading passphrase verifier: %w", err)
	}
	match, err := argon2id.ComparePasswordAndHash(passphrase, encoded)
	if err != nil {
		return fmt.Errorf("keystore: comparing passphrase verifier: %w", err)
	}
	if !match {
		return ErrWrongPassphrase
	}
	return nil
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow(`SELECT value FROM raw_config WHERE key = 'salt'`).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, err
		}
		if _, err := db.Exec(`INSERT INTO raw_config (key, value) VALUES ('salt', ?)`, salt); err != nil {
			return nil, err
		}
		return salt, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading salt: %w", err)
	}
	return salt, nil
}

// zero overwrites a byte slice's contents. A best-effort implementation of
// spec.md §4.1's "all secret byte buffers are zeroed on drop" given Go's
// garbage collector does not otherwise guarantee it.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_config (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS config (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			public_key BLOB NOT NULL,
			private_key_enc BLOB NOT NULL,
			registration_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signed_prekeys (
			id INTEGER PRIMARY KEY,
			public_key BLOB NOT NULL,
			private_key_enc BLOB NOT NULL,
			signature BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			id INTEGER PRIMARY KEY,
			public_key BLOB NOT NULL,
			private_key_enc BLOB NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kyber_prekeys (
			id INTEGER PRIMARY KEY,
			public_key BLOB NOT NULL,
			private_key_enc BLOB NOT NULL,
			signature BLOB NOT NULL,
			used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			address TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			state_enc BLOB NOT NULL,
			PRIMARY KEY (address, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS skipped_keys (
			session_address TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			ratchet_public BLOB NOT NULL,
			message_index INTEGER NOT NULL,
			key_material_enc BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trusted_identities (
			address TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			identity_key BLOB NOT NULL,
			first_seen_at INTEGER NOT NULL,
			PRIMARY KEY (address, device_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("keystore: migrate: %w", err)
		}
	}
	return nil
}
