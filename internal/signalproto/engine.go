package signalproto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"

	"github.com/nisarsyed/openconv/internal/keystore"
)

// oneTimePreKeyReplenishThreshold mirrors spec.md §3's example threshold.
const oneTimePreKeyReplenishThreshold = 20

// Engine is the stateful SessionEngine: identity generation, bundle
// generation, session bootstrap, encrypt/decrypt, and recovery, backed by
// one device's KeyStore.
type Engine struct {
	store *keystore.Store
	kem   keystore.KEM
	log   zerolog.Logger
}

// New constructs an Engine over an already-open KeyStore.
func New(store *keystore.Store, kem keystore.KEM, logger zerolog.Logger) *Engine {
	return &Engine{store: store, kem: kem, log: logger.With().Str("component", "signalproto").Logger()}
}

// GenerateIdentity allocates this device's identity keypair and
// registration id, once.
func (e *Engine) GenerateIdentity() (*keystore.Identity, error) {
	return e.store.GenerateIdentity()
}

// GenerateBundle mints a fresh SignedPreKey and KyberPreKey, signs both
// with the identity key, and returns the wire bundle for userID.
func (e *Engine) GenerateBundle(userID string) (*PreKeyBundle, error) {
	id, err := e.store.GetIdentity()
	if err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			return nil, ErrIdentityNotInitialized
		}
		return nil, err
	}

	spk, err := e.store.NewSignedPreKey(id)
	if err != nil {
		return nil, fmt.Errorf("signalproto: generating signed pre-key: %w", err)
	}
	kpk, err := e.store.NewKyberPreKey(id, e.kem)
	if err != nil {
		return nil, fmt.Errorf("signalproto: generating kyber pre-key: %w", err)
	}

	return &PreKeyBundle{
		UserID:                userID,
		IdentityKey:           EncodeIdentityKey(id.PublicKey),
		RegistrationID:        id.RegistrationID,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Public,
		SignedPreKeySignature: spk.Signature,
		KyberPreKeyID:         kpk.ID,
		KyberPreKey:           kpk.Public,
		KyberPreKeySignature:  kpk.Signature,
	}, nil
}

// GenerateOneTimePreKeys creates n fresh one-time pre-keys and returns
// their public parts for upload.
func (e *Engine) GenerateOneTimePreKeys(n int) ([]keystore.OneTimePreKey, error) {
	return e.store.GenerateOneTimePreKeys(n)
}

// MarkOneTimePreKeysUploaded flips the uploaded flag for the given ids.
func (e *Engine) MarkOneTimePreKeysUploaded(ids []uint32) error {
	return e.store.MarkOneTimePreKeysUploaded(ids)
}

// NeedsOneTimePreKeyReplenishment reports whether the uploaded one-time
// pre-key count is below the replenishment threshold.
func (e *Engine) NeedsOneTimePreKeyReplenishment() (bool, error) {
	return e.store.NeedsOneTimePreKeyReplenishment(oneTimePreKeyReplenishThreshold)
}

// NeedsSignedPreKeyRotation reports whether the latest signed pre-key is
// stale (> 7 days).
func (e *Engine) NeedsSignedPreKeyRotation() (bool, error) {
	return e.store.NeedsSignedPreKeyRotation()
}

// PruneOldSkippedKeys deletes skipped-key rows older than maxAge.
func (e *Engine) PruneOldSkippedKeys(maxAge time.Duration) (int64, error) {
	return e.store.PruneOldSkippedKeys(maxAge)
}

// persistedSession wraps the ratchetState plus initiator-side bookkeeping
// needed to tag the first outgoing ciphertext as PreKey.
type persistedSession struct {
	Ratchet               ratchetState `json:"ratchet"`
	Initiator             bool         `json:"initiator"`
	Established           bool         `json:"established"`
	PendingEphemeralPub   []byte       `json:"pending_ephemeral_pub,omitempty"`
	PendingSenderIdentity []byte       `json:"pending_sender_identity,omitempty"`
	PendingSignedKeyID    uint32       `json:"pending_signed_key_id,omitempty"`
	PendingKyberKeyID     uint32       `json:"pending_kyber_key_id,omitempty"`
	PendingKyberCipher    []byte       `json:"pending_kyber_cipher,omitempty"`
	PendingOneTimeKeyID   *uint32      `json:"pending_one_time_key_id,omitempty"`
}

// BootstrapOutgoing reconstructs the peer's bundle, performs X3DH/PQXDH,
// persists the peer's identity as trusted, and creates the outgoing
// session, all within one KeyStore transaction boundary (KeyStore's own
// transactional guarantees cover the identity-save + session-store pair;
// on any failure here neither is persisted). Returns the resulting peer
// address, per spec.md §4.2.
//
// Per spec.md §9's open question, the bundle's remote side is always
// addressed as device id 1 — a one-device-per-user assumption preserved
// here rather than resolved.
func (e *Engine) BootstrapOutgoing(peerAddress string, bundle *PreKeyBundle) (string, error) {
	const remoteDeviceID = 1

	peerIdentity, err := DecodeIdentityKey(bundle.IdentityKey)
	if err != nil {
		return "", err
	}
	if !ed25519.Verify(peerIdentity, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return "", ErrInvalidSignature
	}
	if !ed25519.Verify(peerIdentity, bundle.KyberPreKey, bundle.KyberPreKeySignature) {
		return "", ErrInvalidSignature
	}

	localID, err := e.store.GetIdentity()
	if err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			return "", ErrIdentityNotInitialized
		}
		return "", err
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return "", fmt.Errorf("signalproto: generating ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("signalproto: deriving ephemeral public key: %w", err)
	}

	dh1, err := curve25519.X25519(ephPriv, bundle.SignedPreKey)
	if err != nil {
		return "", fmt.Errorf("signalproto: x3dh dh1: %w", err)
	}
	dh2, err := curve25519.X25519(ephPriv, peerIdentity)
	if err != nil {
		return "", fmt.Errorf("signalproto: x3dh dh2: %w", err)
	}
	dh3, err := curve25519.X25519(localID.PrivateKey.Seed(), bundle.SignedPreKey)
	if err != nil {
		return "", fmt.Errorf("signalproto: x3dh dh3: %w", err)
	}

	kyberCipher, kyberSecret, err := e.kem.Encapsulate(bundle.KyberPreKey)
	if err != nil {
		return "", fmt.Errorf("signalproto: pqxdh encapsulation: %w", err)
	}

	concat := bytes.Join([][]byte{dh1, dh2, dh3, kyberSecret}, nil)
	rootKey, err := hkdfDerive(nil, concat, []byte(kdfInfoRoot), 32)
	if err != nil {
		return "", err
	}

	sendPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, sendPriv); err != nil {
		return "", fmt.Errorf("signalproto: generating ratchet key: %w", err)
	}
	sendPub, err := curve25519.X25519(sendPriv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("signalproto: deriving ratchet public key: %w", err)
	}

	// Initiator's half of the first ratchet step: a single DH against the
	// peer's signed pre-key (standing in as their current ratchet public
	// key) derives the send chain. The receive chain stays empty until the
	// peer replies with its own freshly rotated ratchet key; see step in
	// ratchet.go for that full two-phase transition.
	initDH, err := curve25519.X25519(sendPriv, bundle.SignedPreKey)
	if err != nil {
		return "", fmt.Errorf("signalproto: initial ratchet dh: %w", err)
	}
	newRoot, sendCK, err := deriveChainKey(rootKey, initDH)
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()
	st := &ratchetState{
		RootKey:      newRoot,
		SendChainKey: sendCK,
		SendDHPriv:   sendPriv,
		SendDHPub:    sendPub,
		RecvDHPub:    bundle.SignedPreKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ps := &persistedSession{
		Ratchet:               *st,
		Initiator:             true,
		Established:           false,
		PendingEphemeralPub:   ephPub,
		PendingSenderIdentity: EncodeIdentityKey(localID.PublicKey),
		PendingSignedKeyID:    bundle.SignedPreKeyID,
		PendingKyberKeyID:     bundle.KyberPreKeyID,
		PendingKyberCipher:    kyberCipher,
		PendingOneTimeKeyID:   bundle.OneTimePreKeyID,
	}

	// Trusted identity and session state land in one transaction: a
	// session must never exist without its pinned identity, and pinning an
	// identity for a session that failed to persist would poison the TOFU
	// record for a retry.
	err = e.store.WithTx(func(tx *keystore.Tx) error {
		if _, err := tx.SaveIdentity(peerAddress, remoteDeviceID, peerIdentity); err != nil {
			return fmt.Errorf("signalproto: saving trusted identity: %w", err)
		}
		return e.persistSession(tx, peerAddress, remoteDeviceID, ps)
	})
	if err != nil {
		return "", err
	}

	return peerAddress, nil
}

// ratchetStore is the mutation surface the ratchet read/write paths need.
// Both *keystore.Store and *keystore.Tx satisfy it, so the same code runs
// standalone (Encrypt's single session write) or inside the joint
// transaction the bootstrap and decrypt paths require.
type ratchetStore interface {
	StoreSession(address string, deviceID uint32, state []byte) error
	StoreSkippedKey(address string, deviceID uint32, k keystore.SkippedMessageKey) error
	TakeSkippedKey(address string, deviceID uint32, ratchetPublic []byte, messageIndex uint32) (*keystore.SkippedMessageKey, error)
}

func (e *Engine) persistSession(store ratchetStore, peerAddress string, deviceID uint32, ps *persistedSession) error {
	data, err := marshalSession(ps)
	if err != nil {
		return err
	}
	return store.StoreSession(peerAddress, deviceID, data)
}

func (e *Engine) loadSession(peerAddress string, deviceID uint32) (*persistedSession, error) {
	data, err := e.store.LoadSession(peerAddress, deviceID)
	if errors.Is(err, keystore.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalSession(data)
}

// Encrypt requires an existing session for (peerAddress, deviceID),
// advances the ratchet, and tags the ciphertext PreKey (the first message
// of a freshly bootstrapped session) or Signal (every message after).
func (e *Engine) Encrypt(peerAddress string, deviceID uint32, plaintext []byte) (*EncryptedMessage, error) {
	ps, err := e.loadSession(peerAddress, deviceID)
	if err != nil {
		return nil, err
	}

	msgKey, nextCK, err := deriveMessageKey(ps.Ratchet.SendChainKey)
	if err != nil {
		return nil, err
	}
	ps.Ratchet.SendChainKey = nextCK

	nonce, ciphertext, err := aeadSeal(msgKey, plaintext)
	if err != nil {
		return nil, err
	}

	out := &EncryptedMessage{
		Header: MessageHeader{
			DHPub:   ps.Ratchet.SendDHPub,
			PN:      ps.Ratchet.PrevRecvCount,
			Counter: ps.Ratchet.SendCount,
		},
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}

	if ps.Initiator && !ps.Established {
		out.Tag = TagPreKey
		out.EphemeralKey = ps.PendingEphemeralPub
		out.SenderIdentity = ps.PendingSenderIdentity
		out.SignedKeyID = ps.PendingSignedKeyID
		out.KyberKeyID = ps.PendingKyberKeyID
		out.KyberCipher = ps.PendingKyberCipher
		out.OneTimeKeyID = ps.PendingOneTimeKeyID
		ps.Established = true
	} else {
		out.Tag = TagSignal
	}

	ps.Ratchet.SendCount++
	ps.Ratchet.UpdatedAt = time.Now().Unix()

	if err := e.persistSession(e.store, peerAddress, deviceID, ps); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt parses the ciphertext per its tag and runs all store mutations
// in one transaction: on any failure the transaction rolls back, leaving
// consumed pre-keys, trusted identities, and skipped keys untouched. On a
// classified protocol error it then deletes the session and skipped-key
// rows and returns *SessionCorrupted; the caller is expected to fetch a
// new bundle and re-bootstrap.
func (e *Engine) Decrypt(peerAddress string, deviceID uint32, msg *EncryptedMessage) ([]byte, error) {
	switch msg.Tag {
	case TagPreKey:
		return e.decryptPreKey(peerAddress, deviceID, msg)
	case TagSignal:
		return e.decryptEstablished(peerAddress, deviceID, msg)
	default:
		return nil, ErrUnknownTag
	}
}

func (e *Engine) decryptPreKey(peerAddress string, deviceID uint32, msg *EncryptedMessage) ([]byte, error) {
	localID, err := e.store.GetIdentity()
	if err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			return nil, ErrIdentityNotInitialized
		}
		return nil, err
	}
	senderIdentity, err := DecodeIdentityKey(msg.SenderIdentity)
	if err != nil {
		return nil, err
	}

	spk, err := e.store.GetSignedPreKey(msg.SignedKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: signed pre-key %d unavailable: %v", ErrSessionNotFound, msg.SignedKeyID, err)
	}
	kpk, err := e.store.GetKyberPreKey(msg.KyberKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: kyber pre-key %d unavailable: %v", ErrSessionNotFound, msg.KyberKeyID, err)
	}

	dh1, err := curve25519.X25519(spk.Private, msg.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalProtocolError, err)
	}
	dh2, err := curve25519.X25519(localID.PrivateKey.Seed(), msg.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalProtocolError, err)
	}
	dh3, err := curve25519.X25519(spk.Private, senderIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalProtocolError, err)
	}

	kyberSecret, err := e.kem.Decapsulate(kpk.Private, msg.KyberCipher)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalProtocolError, err)
	}

	concat := bytes.Join([][]byte{dh1, dh2, dh3, kyberSecret}, nil)
	rootKey, err := hkdfDerive(nil, concat, []byte(kdfInfoRoot), 32)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	st := &ratchetState{
		RootKey:    rootKey,
		SendDHPriv: spk.Private,
		SendDHPub:  spk.Public,
		RecvDHPub:  msg.Header.DHPub,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Every store mutation of the handshake — consumed pre-keys, trusted
	// identity, skipped keys, session state — commits together. A failure
	// anywhere rolls all of it back, so the one-time and Kyber pre-keys
	// are still intact for the peer to retry the same PreKey message.
	var plaintext []byte
	err = e.store.WithTx(func(tx *keystore.Tx) error {
		if msg.OneTimeKeyID != nil {
			if _, err := tx.ConsumeOneTimePreKey(*msg.OneTimeKeyID); err != nil {
				e.log.Warn().Err(err).Uint32("one_time_pre_key_id", *msg.OneTimeKeyID).Msg("one-time pre-key already consumed")
			}
		}
		if err := tx.MarkKyberPreKeyUsed(msg.KyberKeyID); err != nil {
			return err
		}
		if _, err := tx.SaveIdentity(peerAddress, deviceID, senderIdentity); err != nil {
			return err
		}

		pt, newState, err := e.ratchetDecrypt(tx, st, msg)
		if err != nil {
			return err
		}
		plaintext = pt

		ps := &persistedSession{Ratchet: *newState, Initiator: false, Established: true}
		return e.persistSession(tx, peerAddress, deviceID, ps)
	})
	if err != nil {
		return nil, e.classifyAndRecover(peerAddress, deviceID, err)
	}
	return plaintext, nil
}

func (e *Engine) decryptEstablished(peerAddress string, deviceID uint32, msg *EncryptedMessage) ([]byte, error) {
	ps, err := e.loadSession(peerAddress, deviceID)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = e.store.WithTx(func(tx *keystore.Tx) error {
		pt, newState, err := e.ratchetDecrypt(tx, &ps.Ratchet, msg)
		if err != nil {
			return err
		}
		plaintext = pt

		ps.Ratchet = *newState
		ps.Established = true
		return e.persistSession(tx, peerAddress, deviceID, ps)
	})
	if err != nil {
		return nil, e.classifyAndRecover(peerAddress, deviceID, err)
	}
	return plaintext, nil
}

// ratchetDecrypt runs the Double Ratchet receive path, consulting KeyStore
// for skipped keys from prior out-of-order messages and storing newly
// skipped keys for future out-of-order deliveries.
func (e *Engine) ratchetDecrypt(store ratchetStore, st *ratchetState, msg *EncryptedMessage) ([]byte, *ratchetState, error) {
	addrKey := string(st.RecvDHPub)

	if skipped, err := store.TakeSkippedKey(addrKey, 0, msg.Header.DHPub, msg.Header.Counter); err == nil && skipped != nil {
		plaintext, openErr := aeadOpen(skipped.KeyMaterial, msg.Nonce, msg.Ciphertext)
		if openErr == nil {
			return plaintext, st, nil
		}
	}

	if !bytes.Equal(msg.Header.DHPub, st.RecvDHPub) {
		if err := e.skipMessageKeys(store, addrKey, st, msg.Header.PN); err != nil {
			return nil, nil, err
		}
		if err := st.step(msg.Header.DHPub); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrSignalProtocolError, err)
		}
	}

	if msg.Header.Counter < st.RecvCount {
		return nil, nil, fmt.Errorf("%w: message already processed", ErrDecryptionFailed)
	}
	if err := e.skipMessageKeys(store, addrKey, st, msg.Header.Counter); err != nil {
		return nil, nil, err
	}

	mk, nextCK, err := deriveMessageKey(st.RecvChainKey)
	if err != nil {
		return nil, nil, err
	}
	st.RecvChainKey = nextCK
	st.RecvCount++

	plaintext, err := aeadOpen(mk, msg.Nonce, msg.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	st.UpdatedAt = time.Now().Unix()
	return plaintext, st, nil
}

func (e *Engine) skipMessageKeys(store ratchetStore, addrKey string, st *ratchetState, until uint32) error {
	for st.RecvCount < until {
		mk, nextCK, err := deriveMessageKey(st.RecvChainKey)
		if err != nil {
			return err
		}
		st.RecvChainKey = nextCK
		if err := store.StoreSkippedKey(addrKey, 0, keystore.SkippedMessageKey{
			RatchetPublic: st.RecvDHPub,
			MessageIndex:  st.RecvCount,
			KeyMaterial:   mk,
		}); err != nil {
			return err
		}
		st.RecvCount++
	}
	return nil
}

// classifyAndRecover maps the underlying error per spec.md §4.2's table
// and, for classifications that trigger recovery, deletes the session and
// skipped-key rows before returning *SessionCorrupted.
func (e *Engine) classifyAndRecover(peerAddress string, deviceID uint32, err error) error {
	switch {
	case errors.Is(err, ErrSignalProtocolError):
		if delErr := e.store.DeleteSession(peerAddress, deviceID); delErr != nil {
			e.log.Error().Err(delErr).Str("peer_address", peerAddress).Msg("failed to delete corrupted session")
		}
		return &SessionCorrupted{Address: peerAddress, Detail: err.Error()}
	case errors.Is(err, ErrSessionNotFound):
		return ErrSessionNotFound
	default:
		return ErrDecryptionFailed
	}
}
