// Package signalproto implements the end-to-end encryption protocol layer:
// Signal-style identity keys, signed and one-time pre-keys, X3DH/PQXDH
// session bootstrap, Double-Ratchet message encryption, and automatic
// session recovery on corruption. It generalizes the one-shot X3DH +
// Double Ratchet implementation found in the retrieval pack's chat
// application into the stateful, store-backed API this module's
// AuthFlow/FanoutEngine callers need.
package signalproto

import "encoding/json"

// PreKeyTag distinguishes the two ciphertext kinds on the wire so the
// recipient can pick the correct decrypt entry point. It travels in
// EncryptedMessage's own Tag field; the nonce slot does not carry it.
// Decrypt matches it case-sensitively.
type PreKeyTag string

const (
	TagPreKey PreKeyTag = "prekey"
	TagSignal PreKeyTag = "signal"
)

// PreKeyBundle is the wire format published on registration and consumed
// by peers to bootstrap sessions, per spec.md §6.
type PreKeyBundle struct {
	UserID                string  `json:"user_id"`
	IdentityKey           []byte  `json:"identity_key"`
	RegistrationID        uint32  `json:"registration_id"`
	SignedPreKeyID        uint32  `json:"signed_pre_key_id"`
	SignedPreKey          []byte  `json:"signed_pre_key"`
	SignedPreKeySignature []byte  `json:"signed_pre_key_signature"`
	KyberPreKeyID         uint32  `json:"kyber_pre_key_id"`
	KyberPreKey           []byte  `json:"kyber_pre_key"`
	KyberPreKeySignature  []byte  `json:"kyber_pre_key_signature"`
	OneTimePreKeyID       *uint32 `json:"one_time_pre_key_id,omitempty"`
	OneTimePreKey         []byte  `json:"one_time_pre_key,omitempty"`
}

// EncryptedMessage is the ciphertext envelope produced by Encrypt and
// consumed by Decrypt. Nonce carries only the random AEAD nonce; the tag
// is a separate wire field (Tag).
type EncryptedMessage struct {
	Tag            PreKeyTag     `json:"tag"`
	Header         MessageHeader `json:"header"`
	Ciphertext     []byte        `json:"ciphertext"`
	Nonce          []byte        `json:"nonce"`
	EphemeralKey   []byte        `json:"ephemeral_key,omitempty"`    // PreKey messages only
	KyberCipher    []byte        `json:"kyber_ciphertext,omitempty"` // PreKey messages only
	OneTimeKeyID   *uint32       `json:"one_time_pre_key_id,omitempty"`
	SignedKeyID    uint32        `json:"signed_pre_key_id,omitempty"`
	KyberKeyID     uint32        `json:"kyber_pre_key_id,omitempty"`
	SenderIdentity []byte        `json:"sender_identity,omitempty"` // PreKey messages only
}

// MessageHeader carries Double Ratchet header fields.
type MessageHeader struct {
	DHPub   []byte `json:"dh_pub"`
	PN      uint32 `json:"pn"`
	Counter uint32 `json:"counter"`
}

// Marshal/Unmarshal wrap the wire JSON encoding so callers at the HTTP edge
// don't need to import encoding/json themselves.

func (m *EncryptedMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalEncryptedMessage(data []byte) (*EncryptedMessage, error) {
	var m EncryptedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (b *PreKeyBundle) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

func UnmarshalPreKeyBundle(data []byte) (*PreKeyBundle, error) {
	var b PreKeyBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
