package signalproto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KDF info strings for the Double Ratchet, distinct per derivation step so
// root, chain, and message keys can never collide under the same HKDF
// output.
const (
	kdfInfoRoot  = "OpenConv.RootKDF.v1"
	kdfInfoChain = "OpenConv.ChainKDF.v1"
	kdfInfoMsg   = "OpenConv.MsgKDF.v1"
)

// ratchetState is the opaque, serialized-at-rest Double Ratchet state for
// one peer session. KeyStore stores it as an encrypted blob keyed by
// (peer_address, device_id); skipped message keys live in KeyStore's own
// table rather than inline here, unlike the one-shot reference
// implementation this is adapted from.
type ratchetState struct {
	RootKey       []byte `json:"root_key"`
	SendChainKey  []byte `json:"send_chain_key"`
	RecvChainKey  []byte `json:"recv_chain_key"`
	SendDHPriv    []byte `json:"send_dh_priv"`
	SendDHPub     []byte `json:"send_dh_pub"`
	RecvDHPub     []byte `json:"recv_dh_pub"`
	SendCount     uint32 `json:"send_count"`
	RecvCount     uint32 `json:"recv_count"`
	PrevRecvCount uint32 `json:"prev_recv_count"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

func serializeState(st *ratchetState) ([]byte, error) {
	return json.Marshal(st)
}

func deserializeState(data []byte) (*ratchetState, error) {
	var st ratchetState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalProtocolError, err)
	}
	return &st, nil
}

func hkdfDerive(salt, ikm, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("signalproto: hkdf derive: %w", err)
	}
	return out, nil
}

func deriveChainKey(rootKey, dhOutput []byte) (newRoot, chainKey []byte, err error) {
	newRoot, err = hkdfDerive(rootKey, dhOutput, []byte(kdfInfoRoot), 32)
	if err != nil {
		return nil, nil, err
	}
	chainKey, err = hkdfDerive(newRoot, dhOutput, []byte(kdfInfoChain), 32)
	if err != nil {
		return nil, nil, err
	}
	return newRoot, chainKey, nil
}

func deriveMessageKey(chainKey []byte) (msgKey, nextCK []byte, err error) {
	msgKey, err = hkdfDerive(chainKey, []byte{0}, []byte(kdfInfoMsg), 32)
	if err != nil {
		return nil, nil, err
	}
	nextCK, err = hkdfDerive(chainKey, []byte{1}, []byte(kdfInfoChain), 32)
	if err != nil {
		return nil, nil, err
	}
	return msgKey, nextCK, nil
}

// step performs a DH ratchet step against remotePub, rotating the sending
// keypair and deriving fresh receive/send chain keys from the root.
func (st *ratchetState) step(remotePub []byte) error {
	dhOut, err := curve25519.X25519(st.SendDHPriv, remotePub)
	if err != nil {
		return fmt.Errorf("signalproto: ratchet dh: %w", err)
	}
	newRoot, recvCK, err := deriveChainKey(st.RootKey, dhOut)
	if err != nil {
		return err
	}

	newSendPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, newSendPriv); err != nil {
		return fmt.Errorf("signalproto: generating ratchet private key: %w", err)
	}
	newSendPub, err := curve25519.X25519(newSendPriv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("signalproto: deriving ratchet public key: %w", err)
	}

	dhOut2, err := curve25519.X25519(newSendPriv, remotePub)
	if err != nil {
		return fmt.Errorf("signalproto: ratchet dh2: %w", err)
	}
	newRoot2, sendCK, err := deriveChainKey(newRoot, dhOut2)
	if err != nil {
		return err
	}

	st.RootKey = newRoot2
	st.SendChainKey = sendCK
	st.RecvChainKey = recvCK
	st.SendDHPriv = newSendPriv
	st.SendDHPub = newSendPub
	st.RecvDHPub = remotePub
	st.PrevRecvCount = st.RecvCount
	st.RecvCount = 0
	st.SendCount = 0
	st.UpdatedAt = time.Now().Unix()
	return nil
}
