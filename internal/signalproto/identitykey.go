package signalproto

import "encoding/json"

// identityKeyType is the DjbType prefix byte libsignal prepends to
// Curve25519/Ed25519 public keys on the wire, kept here so a 32-byte raw
// key and its 33-byte wire form are never confused.
const identityKeyType = 0x05

// EncodeIdentityKey prefixes a raw 32-byte Ed25519 public key with the
// DjbType byte, producing the 33-byte wire form spec.md §4.4 validates.
func EncodeIdentityKey(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+1)
	out = append(out, identityKeyType)
	out = append(out, raw...)
	return out
}

// DecodeIdentityKey strips the DjbType prefix and validates the result is
// a 32-byte key, returning ErrInvalidIdentityKey otherwise.
func DecodeIdentityKey(wire []byte) ([]byte, error) {
	if len(wire) != 33 || wire[0] != identityKeyType {
		return nil, ErrInvalidIdentityKey
	}
	raw := make([]byte, 32)
	copy(raw, wire[1:])
	return raw, nil
}

func marshalSession(ps *persistedSession) ([]byte, error) {
	return json.Marshal(ps)
}

func unmarshalSession(data []byte) (*persistedSession, error) {
	var ps persistedSession
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}
