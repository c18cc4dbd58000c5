package signalproto

import (
	"crypto/sha512"
	"fmt"
	"strings"
)

// fingerprintVersion and fingerprintIterations fix the safety-number
// derivation so both participants always compute the same digits for the
// same pair of identity keys, regardless of who calls Fingerprint first.
const (
	fingerprintVersion    = 2
	fingerprintIterations = 5200
	fingerprintGroups     = 12
	fingerprintDigitsEach = 5
)

// Fingerprint computes the 60-digit safety number for a pair of identity
// keys plus their owning addresses. It is symmetric: swapping
// (localAddress, localKey) with (remoteAddress, remoteKey) yields the same
// string, since the two per-party digest inputs are sorted before being
// concatenated into the combined hash.
func Fingerprint(localAddress string, localKey []byte, remoteAddress string, remoteKey []byte) (string, error) {
	localDigest, err := iteratedDigest(localAddress, localKey)
	if err != nil {
		return "", err
	}
	remoteDigest, err := iteratedDigest(remoteAddress, remoteKey)
	if err != nil {
		return "", err
	}

	a, b := localDigest, remoteDigest
	if strings.Compare(string(localDigest), string(remoteDigest)) > 0 {
		a, b = remoteDigest, localDigest
	}

	combined := sha512.Sum512(append(append([]byte{}, a...), b...))
	return digitsFromBytes(combined[:]), nil
}

// iteratedDigest runs SHA-512 fingerprintIterations times over
// version || identityKey || address, the per-party half of the safety
// number before the two halves are order-independently combined.
func iteratedDigest(address string, identityKey []byte) ([]byte, error) {
	h := make([]byte, 0, 2+len(identityKey)+len(address))
	h = append(h, byte(fingerprintVersion>>8), byte(fingerprintVersion))
	h = append(h, identityKey...)
	h = append(h, []byte(address)...)

	sum := sha512.Sum512(h)
	digest := sum[:]
	for i := 0; i < fingerprintIterations; i++ {
		next := sha512.Sum512(append(append([]byte{}, digest...), h...))
		digest = next[:]
	}
	return digest, nil
}

// digitsFromBytes packs a 64-byte digest into 12 groups of 5 decimal
// digits (60 digits total), the scannable/QR-suitable serialization
// spec.md §4.2 calls for.
func digitsFromBytes(b []byte) string {
	groups := make([]string, 0, fingerprintGroups)
	chunkSize := len(b) / fingerprintGroups
	for i := 0; i < fingerprintGroups; i++ {
		start := i * chunkSize
		end := start + chunkSize
		chunk := b[start:end]

		var v uint64
		for _, c := range chunk {
			v = v*256 + uint64(c)
		}
		groups = append(groups, fmt.Sprintf("%05d", v%100000))
	}
	return strings.Join(groups, " ")
}

// CompareFingerprint reports whether a locally computed safety number
// matches one scanned from a peer (e.g. via QR code).
func CompareFingerprint(local string, scanned []byte) bool {
	return local == string(scanned)
}
