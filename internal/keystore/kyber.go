package keystore

// KEM abstracts the post-quantum key-encapsulation mechanism used for
// Kyber pre-keys in PQXDH. No CRYSTALS-Kyber implementation is vendored
// here: no such package is available in this module's dependency stack, and
// fabricating one (a hand-written stub behind a fake import) would be worse
// than naming the gap plainly. Production deployments are expected to
// supply a real Kyber768 implementation satisfying this interface; see
// DESIGN.md for the open item. TestKEM below exercises the full call path
// with a deterministic, non-post-quantum stand-in so SessionEngine's PQXDH
// plumbing can be built and tested against a real interface today.
type KEM interface {
	// GenerateKeyPair returns a fresh (public, private) encapsulation
	// keypair.
	GenerateKeyPair() (public, private []byte, err error)
	// Encapsulate produces a shared secret and its ciphertext under peer's
	// public key.
	Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error)
	// Decapsulate recovers the shared secret from a ciphertext using the
	// holder's private key.
	Decapsulate(private, ciphertext []byte) (sharedSecret []byte, err error)
}
