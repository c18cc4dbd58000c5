package signalproto

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/keystore"
)

func newTestEngine(t *testing.T, name string) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	params := keystore.Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1}
	store, err := keystore.Open(path, "correct horse battery staple", params)
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, keystore.TestKEM{}, zerolog.Nop())
}

func TestBootstrapAndEncryptDecryptRoundTrip(t *testing.T) {
	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")

	if _, err := alice.GenerateIdentity(); err != nil {
		t.Fatalf("alice GenerateIdentity: %v", err)
	}
	if _, err := bob.GenerateIdentity(); err != nil {
		t.Fatalf("bob GenerateIdentity: %v", err)
	}

	bundle, err := bob.GenerateBundle("bob@openconv")
	if err != nil {
		t.Fatalf("bob GenerateBundle: %v", err)
	}

	otks, err := bob.GenerateOneTimePreKeys(1)
	if err != nil {
		t.Fatalf("bob GenerateOneTimePreKeys: %v", err)
	}
	bundle.OneTimePreKeyID = &otks[0].ID
	bundle.OneTimePreKey = otks[0].Public

	if _, err := alice.BootstrapOutgoing("bob@openconv", bundle); err != nil {
		t.Fatalf("alice BootstrapOutgoing: %v", err)
	}

	plaintext := []byte("hello bob, this is alice")
	msg, err := alice.Encrypt("bob@openconv", 1, plaintext)
	if err != nil {
		t.Fatalf("alice Encrypt: %v", err)
	}
	if msg.Tag != TagPreKey {
		t.Fatalf("expected first message tagged %q, got %q", TagPreKey, msg.Tag)
	}

	got, err := bob.Decrypt("alice@openconv", 1, msg)
	if err != nil {
		t.Fatalf("bob Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}

	reply := []byte("hi alice, this is bob")
	replyMsg, err := bob.Encrypt("alice@openconv", 1, reply)
	if err != nil {
		t.Fatalf("bob Encrypt reply: %v", err)
	}
	if replyMsg.Tag != TagSignal {
		t.Fatalf("expected reply tagged %q, got %q", TagSignal, replyMsg.Tag)
	}

	gotReply, err := alice.Decrypt("bob@openconv", 1, replyMsg)
	if err != nil {
		t.Fatalf("alice Decrypt reply: %v", err)
	}
	if string(gotReply) != string(reply) {
		t.Fatalf("reply roundtrip mismatch: got %q want %q", gotReply, reply)
	}

	second := []byte("second message from alice")
	secondMsg, err := alice.Encrypt("bob@openconv", 1, second)
	if err != nil {
		t.Fatalf("alice Encrypt second: %v", err)
	}
	if secondMsg.Tag != TagSignal {
		t.Fatalf("expected second message tagged %q, got %q", TagSignal, secondMsg.Tag)
	}
	gotSecond, err := bob.Decrypt("alice@openconv", 1, secondMsg)
	if err != nil {
		t.Fatalf("bob Decrypt second: %v", err)
	}
	if string(gotSecond) != string(second) {
		t.Fatalf("second roundtrip mismatch: got %q want %q", gotSecond, second)
	}
}

func TestEncrypt_noSessionReturnsSessionNotFound(t *testing.T) {
	alice := newTestEngine(t, "alice-nosession")
	if _, err := alice.GenerateIdentity(); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if _, err := alice.Encrypt("nobody@openconv", 1, []byte("hi")); err != ErrSessionNotFound {
		t.Fatalf("Encrypt without session: got %v, want ErrSessionNotFound", err)
	}
}

func TestDecrypt_corruptedCiphertextTriggersRecovery(t *testing.T) {
	alice := newTestEngine(t, "alice-corrupt")
	bob := newTestEngine(t, "bob-corrupt")

	if _, err := alice.GenerateIdentity(); err != nil {
		t.Fatalf("alice GenerateIdentity: %v", err)
	}
	if _, err := bob.GenerateIdentity(); err != nil {
		t.Fatalf("bob GenerateIdentity: %v", err)
	}

	bundle, err := bob.GenerateBundle("bob@openconv")
	if err != nil {
		t.Fatalf("bob GenerateBundle: %v", err)
	}
	if _, err := alice.BootstrapOutgoing("bob@openconv", bundle); err != nil {
		t.Fatalf("alice BootstrapOutgoing: %v", err)
	}

	msg, err := alice.Encrypt("bob@openconv", 1, []byte("first message"))
	if err != nil {
		t.Fatalf("alice Encrypt: %v", err)
	}
	if _, err := bob.Decrypt("alice@openconv", 1, msg); err != nil {
		t.Fatalf("bob Decrypt first: %v", err)
	}

	second, err := alice.Encrypt("bob@openconv", 1, []byte("second message"))
	if err != nil {
		t.Fatalf("alice Encrypt second: %v", err)
	}
	second.Ciphertext[0] ^= 0xFF

	if _, err := bob.Decrypt("alice@openconv", 1, second); err == nil {
		t.Fatal("expected decrypt of corrupted ciphertext to fail")
	}

	if _, err := bob.loadSession("alice@openconv", 1); err != ErrSessionNotFound {
		t.Fatalf("expected session deleted after corruption, loadSession err = %v", err)
	}
}
