package authflow

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/ratelimit"
	"github.com/nisarsyed/openconv/internal/token"
	"github.com/nisarsyed/openconv/internal/user"
)

// fakeUserRepo is an in-memory user.Repository for tests that don't need a
// real Postgres transaction (RegisterStart, LoginChallenge, RecoveryStart
// and the Verify steps all only read users, never write inside a tx).
type fakeUserRepo struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*user.User
	email map[string]*user.User
	pub   map[string]*user.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byID:  map[uuid.UUID]*user.User{},
		email: map[string]*user.User{},
		pub:   map[string]*user.User{},
	}
}

func (f *fakeUserRepo) put(u *user.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[u.ID] = u
	f.email[u.Email] = u
	f.pub[string(u.PublicKey)] = u
}

func (f *fakeUserRepo) Create(ctx context.Context, params user.CreateParams) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.email[params.Email]; ok {
		return nil, user.ErrAlreadyExists
	}
	u := &user.User{
		ID: uuid.New(), Email: params.Email, DisplayName: params.DisplayName,
		PublicKey: params.PublicKey, CreatedAt: time.Now(),
	}
	f.byID[u.ID] = u
	f.email[u.Email] = u
	f.pub[string(u.PublicKey)] = u
	return u, nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.email[email]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUserRepo) GetByPublicKey(ctx context.Context, publicKey []byte) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.pub[string(publicKey)]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUserRepo) UpdatePublicKey(ctx context.Context, id uuid.UUID, publicKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return user.ErrNotFound
	}
	u.PublicKey = publicKey
	f.pub[string(publicKey)] = u
	return nil
}

func (f *fakeUserRepo) UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	u.DisplayName = displayName
	return u, nil
}

func (f *fakeUserRepo) UpdateAvatarKey(ctx context.Context, id uuid.UUID, avatarKey string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	u.AvatarKey = &avatarKey
	u.AvatarThumbnailKey = nil
	return u, nil
}

func (f *fakeUserRepo) SetAvatarThumbnailKey(ctx context.Context, id uuid.UUID, thumbnailKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return user.ErrNotFound
	}
	u.AvatarThumbnailKey = &thumbnailKey
	return nil
}

// fakeMailer records every code it was asked to send instead of dialing SMTP.
type fakeMailer struct {
	mu               sync.Mutex
	verificationCode map[string]string
	recoveryCode     map[string]string
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{verificationCode: map[string]string{}, recoveryCode: map[string]string{}}
}

func (m *fakeMailer) SendVerificationCode(to, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verificationCode[to] = code
	return nil
}

func (m *fakeMailer) SendRecoveryCode(to, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryCode[to] = code
	return nil
}

func newTestTokenService(t *testing.T) *token.Service {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return token.New(priv, pub, "openconv-test", token.TTLs{
		Access: 5 * time.Minute, Refresh: 7 * 24 * time.Hour,
		Registration: 5 * time.Minute, Recovery: 5 * time.Minute,
	})
}

// testDeps bundles the fakes and fakes-backed Service used by the
// DB-independent flows (RegisterStart/Verify, LoginChallenge, RecoveryStart/
// Verify). Tests that exercise RegisterComplete/LoginVerify/Refresh/
// RecoveryComplete need a real Postgres transaction and are out of scope
// here, the same boundary this module's other packages draw around
// Postgres-integration coverage.
type testDeps struct {
	svc    *Service
	users  *fakeUserRepo
	mailer *fakeMailer
}

// existingUserParams builds CreateParams for a already-registered test user
// with a throwaway public key, so existence checks in RegisterStart/
// LoginChallenge/RecoveryStart have something real to find.
func existingUserParams(email string) user.CreateParams {
	return user.CreateParams{
		Email: email, DisplayName: "Existing User",
		PublicKey: append([]byte{0x05}, make([]byte, 32)...),
	}
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	rdb := newTestRedis(t)
	users := newFakeUserRepo()
	mailer := newFakeMailer()
	tokens := newTestTokenService(t)
	emailLimiter := ratelimit.New(rdb, "email", 5, 5*time.Minute)
	keyLimiter := ratelimit.New(rdb, "key", 10, time.Minute)

	svc := New(nil, rdb, users, tokens, mailer, nil, emailLimiter, keyLimiter, zerolog.Nop())
	return &testDeps{svc: svc, users: users, mailer: mailer}
}
