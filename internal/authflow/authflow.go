// Package authflow implements the multi-phase registration, login,
// refresh, logout, and recovery state machine: AuthFlow. It owns the
// Postgres transactions that create and mutate users, devices, published
// pre-key bundles, and refresh-token families, and the Valkey-backed
// ephemeral records (verify:<email>, recover:<email>, challenge:<public_key>)
// that bridge its multi-step flows.
//
// Like the rest of this module's domain packages, authflow returns plain
// sentinel errors; a single mapping function at the HTTP edge (internal/api)
// translates them to the apierr taxonomy.
package authflow

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/ratelimit"
	"github.com/nisarsyed/openconv/internal/signalproto"
	"github.com/nisarsyed/openconv/internal/token"
	"github.com/nisarsyed/openconv/internal/user"
)

// Sentinel errors returned by AuthFlow's operations.
var (
	ErrRateLimited      = errors.New("rate limited")
	ErrCodeNotFound     = errors.New("expired or not found")
	ErrCodeExhausted    = errors.New("expired, request a new one")
	ErrCodeMismatch     = errors.New("invalid code")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidBundle    = errors.New("invalid pre-key bundle")
	ErrDisposableEmail  = errors.New("disposable email addresses are not allowed")
	ErrDeviceConflict   = errors.New("device id already belongs to a different user")
)

// SessionCompromised is returned by Refresh when a refresh token jti that
// was already marked used is presented again — the family's root has been
// replayed, so every outstanding token in it is burned.
type SessionCompromised struct {
	Family uuid.UUID
}

func (e *SessionCompromised) Error() string {
	return fmt.Sprintf("session compromised: refresh family %s reused", e.Family)
}

// Mailer sends the verification and recovery codes RegisterStart and
// RecoveryStart dispatch. Implemented by *email.Client.
type Mailer interface {
	SendVerificationCode(to, code string) error
	SendRecoveryCode(to, code string) error
}

// EmailBlocklist rejects throwaway email domains at registration.
// Implemented by *disposable.Blocklist; nil disables the check.
type EmailBlocklist interface {
	IsBlocked(ctx context.Context, domain string) (bool, error)
}

// Service implements AuthFlow.
type Service struct {
	db           *pgxpool.Pool
	rdb          *redis.Client
	users        user.Repository
	tokens       *token.Service
	mailer       Mailer
	blocklist    EmailBlocklist
	emailLimiter *ratelimit.Limiter
	keyLimiter   *ratelimit.Limiter
	log          zerolog.Logger
}

// New constructs a Service.
func New(
	db *pgxpool.Pool,
	rdb *redis.Client,
	users user.Repository,
	tokens *token.Service,
	mailer Mailer,
	blocklist EmailBlocklist,
	emailLimiter *ratelimit.Limiter,
	keyLimiter *ratelimit.Limiter,
	logger zerolog.Logger,
) *Service {
	return &Service{
		db: db, rdb: rdb, users: users, tokens: tokens, mailer: mailer,
		blocklist: blocklist, emailLimiter: emailLimiter, keyLimiter: keyLimiter,
		log: logger,
	}
}

// decodeIdentityPublicKey validates raw is a well-formed 33-byte wire
// identity key, returning the embedded 32-byte Curve25519/Ed25519 key.
func decodeIdentityPublicKey(raw []byte) ([]byte, error) {
	key, err := signalproto.DecodeIdentityKey(raw)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return key, nil
}

// issueFamilyTx mints a fresh token family, issues access+refresh tokens for
// (userID, deviceID), and persists the refresh jti inside tx. Shared by
// every flow that starts a brand new session: register-complete,
// login-verify, and recovery-complete.
func issueFamilyTx(ctx context.Context, tx pgx.Tx, tokens *token.Service, userID, deviceID uuid.UUID) (access, refresh string, err error) {
	family, err := uuid.NewV7()
	if err != nil {
		return "", "", fmt.Errorf("generate token family: %w", err)
	}

	access, err = tokens.IssueAccess(userID, deviceID)
	if err != nil {
		return "", "", fmt.Errorf("issue access token: %w", err)
	}

	var jti string
	refresh, jti, err = tokens.IssueRefresh(userID, deviceID, family)
	if err != nil {
		return "", "", fmt.Errorf("issue refresh token: %w", err)
	}

	expiresAt := time.Now().Add(tokens.RefreshTTL())
	_, err = tx.Exec(ctx,
		`INSERT INTO refresh_tokens (jti, user_id, device_id, family, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		jti, userID, deviceID, family, expiresAt,
	)
	if err != nil {
		return "", "", fmt.Errorf("persist refresh token: %w", err)
	}

	return access, refresh, nil
}

// verifySignature checks sig is a valid Ed25519 signature by identityKey
// over message.
func verifySignature(identityKey, message, sig []byte) bool {
	if len(identityKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(identityKey, message, sig)
}
