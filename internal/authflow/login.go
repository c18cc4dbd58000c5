package authflow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nisarsyed/openconv/internal/postgres"
	"github.com/nisarsyed/openconv/internal/user"
)

// LoginChallenge rate limits by public key and always returns a fresh
// challenge, regardless of whether the key is registered, so the response
// shape never discloses account existence.
func (s *Service) LoginChallenge(ctx context.Context, publicKey []byte) (string, error) {
	if _, err := decodeIdentityPublicKey(publicKey); err != nil {
		return "", err
	}
	keyB64 := base64.StdEncoding.EncodeToString(publicKey)

	ok, err := s.keyLimiter.Allow(ctx, keyB64, "login/challenge")
	if err != nil {
		return "", fmt.Errorf("check login rate limit: %w", err)
	}
	if !ok {
		return "", ErrRateLimited
	}

	_, err = s.users.GetByPublicKey(ctx, publicKey)
	exists := true
	switch {
	case err == nil:
	case errors.Is(err, user.ErrNotFound):
		exists = false
	default:
		return "", fmt.Errorf("look up user by public key: %w", err)
	}

	challenge, err := generateChallenge()
	if err != nil {
		return "", err
	}
	if err := storeChallengeRecord(ctx, s.rdb, keyB64, challengeRecord{Challenge: challenge, Exists: exists}); err != nil {
		return "", err
	}
	return challenge, nil
}

// LoginVerifyResult is returned on successful login.
type LoginVerifyResult struct {
	UserID       uuid.UUID
	DeviceID     uuid.UUID
	AccessToken  string
	RefreshToken string
}

// LoginVerify atomically consumes the outstanding challenge for
// publicKey, verifies the Ed25519 signature over the challenge bytes, and
// — on success — upserts the device and mints a fresh token family.
func (s *Service) LoginVerify(
	ctx context.Context,
	publicKey []byte,
	signature []byte,
	deviceID uuid.UUID,
	deviceName string,
) (*LoginVerifyResult, error) {
	identityKey, err := decodeIdentityPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	keyB64 := base64.StdEncoding.EncodeToString(publicKey)

	rec, err := takeChallengeRecord(ctx, s.rdb, keyB64)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !rec.Exists {
		return nil, ErrUnauthorized
	}

	challengeBytes, err := base64.StdEncoding.DecodeString(rec.Challenge)
	if err != nil {
		return nil, fmt.Errorf("decode stored challenge: %w", err)
	}
	if !verifySignature(identityKey, challengeBytes, signature) {
		return nil, ErrInvalidSignature
	}

	u, err := s.users.GetByPublicKey(ctx, publicKey)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("look up user by public key: %w", err)
	}

	var result LoginVerifyResult
	err = postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		dev, err := upsertDeviceTx(ctx, tx, deviceID, u.ID, deviceName)
		if err != nil {
			return err
		}

		access, refresh, err := issueFamilyTx(ctx, tx, s.tokens, u.ID, dev.ID)
		if err != nil {
			return err
		}

		result = LoginVerifyResult{UserID: u.ID, DeviceID: dev.ID, AccessToken: access, RefreshToken: refresh}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
