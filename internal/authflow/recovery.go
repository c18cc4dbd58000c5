package authflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nisarsyed/openconv/internal/device"
	"github.com/nisarsyed/openconv/internal/postgres"
	"github.com/nisarsyed/openconv/internal/prekeybundle"
	"github.com/nisarsyed/openconv/internal/token"
	"github.com/nisarsyed/openconv/internal/user"
)

// RecoveryStart always writes a fresh recovery code regardless of whether
// the email is registered, and only dispatches the email when it is —
// timing-equalizing the observable behavior either way.
func (s *Service) RecoveryStart(ctx context.Context, email string) error {
	if err := user.ValidateEmail(email); err != nil {
		return err
	}
	email = user.NormalizeEmail(email)

	ok, err := s.emailLimiter.Allow(ctx, email, "recovery/start")
	if err != nil {
		return fmt.Errorf("check recovery rate limit: %w", err)
	}
	if !ok {
		return ErrRateLimited
	}

	code, err := generateSixDigitCode()
	if err != nil {
		return err
	}
	if err := storeRecoverRecord(ctx, s.rdb, email, recoverRecord{
		Code: code, AttemptsRemaining: attemptsPerCode,
	}); err != nil {
		return err
	}

	_, err = s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if sendErr := s.mailer.SendRecoveryCode(email, code); sendErr != nil {
			s.log.Warn().Err(sendErr).Str("email", email).Msg("failed to send recovery code")
		}
	case errors.Is(err, user.ErrNotFound):
		// Do not dispatch an email for an account that doesn't exist.
	default:
		return fmt.Errorf("look up user for recovery: %w", err)
	}
	return nil
}

// RecoveryVerify checks the submitted code against recover:<email> and, on
// success, issues a recovery token carrying the resolved user id.
func (s *Service) RecoveryVerify(ctx context.Context, email, code string) (string, error) {
	if err := user.ValidateEmail(email); err != nil {
		return "", err
	}
	email = user.NormalizeEmail(email)

	res, err := checkCode(ctx, s.rdb, recoverKey(email), code)
	if err != nil {
		return "", err
	}
	switch res.Status {
	case "missing":
		return "", ErrCodeNotFound
	case "exhausted":
		return "", ErrCodeExhausted
	case "mismatch":
		return "", ErrCodeMismatch
	case "ok":
		u, err := s.users.GetByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				return "", ErrUnauthorized
			}
			return "", fmt.Errorf("look up user for recovery token: %w", err)
		}
		return s.tokens.IssueRecovery(email, u.ID)
	default:
		return "", fmt.Errorf("unexpected code check status %q", res.Status)
	}
}

// RecoveryCompleteResult is returned on successful recovery.
type RecoveryCompleteResult struct {
	UserID       uuid.UUID
	DeviceID     uuid.UUID
	AccessToken  string
	RefreshToken string
}

// RecoveryComplete validates the recovery token and new identity, then
// performs a full identity reset: the user's public key is rotated and
// every prior device, published bundle, and refresh token is deleted
// before the new device and bundle are installed and a fresh token family
// is minted.
func (s *Service) RecoveryComplete(
	ctx context.Context,
	recoveryToken string,
	newPublicKey []byte,
	preKeyBundle []byte,
	deviceName string,
) (*RecoveryCompleteResult, error) {
	claims, err := s.tokens.Validate(recoveryToken, token.PurposeRecovery)
	if err != nil {
		return nil, ErrUnauthorized
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthorized
	}

	if _, err := decodeIdentityPublicKey(newPublicKey); err != nil {
		return nil, err
	}
	if len(preKeyBundle) == 0 {
		return nil, ErrInvalidBundle
	}

	var result RecoveryCompleteResult
	err = postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET public_key = $1, public_key_changed_at = now() WHERE id = $2`,
			newPublicKey, userID,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return user.ErrAlreadyExists
			}
			return fmt.Errorf("rotate public key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return user.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete refresh tokens: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM pre_key_bundles WHERE device_id IN (SELECT id FROM devices WHERE user_id = $1)`, userID,
		); err != nil {
			return fmt.Errorf("delete pre-key bundles: %w", err)
		}
		if err := device.DeleteAllByUserTx(ctx, tx, userID); err != nil {
			return err
		}

		newDeviceID := uuid.New()
		dev, err := insertDeviceTx(ctx, tx, newDeviceID, userID, deviceName)
		if err != nil {
			return err
		}
		if err := prekeybundle.InsertTx(ctx, tx, dev.ID, preKeyBundle); err != nil {
			return err
		}

		access, refresh, err := issueFamilyTx(ctx, tx, s.tokens, userID, dev.ID)
		if err != nil {
			return err
		}

		result = RecoveryCompleteResult{UserID: userID, DeviceID: dev.ID, AccessToken: access, RefreshToken: refresh}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
