package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nisarsyed/openconv/internal/postgres"
	"github.com/nisarsyed/openconv/internal/prekeybundle"
	"github.com/nisarsyed/openconv/internal/token"
	"github.com/nisarsyed/openconv/internal/user"
)

// RegisterStart validates the email/display name, rate limits by email,
// and — only if the email is not already registered — generates and
// emails a 6-digit verification code. The response is identical either
// way so existence is never disclosed through timing or shape.
func (s *Service) RegisterStart(ctx context.Context, email, displayName string) error {
	if err := user.ValidateEmail(email); err != nil {
		return err
	}
	if err := user.ValidateDisplayName(displayName); err != nil {
		return err
	}
	email = user.NormalizeEmail(email)
	displayName = user.NormalizeDisplayName(displayName)

	if s.blocklist != nil {
		if _, domain, found := strings.Cut(email, "@"); found {
			blocked, err := s.blocklist.IsBlocked(ctx, domain)
			if err != nil {
				s.log.Warn().Err(err).Msg("disposable email check failed, allowing")
			} else if blocked {
				return ErrDisposableEmail
			}
		}
	}

	ok, err := s.emailLimiter.Allow(ctx, email, "register/start")
	if err != nil {
		return fmt.Errorf("check register rate limit: %w", err)
	}
	if !ok {
		return ErrRateLimited
	}

	_, err = s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		// Account already exists; skip sending a code but report success.
		return nil
	case errors.Is(err, user.ErrNotFound):
		// fall through to send a code
	default:
		return fmt.Errorf("look up existing user: %w", err)
	}

	code, err := generateSixDigitCode()
	if err != nil {
		return err
	}
	if err := storeVerifyRecord(ctx, s.rdb, email, verifyRecord{
		Code: code, DisplayName: displayName, AttemptsRemaining: attemptsPerCode,
	}); err != nil {
		return err
	}

	if err := s.mailer.SendVerificationCode(email, code); err != nil {
		s.log.Warn().Err(err).Str("email", email).Msg("failed to send verification code")
	}
	return nil
}

// RegisterVerify checks the submitted code against verify:<email> with the
// atomic get-compare-decrement-or-delete semantics implemented by
// codeCheckScript, and on success issues a registration token.
func (s *Service) RegisterVerify(ctx context.Context, email, code string) (string, error) {
	if err := user.ValidateEmail(email); err != nil {
		return "", err
	}
	email = user.NormalizeEmail(email)

	res, err := checkCode(ctx, s.rdb, verifyKey(email), code)
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
		return s.tokens.IssueRegistration(email, res.DisplayName)
	default:
		return "", fmt.Errorf("unexpected code check status %q", res.Status)
	}
}

// RegisterCompleteResult is returned on successful registration.
type RegisterCompleteResult struct {
	UserID       uuid.UUID
	AccessToken  string
	RefreshToken string
	DeviceID     uuid.UUID
}

// RegisterComplete validates the registration token, the new identity
// public key, and the pre-key bundle, then atomically creates the user,
// device, and published bundle and mints the first token family.
func (s *Service) RegisterComplete(
	ctx context.Context,
	registrationToken string,
	publicKey []byte,
	preKeyBundle []byte,
	deviceID uuid.UUID,
	deviceName string,
) (*RegisterCompleteResult, error) {
	claims, err := s.tokens.Validate(registrationToken, token.PurposeRegistration)
	if err != nil {
		return nil, ErrUnauthorized
	}

	if _, err := decodeIdentityPublicKey(publicKey); err != nil {
		return nil, err
	}
	if len(preKeyBundle) == 0 {
		return nil, ErrInvalidBundle
	}

	var result RegisterCompleteResult
	err = postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var userID uuid.UUID
		userID, err = uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate user id: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO users (id, email, display_name, public_key) VALUES ($1, $2, $3, $4)`,
			userID, claims.Email, claims.DisplayName, publicKey,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return user.ErrAlreadyExists
			}
			return fmt.Errorf("insert user: %w", err)
		}

		if _, err = insertDeviceTx(ctx, tx, deviceID, userID, deviceName); err != nil {
			return err
		}
		if err = prekeybundle.InsertTx(ctx, tx, deviceID, preKeyBundle); err != nil {
			return err
		}

		access, refresh, err := issueFamilyTx(ctx, tx, s.tokens, userID, deviceID)
		if err != nil {
			return err
		}

		result = RegisterCompleteResult{
			UserID: userID, AccessToken: access, RefreshToken: refresh, DeviceID: deviceID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
