package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nisarsyed/openconv/internal/device"
	"github.com/nisarsyed/openconv/internal/postgres"
	"github.com/nisarsyed/openconv/internal/token"
)

// RefreshResult is returned on successful refresh-token rotation.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
}

// Refresh implements the family state machine: each refresh jti is
// single-use. Presenting an already-used jti means the token was replayed
// — either stolen or retried past a race — so every row sharing its
// family is burned and *SessionCompromised is returned.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	claims, err := s.tokens.Validate(refreshToken, token.PurposeRefresh)
	if err != nil {
		return nil, ErrUnauthorized
	}
	jti, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrUnauthorized
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthorized
	}

	var result RefreshResult
	var compromised *SessionCompromised

	err = postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var family uuid.UUID
		var isUsed bool
		err := tx.QueryRow(ctx,
			`SELECT family, is_used FROM refresh_tokens WHERE jti = $1 FOR UPDATE`, jti,
		).Scan(&family, &isUsed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUnauthorized
			}
			return fmt.Errorf("look up refresh token: %w", err)
		}

		if isUsed {
			if _, err := tx.Exec(ctx,
				`UPDATE refresh_tokens SET is_used = true, used_at = now()
				 WHERE family = $1 AND is_used = false`, family,
			); err != nil {
				return fmt.Errorf("burn refresh family: %w", err)
			}
			compromised = &SessionCompromised{Family: family}
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE refresh_tokens SET is_used = true, used_at = now() WHERE jti = $1`, jti,
		); err != nil {
			return fmt.Errorf("mark refresh token used: %w", err)
		}

		access, refresh, err := issueFamilyInExistingFamilyTx(ctx, tx, s.tokens, userID, claims.DeviceID, family)
		if err != nil {
			return err
		}
		if err := device.TouchTx(ctx, tx, claims.DeviceID); err != nil {
			return fmt.Errorf("touch device: %w", err)
		}

		result = RefreshResult{AccessToken: access, RefreshToken: refresh}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if compromised != nil {
		return nil, compromised
	}
	return &result, nil
}

// issueFamilyInExistingFamilyTx mints access+refresh tokens within an
// already-minted family (refresh rotation keeps the family id fixed,
// unlike issueFamilyTx which mints a brand new one).
func issueFamilyInExistingFamilyTx(ctx context.Context, tx pgx.Tx, tokens *token.Service, userID, deviceID, family uuid.UUID) (access, refresh string, err error) {
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
		return "", "", fmt.Errorf("persist rotated refresh token: %w", err)
	}
	return access, refresh, nil
}
