package authflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Logout marks every unused refresh token for (userID, deviceID) as used,
// ending that device's session without touching the user's other devices.
func (s *Service) Logout(ctx context.Context, userID, deviceID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE refresh_tokens SET is_used = true, used_at = now()
		 WHERE user_id = $1 AND device_id = $2 AND is_used = false`,
		userID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// LogoutAll marks every unused refresh token for userID as used across all
// of the user's devices.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE refresh_tokens SET is_used = true, used_at = now()
		 WHERE user_id = $1 AND is_used = false`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("logout all: %w", err)
	}
	return nil
}
