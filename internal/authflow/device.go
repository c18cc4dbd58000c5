package authflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nisarsyed/openconv/internal/device"
	"github.com/nisarsyed/openconv/internal/postgres"
)

// insertDeviceTx wraps device.InsertTx, translating a unique-constraint
// conflict on the caller-supplied device id into this package's own
// sentinel.
func insertDeviceTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID, deviceName string) (*device.Device, error) {
	dev, err := device.InsertTx(ctx, tx, id, userID, deviceName)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrDeviceConflict
		}
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return dev, nil
}

// upsertDeviceTx wraps device.UpsertTx, translating its ownership-conflict
// sentinel to this package's own so callers never import internal/device
// just to compare errors.
func upsertDeviceTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID, deviceName string) (*device.Device, error) {
	dev, err := device.UpsertTx(ctx, tx, id, userID, deviceName)
	if err != nil {
		if errors.Is(err, device.ErrOwnedByOtherUser) {
			return nil, ErrDeviceConflict
		}
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return dev, nil
}
