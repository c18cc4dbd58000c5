package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, email, display_name, public_key, public_key_changed_at, avatar_key, avatar_thumbnail_key, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PublicKey, &u.PublicKeyChangedAt, &u.AvatarKey, &u.AvatarThumbnailKey, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new user outside of any AuthFlow-owned transaction
// (e.g. administrative tooling). AuthFlow's register/recovery paths issue
// their own INSERT inside a wider transaction instead of calling this.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`INSERT INTO users (email, display_name, public_key) VALUES ($1, $2, $3)
		 RETURNING `+selectColumns,
		params.Email, params.DisplayName, params.PublicKey,
	))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID returns the user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user with the given email, already normalized by
// the caller via NormalizeEmail.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// GetByPublicKey looks up a user by their login public key — the path
// LoginChallenge and LoginVerify use to determine existence.
func (r *PGRepository) GetByPublicKey(ctx context.Context, publicKey []byte) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE public_key = $1`, publicKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by public key: %w", err)
	}
	return u, nil
}

// UpdateDisplayName changes a user's display name, already normalized and
// validated by the caller.
func (r *PGRepository) UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`UPDATE users SET display_name = $1, updated_at = now() WHERE id = $2 RETURNING `+selectColumns,
		displayName, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update display name: %w", err)
	}
	return u, nil
}

// UpdateAvatarKey records the storage key of a freshly uploaded avatar and
// clears any stale thumbnail until the worker regenerates it.
func (r *PGRepository) UpdateAvatarKey(ctx context.Context, id uuid.UUID, avatarKey string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`UPDATE users SET avatar_key = $1, avatar_thumbnail_key = NULL, updated_at = now()
		 WHERE id = $2 RETURNING `+selectColumns,
		avatarKey, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update avatar key: %w", err)
	}
	return u, nil
}

// SetAvatarThumbnailKey records a generated avatar thumbnail's storage key.
func (r *PGRepository) SetAvatarThumbnailKey(ctx context.Context, id uuid.UUID, thumbnailKey string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET avatar_thumbnail_key = $1, updated_at = now() WHERE id = $2`,
		thumbnailKey, id,
	)
	if err != nil {
		return fmt.Errorf("set avatar thumbnail key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePublicKey rotates a user's login public key outside of
// RecoveryComplete's own wider transaction.
func (r *PGRepository) UpdatePublicKey(ctx context.Context, id uuid.UUID, publicKey []byte) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET public_key = $1, public_key_changed_at = now() WHERE id = $2`,
		publicKey, id,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update public key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
