package guild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/channel"
	"github.com/nisarsyed/openconv/internal/member"
	"github.com/nisarsyed/openconv/internal/postgres"
	"github.com/nisarsyed/openconv/internal/role"
)

const selectColumns = "id, name, owner_id, deleted_at, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed guild repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func scanGuild(row pgx.Row) (*Guild, error) {
	var g Guild
	if err := row.Scan(&g.ID, &g.Name, &g.OwnerID, &g.DeletedAt, &g.CreatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// Create inserts the guild, seeds its built-in roles and #general channel,
// and adds the creator as a member holding the owner role, all in one
// transaction.
func (r *PGRepository) Create(ctx context.Context, name string, ownerID uuid.UUID) (*Guild, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate guild id: %w", err)
	}

	var g *Guild
	err = postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(
			`INSERT INTO guilds (id, name, owner_id) VALUES ($1, $2, $3) RETURNING %s`, selectColumns),
			id, name, ownerID,
		)
		var err error
		g, err = scanGuild(row)
		if err != nil {
			return fmt.Errorf("insert guild: %w", err)
		}

		ownerRoleID, err := role.SeedGuildTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := member.InsertTx(ctx, tx, ownerID, id); err != nil {
			return err
		}
		if err := member.AssignRoleTx(ctx, tx, ownerID, id, ownerRoleID); err != nil {
			return err
		}
		return channel.SeedGuildTx(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetByID returns a guild that has not been soft-deleted.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Guild, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM guilds WHERE id = $1 AND deleted_at IS NULL", selectColumns), id,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild by id: %w", err)
	}
	return g, nil
}

// GetIncludingDeleted returns a guild whether or not it has been
// soft-deleted.
func (r *PGRepository) GetIncludingDeleted(ctx context.Context, id uuid.UUID) (*Guild, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM guilds WHERE id = $1", selectColumns), id,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild by id: %w", err)
	}
	return g, nil
}

// ListForUser returns every live guild the user is a member of, oldest
// first.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Guild, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM guilds g
		 WHERE deleted_at IS NULL
		   AND EXISTS (SELECT 1 FROM guild_members m WHERE m.guild_id = g.id AND m.user_id = $1)
		 ORDER BY created_at`, selectColumns),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		guilds = append(guilds, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guilds: %w", err)
	}
	return guilds, nil
}

// Rename updates the guild's name.
func (r *PGRepository) Rename(ctx context.Context, id uuid.UUID, name string) (*Guild, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`UPDATE guilds SET name = $1 WHERE id = $2 AND deleted_at IS NULL RETURNING %s`, selectColumns),
		name, id,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rename guild: %w", err)
	}
	return g, nil
}

// SoftDelete stamps deleted_at on a live guild.
func (r *PGRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE guilds SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return fmt.Errorf("soft delete guild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Restore clears deleted_at on a guild soft-deleted less than RestoreWindow
// ago. The row is locked for the check so a concurrent restore or purge
// cannot interleave.
func (r *PGRepository) Restore(ctx context.Context, id uuid.UUID) (*Guild, error) {
	var g *Guild
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var deletedAt *time.Time
		err := tx.QueryRow(ctx,
			"SELECT deleted_at FROM guilds WHERE id = $1 FOR UPDATE", id,
		).Scan(&deletedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock guild for restore: %w", err)
		}
		if deletedAt == nil {
			return ErrNotDeleted
		}
		if time.Since(*deletedAt) > RestoreWindow {
			return ErrRestoreWindowExpired
		}

		row := tx.QueryRow(ctx, fmt.Sprintf(
			`UPDATE guilds SET deleted_at = NULL WHERE id = $1 RETURNING %s`, selectColumns), id,
		)
		g, err = scanGuild(row)
		if err != nil {
			return fmt.Errorf("restore guild: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}
