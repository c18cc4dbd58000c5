package role

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *Role. Every method that scans into a Role must
// select these columns in this exact order. See scanRole.
const selectColumns = "id, guild_id, name, permissions, position, role_type, created_at"

// Positions the built-in roles are seeded at. Custom roles slot in above
// the admin role, shifting the owner up as needed.
const (
	seedMemberPosition = 0
	seedAdminPosition  = 1
	seedOwnerPosition  = 2
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// scanRole scans a single row into a *Role. The row must contain the columns listed in selectColumns.
func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	var perms int64
	err := row.Scan(
		&role.ID, &role.GuildID, &role.Name, &perms,
		&role.Position, &role.RoleType, &role.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	role.Permissions = permissions.Permission(perms)
	return &role, nil
}

// SeedGuildTx inserts the three built-in roles for a freshly created guild
// inside the caller's transaction and returns the owner role's ID so the
// caller can assign it to the guild creator.
func SeedGuildTx(ctx context.Context, tx pgx.Tx, guildID uuid.UUID) (uuid.UUID, error) {
	seeds := []struct {
		name     string
		roleType string
		position int
		perms    permissions.Permission
	}{
		{"member", TypeMember, seedMemberPosition, DefaultMemberPermissions},
		{"admin", TypeAdmin, seedAdminPosition, DefaultAdminPermissions},
		{"owner", TypeOwner, seedOwnerPosition, permissions.AllPermissions},
	}

	var ownerRoleID uuid.UUID
	for _, s := range seeds {
		var id uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO roles (guild_id, name, permissions, position, role_type)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			guildID, s.name, int64(s.perms), s.position, s.roleType,
		).Scan(&id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("seed %s role: %w", s.name, err)
		}
		if s.roleType == TypeOwner {
			ownerRoleID = id
		}
	}
	return ownerRoleID, nil
}

// ListByGuild returns all of a guild's roles ordered by position, lowest
// first.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Role, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM roles WHERE guild_id = $1 ORDER BY position", selectColumns), guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetByID returns the role matching the given ID within a guild.
func (r *PGRepository) GetByID(ctx context.Context, guildID, id uuid.UUID) (*Role, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM roles WHERE guild_id = $1 AND id = $2", selectColumns), guildID, id,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by id: %w", err)
	}
	return role, nil
}

// Create inserts a custom role inside a transaction that enforces the
// maximum count and slots the new role directly below the owner role: the
// owner is shifted up one position first, freeing its old position for the
// new role, so the owner keeps the guild's top position unconditionally.
func (r *PGRepository) Create(ctx context.Context, guildID uuid.UUID, params CreateParams, maxRoles int) (*Role, error) {
	var role *Role
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM roles WHERE guild_id = $1", guildID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count roles: %w", err)
		}
		if count >= maxRoles {
			return ErrMaxRolesReached
		}

		var ownerPos int
		err := tx.QueryRow(ctx,
			`UPDATE roles SET position = position + 1
			 WHERE guild_id = $1 AND role_type = $2
			 RETURNING position - 1`,
			guildID, TypeOwner,
		).Scan(&ownerPos)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("shift owner role: %w", err)
		}

		row := tx.QueryRow(ctx, fmt.Sprintf(
			`INSERT INTO roles (guild_id, name, permissions, position, role_type)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING %s`, selectColumns),
			guildID, params.Name, int64(params.Permissions), ownerPos, TypeCustom,
		)
		role, err = scanRole(row)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Update applies the non-nil fields in params to a custom role and returns the updated role. A requested position must
// stay strictly below the owner role's.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, guildID, id uuid.UUID, params UpdateParams) (*Role, error) {
	var role *Role
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var roleType string
		err := tx.QueryRow(ctx,
			"SELECT role_type FROM roles WHERE guild_id = $1 AND id = $2 FOR UPDATE",
			guildID, id,
		).Scan(&roleType)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock role: %w", err)
		}
		if roleType != TypeCustom {
			return ErrBuiltinImmutable
		}

		if params.Position != nil {
			var ownerPos int
			if err := tx.QueryRow(ctx,
				"SELECT position FROM roles WHERE guild_id = $1 AND role_type = $2",
				guildID, TypeOwner,
			).Scan(&ownerPos); err != nil {
				return fmt.Errorf("query owner position: %w", err)
			}
			if *params.Position < 1 || *params.Position >= ownerPos {
				return ErrInvalidPosition
			}
		}

		var setClauses []string
		namedArgs := pgx.NamedArgs{"guild_id": guildID, "id": id}

		if params.Name != nil {
			setClauses = append(setClauses, "name = @name")
			namedArgs["name"] = *params.Name
		}
		if params.Position != nil {
			setClauses = append(setClauses, "position = @position")
			namedArgs["position"] = *params.Position
		}
		if params.Permissions != nil {
			setClauses = append(setClauses, "permissions = @permissions")
			namedArgs["permissions"] = int64(*params.Permissions)
		}

		if len(setClauses) == 0 {
			role, err = r.GetByID(ctx, guildID, id)
			return err
		}

		query := "UPDATE roles SET " + strings.Join(setClauses, ", ") +
			" WHERE guild_id = @guild_id AND id = @id RETURNING " + selectColumns

		role, err = scanRole(tx.QueryRow(ctx, query, namedArgs))
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("update role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Delete removes a custom role. Built-in roles cannot be deleted.
func (r *PGRepository) Delete(ctx context.Context, guildID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM roles WHERE guild_id = $1 AND id = $2 AND role_type = $3",
		guildID, id, TypeCustom,
	)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "not found" from "built-in role" by checking whether the row exists.
		var roleType string
		err := r.db.QueryRow(ctx,
			"SELECT role_type FROM roles WHERE guild_id = $1 AND id = $2", guildID, id,
		).Scan(&roleType)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check role existence: %w", err)
		}
		return ErrBuiltinImmutable
	}
	return nil
}
