package dmchannel

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

const selectColumns = "id, name, creator_id, is_group, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed DM channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func scanDMChannel(row pgx.Row) (*DMChannel, error) {
	var ch DMChannel
	err := row.Scan(&ch.ID, &ch.Name, &ch.CreatorID, &ch.IsGroup, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateDirect opens the 1:1 channel between userA and userB, deduplicated
// on the canonically ordered pair: when the pair already shares a channel
// the existing one is returned with created = false. A race between two
// first-open requests is resolved by the pairs table's uniqueness — the
// loser re-reads the winner's channel.
func (r *PGRepository) CreateDirect(ctx context.Context, userA, userB uuid.UUID) (*DMChannel, bool, error) {
	if userA == userB {
		return nil, false, ErrSelfDM
	}
	low, high := OrderPair(userA, userB)

	if ch, err := r.getByPair(ctx, low, high); err == nil {
		return ch, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	var ch *DMChannel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(
			"INSERT INTO dm_channels (is_group) VALUES (false) RETURNING %s", selectColumns),
		)
		var err error
		ch, err = scanDMChannel(row)
		if err != nil {
			return fmt.Errorf("insert dm channel: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO dm_channel_pairs (dm_channel_id, user_low, user_high) VALUES ($1, $2, $3)",
			ch.ID, low, high,
		); err != nil {
			return err
		}

		for _, userID := range []uuid.UUID{userA, userB} {
			if _, err := tx.Exec(ctx,
				"INSERT INTO dm_channel_members (dm_channel_id, user_id) VALUES ($1, $2)",
				ch.ID, userID,
			); err != nil {
				return fmt.Errorf("insert dm channel member: %w", err)
			}
		}
		ch.MemberIDs = []uuid.UUID{userA, userB}
		return nil
	})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			existing, getErr := r.getByPair(ctx, low, high)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return ch, true, nil
}

// CreateGroup opens a group channel with the given members.
func (r *PGRepository) CreateGroup(ctx context.Context, creatorID uuid.UUID, name *string, memberIDs []uuid.UUID) (*DMChannel, error) {
	if err := ValidateGroupMembers(memberIDs); err != nil {
		return nil, err
	}

	var ch *DMChannel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(
			"INSERT INTO dm_channels (name, creator_id, is_group) VALUES ($1, $2, true) RETURNING %s",
			selectColumns),
			name, creatorID,
		)
		var err error
		ch, err = scanDMChannel(row)
		if err != nil {
			return fmt.Errorf("insert group dm channel: %w", err)
		}

		for _, userID := range memberIDs {
			if _, err := tx.Exec(ctx,
				"INSERT INTO dm_channel_members (dm_channel_id, user_id) VALUES ($1, $2)",
				ch.ID, userID,
			); err != nil {
				if postgres.IsForeignKeyViolation(err) {
					return ErrMemberNotFound
				}
				return fmt.Errorf("insert group dm member: %w", err)
			}
		}
		ch.MemberIDs = memberIDs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// GetByID returns a DM channel with its member list.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*DMChannel, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM dm_channels WHERE id = $1", selectColumns), id,
	)
	ch, err := scanDMChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query dm channel: %w", err)
	}

	if ch.MemberIDs, err = r.memberIDs(ctx, id); err != nil {
		return nil, err
	}
	return ch, nil
}

// ListForUser returns every DM channel the user belongs to, newest first,
// each with its member list.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]DMChannel, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM dm_channels c
		 WHERE EXISTS (SELECT 1 FROM dm_channel_members m WHERE m.dm_channel_id = c.id AND m.user_id = $1)
		 ORDER BY created_at DESC`, selectColumns),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dm channels for user: %w", err)
	}
	defer rows.Close()

	var channels []DMChannel
	for rows.Next() {
		ch, err := scanDMChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dm channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dm channels: %w", err)
	}

	for i := range channels {
		if channels[i].MemberIDs, err = r.memberIDs(ctx, channels[i].ID); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

// IsMember reports whether userID belongs to the DM channel.
func (r *PGRepository) IsMember(ctx context.Context, dmChannelID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM dm_channel_members WHERE dm_channel_id = $1 AND user_id = $2)",
		dmChannelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dm membership: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) getByPair(ctx context.Context, low, high uuid.UUID) (*DMChannel, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		"SELECT dm_channel_id FROM dm_channel_pairs WHERE user_low = $1 AND user_high = $2",
		low, high,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query dm channel pair: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PGRepository) memberIDs(ctx context.Context, dmChannelID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT user_id FROM dm_channel_members WHERE dm_channel_id = $1 ORDER BY user_id",
		dmChannelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dm channel members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dm channel member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dm channel members: %w", err)
	}
	return ids, nil
}
