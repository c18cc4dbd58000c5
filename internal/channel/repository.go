package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/postgres"
)

const selectColumns = "id, guild_id, name, channel_type, position, topic, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(
		&ch.ID, &ch.GuildID, &ch.Name, &ch.Type, &ch.Position, &ch.Topic, &ch.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListByGuild returns a guild's channels ordered by position.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Channel, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM channels WHERE guild_id = $1 ORDER BY position, created_at", selectColumns),
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// GetByID returns the channel matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Channel, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM channels WHERE id = $1", selectColumns), id,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}
	return ch, nil
}

// Create inserts a new channel inside a transaction that enforces the maximum count and auto-assigns the next
// position within the guild.
func (r *PGRepository) Create(ctx context.Context, guildID uuid.UUID, params CreateParams, maxChannels int) (*Channel, error) {
	channelType := params.Type
	if channelType == "" {
		channelType = TypeText
	}

	var ch *Channel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM channels WHERE guild_id = $1", guildID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count channels: %w", err)
		}
		if count >= maxChannels {
			return ErrMaxChannelsReached
		}

		row := tx.QueryRow(ctx, fmt.Sprintf(
			`INSERT INTO channels (guild_id, name, channel_type, topic, position)
			 VALUES ($1, $2, $3, $4,
			         COALESCE((SELECT MAX(position) FROM channels WHERE guild_id = $1), -1) + 1)
			 RETURNING %s`, selectColumns),
			guildID, params.Name, channelType, params.Topic,
		)
		var err error
		ch, err = scanChannel(row)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Update applies the non-nil fields in params to the channel row and returns the updated channel.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, guildID, id uuid.UUID, params UpdateParams) (*Channel, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"guild_id": guildID, "id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Topic != nil {
		setClauses = append(setClauses, "topic = @topic")
		namedArgs["topic"] = *params.Topic
	} else if params.SetTopicNull {
		setClauses = append(setClauses, "topic = NULL")
	}
	if params.Position != nil {
		setClauses = append(setClauses, "position = @position")
		namedArgs["position"] = *params.Position
	}

	if len(setClauses) == 0 {
		ch, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if ch.GuildID != guildID {
			return nil, ErrNotFound
		}
		return ch, nil
	}

	query := "UPDATE channels SET " + strings.Join(setClauses, ", ") +
		" WHERE guild_id = @guild_id AND id = @id RETURNING " + selectColumns

	ch, err := scanChannel(r.db.QueryRow(ctx, query, namedArgs))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

// Delete removes a channel unless it is the guild's last one. The guild
// row is locked first so two concurrent deletes of a two-channel guild
// cannot both pass the count check and leave the guild empty.
func (r *PGRepository) Delete(ctx context.Context, guildID, id uuid.UUID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var guildExists bool
		err := tx.QueryRow(ctx,
			"SELECT true FROM guilds WHERE id = $1 FOR UPDATE", guildID,
		).Scan(&guildExists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock guild: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM channels WHERE guild_id = $1", guildID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count channels: %w", err)
		}
		if count <= 1 {
			return ErrLastChannel
		}

		tag, err := tx.Exec(ctx,
			"DELETE FROM channels WHERE guild_id = $1 AND id = $2", guildID, id,
		)
		if err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
