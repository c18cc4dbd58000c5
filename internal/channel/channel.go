// Package channel manages guild channels. Channel names follow the strict
// lowercase slug grammar enforced by both this package and the table's
// CHECK constraint, and a guild always keeps at least one channel: the
// delete path locks the guild row and refuses to remove the last one.
package channel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Channel type constants matching the database default. Voice channels are
// deliberately absent from this set.
const (
	TypeText         = "text"
	TypeAnnouncement = "announcement"
)

// validTypes is the set of allowed channel types.
var validTypes = map[string]bool{
	TypeText:         true,
	TypeAnnouncement: true,
}

// nameGrammar is the channel-name slug grammar: lowercase alphanumerics
// and interior hyphens, no leading or trailing hyphen.
var nameGrammar = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Sentinel errors for the channel package.
var (
	ErrNotFound           = errors.New("channel not found")
	ErrMaxChannelsReached = errors.New("maximum number of channels reached")
	ErrNameLength         = errors.New("channel name must be between 1 and 100 characters")
	ErrNameGrammar        = errors.New("channel name must be lowercase alphanumerics and interior hyphens")
	ErrAlreadyExists      = errors.New("a channel with that name already exists in this guild")
	ErrInvalidType        = errors.New("invalid channel type")
	ErrTopicLength        = errors.New("channel topic must be 1024 characters or fewer")
	ErrInvalidPosition    = errors.New("position must be non-negative")
	ErrLastChannel        = errors.New("the last channel in a guild cannot be deleted")
)

// Channel holds the fields read from the database.
type Channel struct {
	ID        uuid.UUID
	GuildID   uuid.UUID
	Name      string
	Type      string
	Position  int
	Topic     *string
	CreatedAt time.Time
}

// CreateParams groups the inputs for creating a new channel.
type CreateParams struct {
	Name  string
	Type  string
	Topic *string
}

// UpdateParams groups the optional fields for updating a channel.
// SetTopicNull distinguishes "no change" (nil Topic with SetTopicNull
// false) from "clear the topic" (nil Topic with SetTopicNull true).
type UpdateParams struct {
	Name         *string
	Topic        *string
	SetTopicNull bool
	Position     *int
}

// ValidateName lowercases and validates a channel name against the slug
// grammar, returning the normalized result.
func ValidateName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if utf8.RuneCountInString(normalized) < 1 || utf8.RuneCountInString(normalized) > 100 {
		return "", ErrNameLength
	}
	if !nameGrammar.MatchString(normalized) {
		return "", ErrNameGrammar
	}
	return normalized, nil
}

// ValidateType checks that a channel type is one of the allowed values. An empty string is valid and means "default"
// (text).
func ValidateType(channelType string) error {
	if channelType == "" {
		return nil
	}
	if !validTypes[channelType] {
		return ErrInvalidType
	}
	return nil
}

// ValidateTopic checks that a non-nil topic is 1024 characters (runes) or fewer. A nil pointer means "no change."
func ValidateTopic(topic *string) error {
	if topic == nil {
		return nil
	}
	if utf8.RuneCountInString(*topic) > 1024 {
		return ErrTopicLength
	}
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative. A nil pointer means "no change."
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
type Repository interface {
	ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Channel, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Channel, error)
	Create(ctx context.Context, guildID uuid.UUID, params CreateParams, maxChannels int) (*Channel, error)
	Update(ctx context.Context, guildID, id uuid.UUID, params UpdateParams) (*Channel, error)

	// Delete removes a channel unless it is the guild's last one. The
	// guild row is locked for the count-then-delete so two concurrent
	// deletes cannot both pass the last-channel check.
	Delete(ctx context.Context, guildID, id uuid.UUID) error
}

// SeedGuildTx inserts the #general channel for a freshly created guild
// inside the caller's transaction.
func SeedGuildTx(ctx context.Context, tx pgx.Tx, guildID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO channels (guild_id, name, channel_type, position) VALUES ($1, 'general', $2, 0)`,
		guildID, TypeText,
	)
	if err != nil {
		return fmt.Errorf("seed general channel: %w", err)
	}
	return nil
}
