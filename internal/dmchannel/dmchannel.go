// Package dmchannel manages direct-message channels: 1:1 conversations,
// deduplicated so any user pair shares at most one, and named group
// conversations of up to 25 participants.
package dmchannel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Group size bounds, creator included.
const (
	MinGroupMembers = 2
	MaxGroupMembers = 25
)

// Sentinel errors for the dmchannel package.
var (
	ErrNotFound         = errors.New("DM channel not found")
	ErrMemberNotFound   = errors.New("one or more members do not exist")
	ErrNotMember        = errors.New("user is not a member of this DM channel")
	ErrSelfDM           = errors.New("cannot open a DM channel with yourself")
	ErrGroupSize        = errors.New("group DM channels must have between 2 and 25 members")
	ErrDuplicateMembers = errors.New("group member list contains duplicates")
	ErrNameLength       = errors.New("group name must be between 1 and 100 characters")
)

// DMChannel holds the fields read from the database. Name and CreatorID
// are only set for group channels.
type DMChannel struct {
	ID        uuid.UUID
	Name      *string
	CreatorID *uuid.UUID
	IsGroup   bool
	CreatedAt time.Time
	MemberIDs []uuid.UUID
}

// OrderPair returns the two user IDs in canonical byte order, the form the
// dm_channel_pairs uniqueness row stores so (a, b) and (b, a) collide.
func OrderPair(a, b uuid.UUID) (low, high uuid.UUID) {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a, b
	}
	return b, a
}

// ValidateGroupName checks that a non-nil group name is between 1 and 100 characters (runes) after trimming
// whitespace. A nil pointer means the group is unnamed. On success the pointed-to value is replaced with the trimmed
// result.
func ValidateGroupName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateGroupMembers checks the member ID list for a new group channel:
// creator included, between MinGroupMembers and MaxGroupMembers distinct
// users.
func ValidateGroupMembers(memberIDs []uuid.UUID) error {
	if len(memberIDs) < MinGroupMembers || len(memberIDs) > MaxGroupMembers {
		return ErrGroupSize
	}
	seen := make(map[uuid.UUID]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		if _, dup := seen[id]; dup {
			return ErrDuplicateMembers
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Repository defines the data-access contract for DM channel operations.
type Repository interface {
	// CreateDirect opens the 1:1 channel between two users, returning the
	// existing one when the pair already shares a channel. created
	// reports which happened, so the handler can answer 201 or 200.
	CreateDirect(ctx context.Context, userA, userB uuid.UUID) (ch *DMChannel, created bool, err error)

	// CreateGroup opens a group channel. memberIDs must include the
	// creator and satisfy ValidateGroupMembers.
	CreateGroup(ctx context.Context, creatorID uuid.UUID, name *string, memberIDs []uuid.UUID) (*DMChannel, error)

	GetByID(ctx context.Context, id uuid.UUID) (*DMChannel, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]DMChannel, error)
	IsMember(ctx context.Context, dmChannelID, userID uuid.UUID) (bool, error)
}
