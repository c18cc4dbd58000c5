package permission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"
)

// Resolver computes effective permissions for a user in a guild (or, by
// lookup through the channel's parent guild, in a channel). The
// teacher's channel/category-override algorithm is replaced by the
// simpler guild-role-union model: a user's effective permission bitmask
// is the union of the permission bitfields of every role they hold in the
// guild (always including @everyone), with the guild owner bypassing the
// computation entirely. There are no per-channel or per-category
// overrides in this model.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger}
}

// Resolve returns the effective permissions for a user in a guild, using the cache when available.
func (r *Resolver) Resolve(ctx context.Context, userID, guildID uuid.UUID) (permissions.Permission, error) {
	perm, ok, err := r.cache.Get(ctx, userID, guildID)
	if err != nil {
		r.log.Warn().Err(err).Msg("Permission cache get failed, falling through to compute")
	}
	if ok {
		return perm, nil
	}

	perm, err = r.compute(ctx, userID, guildID)
	if err != nil {
		return 0, err
	}

	if cacheErr := r.cache.Set(ctx, userID, guildID, perm); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("Permission cache set failed")
	}

	return perm, nil
}

// ResolveChannel resolves effective permissions for a user in the guild
// that owns channelID.
func (r *Resolver) ResolveChannel(ctx context.Context, userID, channelID uuid.UUID) (permissions.Permission, error) {
	guildID, err := r.store.ChannelGuild(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("resolve channel guild: %w", err)
	}
	return r.Resolve(ctx, userID, guildID)
}

// ChannelGuild returns the guild ID that owns channelID, for callers that
// need the guild ID itself rather than a permission check against it.
func (r *Resolver) ChannelGuild(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error) {
	guildID, err := r.store.ChannelGuild(ctx, channelID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve channel guild: %w", err)
	}
	return guildID, nil
}

// HasPermission checks whether a user has a specific permission in a guild.
func (r *Resolver) HasPermission(ctx context.Context, userID, guildID uuid.UUID, perm permissions.Permission) (bool, error) {
	effective, err := r.Resolve(ctx, userID, guildID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// HasChannelPermission checks whether a user has a specific permission in
// the guild that owns a channel.
func (r *Resolver) HasChannelPermission(ctx context.Context, userID, channelID uuid.UUID, perm permissions.Permission) (bool, error) {
	effective, err := r.ResolveChannel(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// HighestPosition returns the highest role position userID holds in
// guildID, and whether userID owns the guild. Hierarchy-sensitive
// mutations (assigning a role, kicking a member, etc.) compare against
// this: an actor may only act on a target whose highest role position is
// strictly lower than the actor's, unless the actor owns the guild.
func (r *Resolver) HighestPosition(ctx context.Context, guildID, userID uuid.UUID) (position int, isOwner bool, err error) {
	isOwner, err = r.store.IsOwner(ctx, guildID, userID)
	if err != nil {
		return 0, false, fmt.Errorf("check owner: %w", err)
	}
	if isOwner {
		return 0, true, nil
	}

	entries, err := r.store.RolePermissions(ctx, guildID, userID)
	if err != nil {
		return 0, false, fmt.Errorf("get role permissions: %w", err)
	}

	highest := 0
	for _, e := range entries {
		if e.Position > highest {
			highest = e.Position
		}
	}
	return highest, false, nil
}

// CanGrantPermissions reports whether an actor holding actorPerms may
// create or modify a role carrying requested, guarding against privilege
// escalation: an actor can only grant bits they themselves hold, unless
// they hold ManageServer (this model's administrator bit, which already
// implies every permission via compute's shortcut).
func CanGrantPermissions(actorPerms, requested permissions.Permission) bool {
	if actorPerms.Has(permissions.ManageServer) {
		return true
	}
	return requested&^actorPerms == 0
}

// compute runs the guild-role-union algorithm: owner bypass, then the
// union of every role the user holds (including @everyone).
func (r *Resolver) compute(ctx context.Context, userID, guildID uuid.UUID) (permissions.Permission, error) {
	isOwner, err := r.store.IsOwner(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("check owner: %w", err)
	}
	if isOwner {
		return permissions.AllPermissions, nil
	}

	roleEntries, err := r.store.RolePermissions(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("get role permissions: %w", err)
	}

	var base permissions.Permission
	for _, entry := range roleEntries {
		base = base.Add(entry.Permissions)
	}

	if base.Has(permissions.ManageServer) {
		return permissions.AllPermissions, nil
	}

	return base, nil
}
