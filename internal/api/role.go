package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/apierr"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/permission"
	"github.com/nisarsyed/openconv/internal/role"
)

// RoleHandler serves guild role CRUD endpoints, enforcing the hierarchy
// and privilege-escalation rules on every mutation.
type RoleHandler struct {
	roles       role.Repository
	resolver    *permission.Resolver
	invalidator *permission.Publisher
	maxRoles    int
	log         zerolog.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(roles role.Repository, resolver *permission.Resolver, invalidator *permission.Publisher, maxRoles int, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, resolver: resolver, invalidator: invalidator, maxRoles: maxRoles, log: logger}
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Permissions int64  `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Position    *int    `json:"position"`
	Permissions *int64  `json:"permissions"`
}

func roleResponse(r *role.Role) fiber.Map {
	return fiber.Map{
		"id":          r.ID,
		"guild_id":    r.GuildID,
		"name":        r.Name,
		"permissions": int64(r.Permissions),
		"position":    r.Position,
		"role_type":   r.RoleType,
		"created_at":  r.CreatedAt.Format(time.RFC3339),
	}
}

// List handles GET /api/guilds/:guildID/roles. Routed behind the
// membership middleware.
func (h *RoleHandler) List(c fiber.Ctx) error {
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	roles, err := h.roles.ListByGuild(c.Context(), guildID)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	out := make([]fiber.Map, 0, len(roles))
	for i := range roles {
		out = append(out, roleResponse(&roles[i]))
	}
	return httputil.Success(c, out)
}

// Create handles POST /api/guilds/:guildID/roles. Routed behind a
// ManageRoles permission check; the escalation guard is enforced here.
func (h *RoleHandler) Create(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	var body createRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	name, err := role.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	requested := role.Truncate(body.Permissions)

	if apiErr := h.requireCanGrant(c, userID, guildID, requested); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	created, err := h.roles.Create(c.Context(), guildID, role.CreateParams{
		Name:        name,
		Permissions: requested,
	}, h.maxRoles)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	h.invalidateGuild(c, guildID)
	return httputil.SuccessStatus(c, fiber.StatusCreated, roleResponse(created))
}

// Update handles PATCH /api/guilds/:guildID/roles/:roleID. The actor must
// outrank the role and may only grant bits they hold.
func (h *RoleHandler) Update(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}
	roleID, err := parseUUIDParam(c, "roleID")
	if err != nil {
		return mapAPIError(c, err)
	}

	target, err := h.roles.GetByID(c.Context(), guildID, roleID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if apiErr := h.requireOutranks(c, userID, guildID, target.Position); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	var body updateRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := role.ValidateName(body.Name); err != nil {
		return h.mapRoleError(c, err)
	}

	params := role.UpdateParams{Name: body.Name, Position: body.Position}
	if body.Permissions != nil {
		requested := role.Truncate(*body.Permissions)
		if apiErr := h.requireCanGrant(c, userID, guildID, requested); apiErr != nil {
			return httputil.FailErr(c, apiErr)
		}
		params.Permissions = &requested
	}

	updated, err := h.roles.Update(c.Context(), guildID, roleID, params)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	h.invalidateGuild(c, guildID)
	return httputil.Success(c, roleResponse(updated))
}

// Delete handles DELETE /api/guilds/:guildID/roles/:roleID. The actor
// must outrank the role.
func (h *RoleHandler) Delete(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}
	roleID, err := parseUUIDParam(c, "roleID")
	if err != nil {
		return mapAPIError(c, err)
	}

	target, err := h.roles.GetByID(c.Context(), guildID, roleID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if apiErr := h.requireOutranks(c, userID, guildID, target.Position); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	if err := h.roles.Delete(c.Context(), guildID, roleID); err != nil {
		return h.mapRoleError(c, err)
	}

	h.invalidateGuild(c, guildID)
	return httputil.Success(c, fiber.Map{"message": "Role deleted"})
}

// requireOutranks enforces the hierarchy rule: the actor's highest role
// position must be strictly greater than the target's. The guild owner
// bypasses the check.
func (h *RoleHandler) requireOutranks(c fiber.Ctx, userID, guildID uuid.UUID, targetPosition int) *apierr.Error {
	position, isOwner, err := h.resolver.HighestPosition(c.Context(), guildID, userID)
	if err != nil {
		return apierr.Internal(err)
	}
	if isOwner {
		return nil
	}
	if position <= targetPosition {
		return apierr.New(apierr.CodeForbidden, "You cannot act on a role at or above your own")
	}
	return nil
}

// requireCanGrant enforces the privilege-escalation rule: the actor cannot
// grant a permission bit they do not hold. The guild owner bypasses the
// check.
func (h *RoleHandler) requireCanGrant(c fiber.Ctx, userID, guildID uuid.UUID, requested permissions.Permission) *apierr.Error {
	_, isOwner, err := h.resolver.HighestPosition(c.Context(), guildID, userID)
	if err != nil {
		return apierr.Internal(err)
	}
	if isOwner {
		return nil
	}

	actorPerms, err := h.resolver.Resolve(c.Context(), userID, guildID)
	if err != nil {
		return apierr.Internal(err)
	}
	if !permission.CanGrantPermissions(actorPerms, requested) {
		return apierr.New(apierr.CodeForbidden, "You cannot grant permissions you do not hold")
	}
	return nil
}

// invalidateGuild drops cached permission entries for the guild after a
// role mutation. Best-effort: a failed invalidation only delays the
// change by the cache TTL.
func (h *RoleHandler) invalidateGuild(c fiber.Ctx, guildID uuid.UUID) {
	if h.invalidator == nil {
		return
	}
	if err := h.invalidator.InvalidateGuild(c.Context(), guildID); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Permission cache invalidation failed")
	}
}

// mapRoleError converts role-layer errors to appropriate HTTP responses.
func (h *RoleHandler) mapRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "Role not found")
	case errors.Is(err, role.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, role.ErrBuiltinImmutable):
		return httputil.Fail(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, role.ErrNameLength),
		errors.Is(err, role.ErrInvalidPosition),
		errors.Is(err, role.ErrMaxRolesReached):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("unhandled role service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
