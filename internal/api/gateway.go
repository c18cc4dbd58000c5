package api

import (
	"context"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/fanout"
	"github.com/nisarsyed/openconv/internal/gateway"
)

// GatewayHandler mints one-time WebSocket tickets and serves the WebSocket
// upgrade endpoint itself, looking the ticket back up to identify the
// connecting (user, device) before handing the connection to a
// gateway.Connection.
type GatewayHandler struct {
	tickets  *gateway.TicketStore
	engine   *fanout.Engine
	guilds   gateway.GuildMembershipLister
	presence gateway.PresenceBroadcaster
	registry *gateway.Registry
	log      zerolog.Logger
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(tickets *gateway.TicketStore, engine *fanout.Engine, guilds gateway.GuildMembershipLister, presence gateway.PresenceBroadcaster, registry *gateway.Registry, logger zerolog.Logger) *GatewayHandler {
	return &GatewayHandler{
		tickets:  tickets,
		engine:   engine,
		guilds:   guilds,
		presence: presence,
		registry: registry,
		log:      logger,
	}
}

// MintTicket handles POST /api/ws/ticket. The caller must already be
// authenticated (via the standard bearer-token middleware); the minted
// ticket is a short-lived, one-time credential that authenticates the
// subsequent WebSocket upgrade without putting the access token itself in
// a URL.
func (h *GatewayHandler) MintTicket(c fiber.Ctx) error {
	userID, deviceID, err := actorFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	ticket, err := h.tickets.Mint(c.RequestCtx(), userID, deviceID)
	if err != nil {
		return mapAPIError(c, err)
	}
	return c.JSON(fiber.Map{"ticket": ticket})
}

// Upgrade handles GET /api/ws?ticket=.... It redeems the ticket, upgrades
// the HTTP connection to a WebSocket, and runs the connection's full
// lifecycle until it closes.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	userID, deviceID, err := h.tickets.Consume(c.RequestCtx(), c.Query("ticket"))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired ws ticket")
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn, userID, deviceID)
	})(c)
}

func (h *GatewayHandler) serve(conn *websocket.Conn, userID, deviceID uuid.UUID) {
	wsConn := gateway.NewConnection(conn.Conn, userID, deviceID, h.engine, h.guilds, h.presence, h.registry, h.log)
	wsConn.Run(context.Background())
}
