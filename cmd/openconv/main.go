package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/api"
	"github.com/nisarsyed/openconv/internal/attachment"
	"github.com/nisarsyed/openconv/internal/auth"
	"github.com/nisarsyed/openconv/internal/authflow"
	"github.com/nisarsyed/openconv/internal/channel"
	"github.com/nisarsyed/openconv/internal/config"
	"github.com/nisarsyed/openconv/internal/device"
	"github.com/nisarsyed/openconv/internal/disposable"
	"github.com/nisarsyed/openconv/internal/dmchannel"
	"github.com/nisarsyed/openconv/internal/email"
	"github.com/nisarsyed/openconv/internal/fanout"
	"github.com/nisarsyed/openconv/internal/gateway"
	"github.com/nisarsyed/openconv/internal/guild"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/invite"
	"github.com/nisarsyed/openconv/internal/media"
	"github.com/nisarsyed/openconv/internal/member"
	"github.com/nisarsyed/openconv/internal/message"
	"github.com/nisarsyed/openconv/internal/permission"
	"github.com/nisarsyed/openconv/internal/postgres"
	"github.com/nisarsyed/openconv/internal/prekeybundle"
	"github.com/nisarsyed/openconv/internal/presence"
	"github.com/nisarsyed/openconv/internal/ratelimit"
	"github.com/nisarsyed/openconv/internal/replay"
	"github.com/nisarsyed/openconv/internal/role"
	"github.com/nisarsyed/openconv/internal/token"
	"github.com/nisarsyed/openconv/internal/user"
	"github.com/nisarsyed/openconv/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg *config.Config
	db  *pgxpool.Pool
	rdb *redis.Client

	userRepo      user.Repository
	deviceRepo    device.Repository
	bundleRepo    prekeybundle.Repository
	guildRepo     guild.Repository
	channelRepo   channel.Repository
	roleRepo      role.Repository
	memberRepo    *member.PGRepository
	inviteRepo    invite.Repository
	messageRepo   message.Repository
	fileRepo      attachment.Repository
	dmChannelRepo dmchannel.Repository
	storage       media.StorageProvider

	tokens        *token.Service
	flow          *authflow.Service
	permResolver  *permission.Resolver
	permPublisher *permission.Publisher
	ipLimiter     *ratelimit.Limiter
	engine        *fanout.Engine
	presenceCast  *presence.Broadcaster
	wsRegistry    *gateway.Registry
	ticketStore   *gateway.TicketStore
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting OpenConv Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("cors_allow_origins is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Token service over the configured Ed25519 PEM keypair.
	priv, pub, err := token.LoadKeyPair([]byte(cfg.JWTPrivateKeyPEM), []byte(cfg.JWTPublicKeyPEM))
	if err != nil {
		return fmt.Errorf("load token keypair: %w", err)
	}
	tokens := token.New(priv, pub, cfg.JWTIssuer, token.TTLs{
		Access:       cfg.AccessTokenTTL,
		Refresh:      cfg.RefreshTokenTTL,
		Registration: cfg.RegistrationTokenTTL,
		Recovery:     cfg.RecoveryTokenTTL,
	})

	// Background services share one cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	// Permission engine
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb)
	permResolver := permission.NewResolver(permStore, permCache, log.Logger)
	permPublisher := permission.NewPublisher(rdb)
	permSub := permission.NewSubscriber(permCache, rdb)
	go runWithBackoff(subCtx, "permission-cache-subscriber", permSub.Run)

	// Disposable email blocklist, prefetched so the cache is warm before
	// the first registration.
	blocklist := disposable.NewBlocklist(cfg.DisposableEmailBlocklistURL, cfg.DisposableEmailBlocklistEnabled)
	blocklist.Prefetch(ctx)

	// SMTP client for verification and recovery codes.
	var mailer authflow.Mailer
	if cfg.SMTPConfigured() {
		emailClient := email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err := emailClient.Ping(); err != nil {
			log.Warn().Err(err).Msg("SMTP connection test failed. Verification emails may not be delivered.")
		} else {
			log.Info().Str("host", cfg.SMTPHost).Int("port", cfg.SMTPPort).Msg("SMTP connection verified")
		}
		mailer = emailClient
	} else {
		log.Warn().Msg("smtp_host is not configured. Verification codes will not be delivered.")
		mailer = discardMailer{}
	}

	// Storage provider for encrypted file blobs and avatars.
	storage := media.NewLocalStorage(cfg.StorageLocalPath, cfg.ServerURL)
	log.Info().Str("path", cfg.StorageLocalPath).Msg("Local file storage initialised")

	// Repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	deviceRepo := device.NewPGRepository(db)
	bundleRepo := prekeybundle.NewPGRepository(db)
	guildRepo := guild.NewPGRepository(db, log.Logger)
	channelRepo := channel.NewPGRepository(db, log.Logger)
	roleRepo := role.NewPGRepository(db, log.Logger)
	memberRepo := member.NewPGRepository(db, log.Logger)
	inviteRepo := invite.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger)
	fileRepo := attachment.NewPGRepository(db, log.Logger)
	dmChannelRepo := dmchannel.NewPGRepository(db, log.Logger)

	// Avatar thumbnail worker.
	thumbWorker := media.NewThumbnailWorker(rdb, storage, userRepo, log.Logger)
	thumbWorker.EnsureStream(subCtx)
	go runWithBackoff(subCtx, "thumbnail-worker", thumbWorker.Run)

	// Rate limiters: per-IP on the public auth surface, per-key and
	// per-email inside AuthFlow, per-(user, channel) on message sends.
	ipLimiter := ratelimit.New(rdb, "ip", cfg.RateLimitIPRequests, cfg.RateLimitIPWindow)
	keyLimiter := ratelimit.New(rdb, "key", cfg.RateLimitKeyRequests, cfg.RateLimitKeyWindow)
	emailLimiter := ratelimit.New(rdb, "email", cfg.RateLimitEmailRequests, cfg.RateLimitEmailWindow)
	messageLimiter := ratelimit.New(rdb, "user", cfg.RateLimitMessagesPerS, time.Second)

	// AuthFlow
	flow := authflow.New(db, rdb, userRepo, tokens, mailer, blocklist, emailLimiter, keyLimiter, log.Logger)

	// Fan-out engine, replay, presence, gateway.
	replaySvc := replay.New(rdb)
	engine := fanout.New(rdb, permResolver, messageRepo, messageLimiter, replaySvc, log.Logger)
	go engine.RunSweeper(subCtx)

	presenceStore := presence.NewStore(rdb)
	presenceCast := presence.NewBroadcaster(presenceStore, memberRepo, engine.Guilds, engine.Channels)

	wsRegistry := gateway.NewRegistry()
	ticketStore := gateway.NewTicketStore(rdb)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "OpenConv",
		BodyLimit: cfg.BodyLimitBytes(),
		// ErrorHandler catches errors returned by handlers that are not
		// already mapped to structured API responses (e.g. Fiber's
		// built-in 404/405).
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{Error: message})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger, "/api/health"))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	srv := &server{
		cfg: cfg, db: db, rdb: rdb,
		userRepo: userRepo, deviceRepo: deviceRepo, bundleRepo: bundleRepo,
		guildRepo: guildRepo, channelRepo: channelRepo, roleRepo: roleRepo,
		memberRepo: memberRepo, inviteRepo: inviteRepo, messageRepo: messageRepo,
		fileRepo: fileRepo, dmChannelRepo: dmChannelRepo, storage: storage,
		tokens: tokens, flow: flow,
		permResolver: permResolver, permPublisher: permPublisher,
		ipLimiter: ipLimiter, engine: engine, presenceCast: presenceCast,
		wsRegistry: wsRegistry, ticketStore: ticketStore,
	}
	srv.registerRoutes(app)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *server) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.tokens)
	requireMember := member.RequireGuildMember(s.memberRepo)

	health := &api.HealthHandler{DB: s.db, Valkey: s.rdb}
	app.Get("/api/health", health.Health)

	// Auth routes: public, per-IP rate limited.
	authHandler := api.NewAuthHandler(s.flow, log.Logger)
	authGroup := app.Group("/api/auth")
	authGroup.Use(ratelimit.PerIP(s.ipLimiter, "auth", log.Logger))
	authGroup.Post("/register/start", authHandler.RegisterStart)
	authGroup.Post("/register/verify", authHandler.RegisterVerify)
	authGroup.Post("/register/complete", authHandler.RegisterComplete)
	authGroup.Post("/login/challenge", authHandler.LoginChallenge)
	authGroup.Post("/login/verify", authHandler.LoginVerify)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", requireAuth, authHandler.Logout)
	authGroup.Post("/logout-all", requireAuth, authHandler.LogoutAll)
	authGroup.Post("/recover/start", authHandler.RecoveryStart)
	authGroup.Post("/recover/verify", authHandler.RecoveryVerify)
	authGroup.Post("/recover/complete", authHandler.RecoveryComplete)

	// User routes
	userHandler := api.NewUserHandler(s.userRepo, s.deviceRepo, s.bundleRepo, log.Logger)
	fileHandler := api.NewFileHandler(s.fileRepo, s.storage, s.permResolver, s.dmChannelRepo, s.userRepo, s.rdb, int64(s.cfg.MaxUploadSizeMB)<<20, log.Logger)
	userGroup := app.Group("/api/users", requireAuth)
	userGroup.Get("/me", userHandler.GetMe)
	userGroup.Patch("/me", userHandler.UpdateMe)
	userGroup.Put("/me/avatar", fileHandler.UploadAvatar)
	userGroup.Get("/:userID", userHandler.Get)
	userGroup.Get("/:userID/pre-key-bundle", userHandler.GetPreKeyBundle)

	// Guild routes
	guildHandler := api.NewGuildHandler(s.guildRepo, s.permResolver, log.Logger)
	guildGroup := app.Group("/api/guilds", requireAuth)
	guildGroup.Post("/", guildHandler.Create)
	guildGroup.Get("/", guildHandler.List)
	guildGroup.Get("/:guildID", requireMember, guildHandler.Get)
	guildGroup.Patch("/:guildID", requireMember, guildHandler.Update)
	guildGroup.Delete("/:guildID", requireMember, guildHandler.Delete)
	guildGroup.Post("/:guildID/restore", guildHandler.Restore)

	// Channel routes nested under guilds, plus the standalone channel
	// surface.
	channelHandler := api.NewChannelHandler(s.channelRepo, s.permResolver, s.cfg.MaxChannelsPerGuild, log.Logger)
	guildGroup.Get("/:guildID/channels", requireMember, channelHandler.List)
	guildGroup.Post("/:guildID/channels", requireMember,
		permission.RequireGuildPermission(s.permResolver, permissions.ManageChannels),
		channelHandler.Create)

	channelGroup := app.Group("/api/channels", requireAuth)
	channelGroup.Get("/:channelID", channelHandler.Get)
	channelGroup.Patch("/:channelID", channelHandler.Update)
	channelGroup.Delete("/:channelID", channelHandler.Delete)

	// Message routes: history, ciphertext fetch, and the REST send path
	// through the fan-out engine.
	messageHandler := api.NewMessageHandler(s.engine, s.messageRepo, s.dmChannelRepo, s.permResolver, log.Logger)
	channelGroup.Get("/:channelID/messages", messageHandler.ListByChannel)
	channelGroup.Post("/:channelID/messages", messageHandler.Send)
	channelGroup.Get("/:channelID/messages/:messageID", messageHandler.Get)
	channelGroup.Patch("/:channelID/messages/:messageID", messageHandler.Edit)
	channelGroup.Delete("/:channelID/messages/:messageID", messageHandler.Delete)

	// Role routes
	roleHandler := api.NewRoleHandler(s.roleRepo, s.permResolver, s.permPublisher, s.cfg.MaxRolesPerGuild, log.Logger)
	guildGroup.Get("/:guildID/roles", requireMember, roleHandler.List)
	guildGroup.Post("/:guildID/roles", requireMember,
		permission.RequireGuildPermission(s.permResolver, permissions.ManageRoles),
		roleHandler.Create)
	guildGroup.Patch("/:guildID/roles/:roleID", requireMember,
		permission.RequireGuildPermission(s.permResolver, permissions.ManageRoles),
		roleHandler.Update)
	guildGroup.Delete("/:guildID/roles/:roleID", requireMember,
		permission.RequireGuildPermission(s.permResolver, permissions.ManageRoles),
		roleHandler.Delete)

	// Member routes
	memberHandler := api.NewMemberHandler(s.memberRepo, s.roleRepo, s.permResolver, s.permPublisher, s.engine.Guilds, log.Logger)
	guildGroup.Get("/:guildID/members", requireMember, memberHandler.List)
	guildGroup.Delete("/:guildID/members/me", requireMember, memberHandler.Leave)
	guildGroup.Delete("/:guildID/members/:userID", requireMember, memberHandler.Kick)
	guildGroup.Put("/:guildID/members/:userID/roles/:roleID", requireMember, memberHandler.AddRole)
	guildGroup.Delete("/:guildID/members/:userID/roles/:roleID", requireMember, memberHandler.RemoveRole)

	// Invite routes
	inviteHandler := api.NewInviteHandler(s.inviteRepo, s.permResolver, s.engine.Guilds, log.Logger)
	guildGroup.Post("/:guildID/invites", requireMember,
		permission.RequireGuildPermission(s.permResolver, permissions.CreateInvites),
		inviteHandler.Create)
	guildGroup.Get("/:guildID/invites", requireMember,
		permission.RequireGuildPermission(s.permResolver, permissions.ManageInvites),
		inviteHandler.List)
	inviteGroup := app.Group("/api/invites", requireAuth)
	inviteGroup.Get("/:code", inviteHandler.Get)
	inviteGroup.Post("/:code/join", inviteHandler.Redeem)
	inviteGroup.Delete("/:code", inviteHandler.Delete)

	// DM channel routes
	dmHandler := api.NewDMChannelHandler(s.dmChannelRepo, s.userRepo, log.Logger)
	dmGroup := app.Group("/api/dm-channels", requireAuth)
	dmGroup.Post("/", dmHandler.CreateDirect)
	dmGroup.Post("/group", dmHandler.CreateGroup)
	dmGroup.Get("/", dmHandler.List)
	dmGroup.Get("/:dmChannelID", dmHandler.Get)
	dmGroup.Get("/:dmChannelID/messages", messageHandler.ListByDMChannel)
	dmGroup.Post("/:dmChannelID/messages", messageHandler.SendDM)

	// File routes
	fileGroup := app.Group("/api/files", requireAuth)
	fileGroup.Post("/", fileHandler.Upload)
	fileGroup.Get("/:fileID", fileHandler.Get)
	fileGroup.Get("/:fileID/download", fileHandler.Download)

	// Public media serving for avatars only: encrypted channel/DM blobs
	// are never exposed here, they go through the authorized download
	// endpoint.
	app.Get("/media/avatars/*", func(c fiber.Ctx) error {
		key := c.Params("*")
		if key == "" || strings.Contains(key, "..") {
			return fiber.ErrNotFound
		}
		rc, err := s.storage.Get(c.Context(), "avatars/"+key)
		if err != nil {
			return fiber.ErrNotFound
		}
		defer func() { _ = rc.Close() }()

		c.Set("Cache-Control", "public, max-age=31536000, immutable")
		return c.SendStream(rc)
	})

	// WebSocket: mint a ticket over the authenticated REST surface, then
	// redeem it on the upgrade.
	gatewayHandler := api.NewGatewayHandler(s.ticketStore, s.engine, s.memberRepo, s.presenceCast, s.wsRegistry, log.Logger)
	app.Post("/api/ws/ticket", requireAuth, gatewayHandler.MintTicket)
	app.Get("/api/ws", gatewayHandler.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a
	// defined route. Fiber v3 treats app.Use() middleware as route
	// matches, so without this terminal handler the router considers
	// unmatched requests "handled" and returns the default 200 status
	// with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// discardMailer satisfies authflow.Mailer when SMTP is not configured.
// Codes are still generated and stored so the flows remain exercisable in
// development.
type discardMailer struct{}

func (discardMailer) SendVerificationCode(to, code string) error {
	log.Info().Str("email", to).Str("code", code).Msg("SMTP not configured, verification code logged")
	return nil
}

func (discardMailer) SendRecoveryCode(to, code string) error {
	log.Info().Str("email", to).Str("code", code).Msg("SMTP not configured, recovery code logged")
	return nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
