package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/onesub/backend/internal/config"
	"github.com/onesub/backend/internal/handler"
	"github.com/onesub/backend/internal/middleware"
	"github.com/onesub/backend/internal/provider"
	"github.com/onesub/backend/internal/repository"
	"github.com/onesub/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "onesub").Logger()
	if cfg.Server.Environment == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	repo, err := repository.New(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	providerClient := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)

	ledgerSvc := service.NewLedgerService(repo, log)
	subSvc := service.NewSubscriptionService(repo, ledgerSvc, cfg.Reconcile.PastDueGrace, log)
	checkoutSvc := service.NewCheckoutService(repo, providerClient, ledgerSvc, subSvc, log)
	reconcileSvc := service.NewReconcileService(repo, checkoutSvc, subSvc, providerClient, cfg.Webhook, cfg.Reconcile, log)
	entitleSvc := service.NewEntitlementService(repo, cfg.Entitlement, log)
	credSvc := service.NewCredentialService(repo, cfg.Credential, log)

	// Subscription mutations must drop cached entitlements before returning.
	subSvc.SetInvalidator(entitleSvc)

	h := handler.New(cfg, repo, ledgerSvc, checkoutSvc, subSvc, reconcileSvc, entitleSvc, credSvc)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key, X-1Sub-Signature",
	}))

	app.Get("/health", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Inbound payment events: signature-authenticated, no credential required.
	app.Post("/webhook/payments", h.PaymentWebhook)

	// Magic-login validation is reached from the signed URL itself.
	app.Get("/auth/magic/validate", h.ValidateMagicLink)

	api := app.Group("/api/v1", middleware.ToolAuth(credSvc))

	consumeLimiter := limiter.New(limiter.Config{
		Max:        cfg.Server.ConsumeRateLimit,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return middleware.GetToolID(c).String()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "RATE_LIMIT_EXCEEDED", "retry_after": 60,
			})
		},
	})

	api.Post("/credits/consume", consumeLimiter, h.ConsumeCredits)
	api.Post("/credits/grant", h.GrantCredits)
	api.Get("/credits/balance", h.GetBalance)
	api.Get("/credits/transactions", h.GetTransactions)

	api.Post("/tools/subscriptions/verify", h.VerifyEntitlements)
	api.Post("/tools/keys/rotate", h.RotateAPIKey)

	api.Post("/checkouts", h.CreateCheckout)
	api.Get("/checkouts/:id", h.GetCheckout)
	api.Post("/checkouts/:id/cancel", h.CancelCheckout)
	api.Post("/subscriptions/cancel", h.RequestSubscriptionCancellation)

	api.Post("/links/magic", h.IssueMagicLink)
	api.Post("/auth/refresh", h.RefreshTokens)
	api.Post("/auth/revoke", h.RevokeTokens)

	internal := app.Group("/internal", middleware.CronAuth(cfg.Server.CronSecret))
	internal.Post("/cron/reconcile", h.TriggerReconcile)
	internal.Get("/ledger/validate", h.ValidateUserBalance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := service.NewSweeper(reconcileSvc, cfg.Reconcile.SweepInterval, log)
	go sweeper.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		cancel()
		_ = app.Shutdown()
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("server starting")
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
