package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/onesub/backend/internal/config"
	"github.com/onesub/backend/internal/model"
	"github.com/onesub/backend/internal/service"
)

// Pinger reports database reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	cfg          *config.Config
	db           Pinger
	ledgerSvc    *service.LedgerService
	checkoutSvc  *service.CheckoutService
	subSvc       *service.SubscriptionService
	reconcileSvc *service.ReconcileService
	entitleSvc   *service.EntitlementService
	credSvc      *service.CredentialService
}

func New(
	cfg *config.Config,
	db Pinger,
	ledgerSvc *service.LedgerService,
	checkoutSvc *service.CheckoutService,
	subSvc *service.SubscriptionService,
	reconcileSvc *service.ReconcileService,
	entitleSvc *service.EntitlementService,
	credSvc *service.CredentialService,
) *Handler {
	return &Handler{
		cfg:          cfg,
		db:           db,
		ledgerSvc:    ledgerSvc,
		checkoutSvc:  checkoutSvc,
		subSvc:       subSvc,
		reconcileSvc: reconcileSvc,
		entitleSvc:   entitleSvc,
		credSvc:      credSvc,
	}
}

func (h *Handler) Health(c *fiber.Ctx) error {
	if err := h.db.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded", "database": "unreachable",
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// fail maps domain errors to HTTP responses without leaking storage details.
func fail(c *fiber.Ctx, err error) error {
	var insufficient *model.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":           "INSUFFICIENT_CREDITS",
			"message":         insufficient.Error(),
			"current_balance": insufficient.Balance,
			"required":        insufficient.Required,
			"shortfall":       insufficient.Shortfall(),
		})
	}

	var invalid *model.ValidationError
	if errors.As(err, &invalid) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": invalid.Error(),
		})
	}

	switch {
	case errors.Is(err, model.ErrInvalidCredential):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "UNAUTHORIZED", "message": "invalid or revoked credential",
		})
	case errors.Is(err, model.ErrNonceUsed):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "LINK_USED", "message": "login link already used or expired",
		})
	case errors.Is(err, model.ErrSignatureInvalid):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "SIGNATURE_INVALID", "message": "signature verification failed",
		})
	case errors.Is(err, model.ErrUserNotFound),
		errors.Is(err, model.ErrToolNotFound),
		errors.Is(err, model.ErrPlanNotFound),
		errors.Is(err, model.ErrCheckoutNotFound),
		errors.Is(err, model.ErrSubscriptionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "NOT_FOUND", "message": err.Error(),
		})
	case model.IsTransient(err):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "TRY_AGAIN", "message": "temporary contention, retry the request",
		})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "INTERNAL", "message": "internal error",
	})
}
