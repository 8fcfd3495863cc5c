package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
	"github.com/onesub/backend/internal/service"
)

type CreateCheckoutRequest struct {
	UserID        string `json:"user_id"`
	Type          string `json:"type"`
	CreditsAmount int64  `json:"credits_amount"`
	PlanID        string `json:"plan_id"`
	PriceCents    int64  `json:"price_cents"`
	Description   string `json:"description"`
}

func (h *Handler) CreateCheckout(c *fiber.Ctx) error {
	var req CreateCheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "malformed request body",
		})
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "user_id must be a valid id",
		})
	}

	params := service.CreateCheckoutParams{
		UserID:        userID,
		Type:          model.CheckoutType(req.Type),
		CreditsAmount: req.CreditsAmount,
		PriceCents:    req.PriceCents,
		Description:   req.Description,
	}
	if req.PlanID != "" {
		planID, err := uuid.Parse(req.PlanID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "VALIDATION_ERROR", "message": "plan_id must be a valid id",
			})
		}
		params.PlanID = &planID
	}

	co, sessionURL, err := h.checkoutSvc.CreateCheckout(c.Context(), params)
	if err != nil {
		return fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"checkout":    co,
		"session_url": sessionURL,
	})
}

func (h *Handler) GetCheckout(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "checkout id must be a valid id",
		})
	}

	co, err := h.checkoutSvc.GetCheckout(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(co)
}

// CancelCheckout abandons a pending checkout. Repeating the call is a no-op;
// cancelling a completed or expired checkout conflicts.
func (h *Handler) CancelCheckout(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "checkout id must be a valid id",
		})
	}

	co, err := h.checkoutSvc.Cancel(c.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrCheckoutNotCancellable) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "CONFLICT", "message": err.Error(),
			})
		}
		return fail(c, err)
	}
	return c.JSON(co)
}

type CancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// RequestSubscriptionCancellation records the cancellation intent; access
// continues until period end.
func (h *Handler) RequestSubscriptionCancellation(c *fiber.Ctx) error {
	var req CancelSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "malformed request body",
		})
	}

	subID, err := uuid.Parse(req.SubscriptionID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "subscription_id must be a valid id",
		})
	}

	if err := h.subSvc.RequestCancellation(c.Context(), subID); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "cancel_at_period_end": true})
}
