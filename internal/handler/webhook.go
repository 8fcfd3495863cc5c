package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/onesub/backend/internal/model"
)

// PaymentWebhook ingests signed payment events. Once the signature checks out
// the delivery is always acknowledged with 2xx — handler failures are retried
// internally, never surfaced to the sender, which would only trigger
// redelivery storms. A bad signature is the one 4xx.
func (h *Handler) PaymentWebhook(c *fiber.Ctx) error {
	body := c.Body()
	sig := c.Get("X-1Sub-Signature")

	err := h.reconcileSvc.ProcessInbound(c.Context(), body, sig)
	if err != nil {
		if errors.Is(err, model.ErrSignatureInvalid) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "SIGNATURE_INVALID",
			})
		}
		var invalid *model.ValidationError
		if errors.As(err, &invalid) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "VALIDATION_ERROR", "message": invalid.Error(),
			})
		}
		// Storage faults while recording the event: the sender should retry.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "INTERNAL",
		})
	}

	return c.JSON(fiber.Map{"received": true})
}
