package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type ReconcileRequest struct {
	BatchSize int `json:"batch_size"`
}

// TriggerReconcile runs one sweep pass on demand and reports per-stage counts.
// Safe to call while the background sweeper is running.
func (h *Handler) TriggerReconcile(c *fiber.Ctx) error {
	var req ReconcileRequest
	_ = c.BodyParser(&req)

	report, err := h.reconcileSvc.Sweep(c.Context(), req.BatchSize)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(report)
}

// ValidateUserBalance is the operator-facing consistency check: it replays the
// transaction log against the materialized balance.
func (h *Handler) ValidateUserBalance(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "user_id must be a valid id",
		})
	}

	if err := h.ledgerSvc.ValidateBalance(c.Context(), userID); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"consistent": false, "message": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"consistent": true})
}
