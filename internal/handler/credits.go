package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/onesub/backend/internal/middleware"
	"github.com/onesub/backend/internal/service"
)

type ConsumeRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ConsumeCredits debits a user's balance on behalf of the calling tool.
func (h *Handler) ConsumeCredits(c *fiber.Ctx) error {
	var req ConsumeRequest
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
	if req.IdempotencyKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "idempotency_key must be provided",
		})
	}

	toolID := middleware.GetToolID(c)
	result, err := h.ledgerSvc.SubtractCredits(c.Context(), service.LedgerParams{
		UserID:         userID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: &req.IdempotencyKey,
		ToolID:         &toolID,
		Actor:          "tool:" + toolID.String(),
	})
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"new_balance":    result.NewBalance,
		"transaction_id": result.TransactionID,
		"is_duplicate":   result.Duplicate,
	})
}

type GrantRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// GrantCredits lets a tool fund promotional credits for a user.
func (h *Handler) GrantCredits(c *fiber.Ctx) error {
	var req GrantRequest
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

	toolID := middleware.GetToolID(c)
	var key *string
	if req.IdempotencyKey != "" {
		key = &req.IdempotencyKey
	}
	result, err := h.ledgerSvc.AddCredits(c.Context(), service.LedgerParams{
		UserID:         userID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
		ToolID:         &toolID,
		Actor:          "tool:" + toolID.String(),
	})
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"new_balance":    result.NewBalance,
		"transaction_id": result.TransactionID,
		"is_duplicate":   result.Duplicate,
	})
}

func (h *Handler) GetBalance(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "user_id must be a valid id",
		})
	}

	balance, err := h.ledgerSvc.GetBalance(c.Context(), userID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "balance": balance})
}

func (h *Handler) GetTransactions(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "user_id must be a valid id",
		})
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	transactions, err := h.ledgerSvc.GetTransactions(c.Context(), userID, limit, offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"transactions": transactions})
}
