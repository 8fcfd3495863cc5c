package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/onesub/backend/internal/middleware"
)

type MagicLinkRequest struct {
	UserID string `json:"user_id"`
	ToolID string `json:"tool_id"`
}

// IssueMagicLink returns a signed single-use login URL for the tool.
func (h *Handler) IssueMagicLink(c *fiber.Ctx) error {
	var req MagicLinkRequest
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
	toolID, err := uuid.Parse(req.ToolID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "tool_id must be a valid id",
		})
	}

	url, expiresAt, err := h.credSvc.IssueMagicLink(c.Context(), userID, toolID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"magic_login_url": url,
		"expires_at":      expiresAt,
	})
}

// ValidateMagicLink consumes a login link and exchanges it for a token pair.
func (h *Handler) ValidateMagicLink(c *fiber.Ctx) error {
	toolID, err := uuid.Parse(c.Query("tool"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "tool must be a valid id",
		})
	}

	userID, err := h.credSvc.ValidateMagicLink(c.Context(), toolID,
		c.Query("user"), c.Query("ts"), c.Query("nonce"), c.Query("sig"))
	if err != nil {
		return fail(c, err)
	}

	tokens, err := h.credSvc.IssueTokens(c.Context(), userID, toolID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(tokens)
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) RefreshTokens(c *fiber.Ctx) error {
	var req RefreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "refresh_token must be provided",
		})
	}

	tokens, err := h.credSvc.Refresh(c.Context(), req.RefreshToken)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(tokens)
}

type RevokeRequest struct {
	AccessToken string `json:"access_token"`
}

func (h *Handler) RevokeTokens(c *fiber.Ctx) error {
	var req RevokeRequest
	if err := c.BodyParser(&req); err != nil || req.AccessToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "access_token must be provided",
		})
	}

	if err := h.credSvc.Revoke(c.Context(), req.AccessToken); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"revoked": true})
}

// RotateAPIKey mints a new key for the authenticated tool; the old key stops
// working immediately.
func (h *Handler) RotateAPIKey(c *fiber.Ctx) error {
	toolID := middleware.GetToolID(c)
	if toolID == uuid.Nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "UNAUTHORIZED", "message": "tool credential required",
		})
	}

	key, err := h.credSvc.GenerateAPIKey(c.Context(), toolID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"api_key": key})
}
