package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type VerifyRequest struct {
	UserID       string `json:"user_id"`
	EmailSHA256  string `json:"email_sha256"`
	ToolID       string `json:"tool_id"`
	FreshCredits bool   `json:"fresh_credits"`
}

// VerifyEntitlements answers "can this user use this tool right now" from the
// cache, together with the instant until which the answer may be trusted. The
// user is identified by platform id or by a SHA-256 digest of their email, for
// tools that never learn the platform id.
func (h *Handler) VerifyEntitlements(c *fiber.Ctx) error {
	var req VerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "malformed request body",
		})
	}

	var userID uuid.UUID
	switch {
	case req.UserID != "":
		var err error
		userID, err = uuid.Parse(req.UserID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "VALIDATION_ERROR", "message": "user_id must be a valid id",
			})
		}
	case req.EmailSHA256 != "":
		var err error
		userID, err = h.entitleSvc.ResolveUserByEmailHash(c.Context(), req.EmailSHA256)
		if err != nil {
			return fail(c, err)
		}
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "user_id or email_sha256 must be provided",
		})
	}

	toolID, err := uuid.Parse(req.ToolID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "VALIDATION_ERROR", "message": "tool_id must be a valid id",
		})
	}

	ent, err := h.entitleSvc.GetEntitlements(c.Context(), userID, toolID, req.FreshCredits)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(ent)
}
