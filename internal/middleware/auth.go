package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/onesub/backend/internal/service"
)

const (
	ToolIDKey     = "tool_id"
	AuthUserIDKey = "auth_user_id"
)

// ToolAuth authenticates vendor requests with either an API key or a bearer
// access token. API keys are recognized by their sk-tool- prefix; anything
// else is treated as an opaque access token.
func ToolAuth(creds *service.CredentialService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			token = c.Get("X-API-Key")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "UNAUTHORIZED", "message": "missing credential",
			})
		}

		if strings.HasPrefix(token, "sk-tool-") {
			toolID, err := creds.VerifyAPIKey(c.Context(), token)
			if err != nil {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "UNAUTHORIZED", "message": "invalid api key",
				})
			}
			c.Locals(ToolIDKey, toolID)
			return c.Next()
		}

		pair, err := creds.VerifyAccessToken(c.Context(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "UNAUTHORIZED", "message": "invalid or expired token",
			})
		}
		c.Locals(ToolIDKey, pair.ToolID)
		c.Locals(AuthUserIDKey, pair.UserID)
		return c.Next()
	}
}

// CronAuth guards the /internal endpoints with a shared secret.
func CronAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		candidate := c.Get("X-Cron-Secret")
		if candidate == "" {
			candidate = bearerToken(c)
		}
		if secret == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "UNAUTHORIZED", "message": "invalid cron secret",
			})
		}
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func GetToolID(c *fiber.Ctx) uuid.UUID {
	if id, ok := c.Locals(ToolIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

func GetAuthUserID(c *fiber.Ctx) uuid.UUID {
	if id, ok := c.Locals(AuthUserIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
