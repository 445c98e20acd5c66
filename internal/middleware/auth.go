package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/auth"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/rbac"
	"go.uber.org/zap"
)

const (
	CtxUserID = "user_id"
	CtxRole   = "role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxUserID, claims.UserID)
		c.Locals(CtxRole, claims.Role)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxUserID).(uuid.UUID)
	return id
}

func GetRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxRole).(string)
	return role
}

// RequirePermission rejects callers whose token role lacks perm. Contract
// membership is still checked by the service.
func RequirePermission(perm string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rbac.HasPermission(GetRole(c), perm) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "code": "AUTHORIZATION"})
		}
		return c.Next()
	}
}
