package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/http/dto"
	"github.com/milestone-escrow/backend/internal/middleware"
	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

type userGetter interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type UserHandler struct {
	users userGetter
	log   *zap.Logger
}

func NewUserHandler(users userGetter, log *zap.Logger) *UserHandler {
	return &UserHandler{users: users, log: log}
}

// GetMe returns the caller's party record, including the payout address
// contracts will snapshot.
func (h *UserHandler) GetMe(c *fiber.Ctx) error {
	user, err := h.users.GetUser(c.Context(), middleware.GetUserID(c))
	if errors.Is(err, repositories.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "user not found", RequestID: middleware.GetRequestID(c)})
	}
	if err != nil {
		h.log.Error("failed to load user", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error", RequestID: middleware.GetRequestID(c)})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: user})
}
