package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/milestone-escrow/backend/internal/http/dto"
	"github.com/milestone-escrow/backend/internal/middleware"
	"github.com/milestone-escrow/backend/internal/services"
	"go.uber.org/zap"
)

// retryAfterSeconds is sent with 503 when the chain indexer is unavailable.
const retryAfterSeconds = 30

var kindStatus = map[services.ErrorKind]int{
	services.KindValidation:              fiber.StatusBadRequest,
	services.KindAuthorization:           fiber.StatusForbidden,
	services.KindNotFound:                fiber.StatusNotFound,
	services.KindConflict:                fiber.StatusConflict,
	services.KindVerificationFailed:      fiber.StatusUnprocessableEntity,
	services.KindVerificationUnavailable: fiber.StatusServiceUnavailable,
	services.KindInternal:                fiber.StatusInternalServerError,
}

// writeError renders a service error with the status of its kind.
func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	kind := services.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = fiber.StatusInternalServerError
	}

	resp := dto.ErrorResponse{
		Error:     err.Error(),
		Code:      string(kind),
		RequestID: middleware.GetRequestID(c),
	}
	var e *services.Error
	if errors.As(err, &e) {
		resp.Error = e.Message
		resp.Detail = e.Detail
	}

	switch kind {
	case services.KindInternal:
		log.Error("request failed",
			zap.String("request_id", resp.RequestID),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		resp.Error = "internal error"
		resp.Detail = nil
	case services.KindVerificationUnavailable:
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds))
	}

	return c.Status(status).JSON(resp)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      string(services.KindValidation),
		RequestID: middleware.GetRequestID(c),
	})
}
