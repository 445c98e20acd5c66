package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/http/dto"
	"github.com/milestone-escrow/backend/internal/middleware"
	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/services"
	"go.uber.org/zap"
)

type ContractHandler struct {
	escrow *services.EscrowService
	log    *zap.Logger
}

func NewContractHandler(escrow *services.EscrowService, log *zap.Logger) *ContractHandler {
	return &ContractHandler{escrow: escrow, log: log}
}

func (h *ContractHandler) CreateContract(c *fiber.Ctx) error {
	var req dto.CreateContractRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	freelancerID, err := uuid.Parse(req.FreelancerID)
	if err != nil {
		return badRequest(c, "invalid freelancer_id")
	}

	in := services.CreateContractInput{
		ClientID:     middleware.GetUserID(c),
		FreelancerID: freelancerID,
		JobID:        req.JobID,
		TotalAmount:  string(req.TotalAmount),
		Unit:         req.Unit,
		FeePayer:     req.FeePayer,
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, services.MilestoneInput{
			ID:          m.ID,
			Title:       m.Title,
			Description: m.Description,
			Amount:      string(m.Amount),
			DueDate:     m.DueDate,
		})
	}

	contract, err := h.escrow.CreateContract(c.Context(), in)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *ContractHandler) ListContracts(c *fiber.Ctx) error {
	limit, offset := 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	limit, offset = models.ContractPage(limit, offset)
	contracts, err := h.escrow.ListContracts(c.Context(), middleware.GetUserID(c), c.Query("state"), limit, offset)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.ListResponse{OK: true, Data: contracts, Limit: limit, Offset: offset})
}

func (h *ContractHandler) GetContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}

	view, err := h.escrow.GetContract(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: view})
}

func (h *ContractHandler) RecordDeposit(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}

	var req dto.DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.TransferID == "" {
		return badRequest(c, "transfer_id is required")
	}

	res, err := h.escrow.RecordDeposit(c.Context(), services.DepositInput{
		ContractID: id,
		CallerID:   middleware.GetUserID(c),
		TransferID: req.TransferID,
		Amount:     string(req.Amount),
		Unit:       req.Unit,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}

	status := fiber.StatusCreated
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *ContractHandler) GetDeposits(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}

	deposits, err := h.escrow.GetDeposits(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deposits})
}

func (h *ContractHandler) SubmitMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}

	var req dto.SubmitMilestoneRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
	}

	m, err := h.escrow.SubmitMilestone(c.Context(), id, c.Params("milestoneId"), middleware.GetUserID(c), req.Note)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: m})
}

func (h *ContractHandler) ApproveMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}

	var req dto.ApproveMilestoneRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
	}

	res, err := h.escrow.ApproveMilestone(c.Context(), id, c.Params("milestoneId"), middleware.GetUserID(c), req.TransferID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if res.Pending {
		return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true, Data: res})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *ContractHandler) CancelContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}

	var req dto.CancelContractRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
	}

	contract, err := h.escrow.CancelContract(c.Context(), id, middleware.GetUserID(c), req.Reason)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *ContractHandler) GetContractEvents(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}

	limit, offset := models.AuditPage(c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	logs, err := h.escrow.GetContractEvents(c.Context(), id, middleware.GetUserID(c), limit, offset)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.ListResponse{OK: true, Data: logs, Limit: limit, Offset: offset})
}
