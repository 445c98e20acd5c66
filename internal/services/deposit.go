package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/chain"
	"github.com/milestone-escrow/backend/internal/events"
	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

type DepositInput struct {
	ContractID uuid.UUID
	CallerID   uuid.UUID
	TransferID string
	Amount     string
	Unit       string
}

type DepositResult struct {
	Status     string          `json:"status"` // payment status
	Reference  string          `json:"reference,omitempty"`
	TransferID string          `json:"transfer_id"`
	Duplicate  bool            `json:"duplicate"`
	Payment    *models.Payment `json:"payment"`
	State      string          `json:"contract_state"`
	Funding    string          `json:"funding"`
}

// RecordDeposit registers a client's deposit transfer. A transfer id is
// accepted once: repeating it for the same contract replays the stored
// outcome, using it for another contract is a conflict. A transfer the indexer
// has not seen yet funds the contract provisionally.
func (s *EscrowService) RecordDeposit(ctx context.Context, in DepositInput) (*DepositResult, error) {
	in.TransferID = strings.TrimSpace(in.TransferID)
	if in.TransferID == "" {
		return nil, validationError("transfer_id is required")
	}

	c, err := s.contracts.GetContract(ctx, in.ContractID)
	if err != nil {
		return nil, classify(err)
	}
	if in.CallerID != c.ClientID {
		return nil, newError(KindAuthorization, models.ErrNotParty, "only the contract's client can deposit")
	}

	if res, ok, err := s.replayDeposit(ctx, c, in.TransferID); ok {
		return res, err
	}
	if c.IsTerminal() {
		s.metrics.IncDeposit("rejected")
		return nil, conflictError("contract is %s, deposits are not accepted", c.State)
	}

	norm, err := s.normalizer.Normalize(in.Amount, in.Unit)
	if err != nil {
		return nil, classify(err)
	}

	res := s.verifier.VerifyDeposit(ctx, in.TransferID, c.EscrowAddress, norm.Minor, c.Datum.Nonce)
	if res.Status != chain.StatusConfirmed && res.Status != chain.StatusPending {
		s.metrics.IncDeposit(strings.ToLower(string(res.Status)))
		s.log.Warn("deposit not accepted",
			zap.String("contract_id", c.ID.String()),
			zap.String("transfer_id", in.TransferID),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Reason),
		)
		return nil, verificationError("deposit", res)
	}

	p := &models.Payment{
		TransferID:   in.TransferID,
		ContractID:   c.ID,
		Kind:         models.PaymentKindDeposit,
		Amount:       norm.Minor,
		Status:       models.PaymentStatusPending,
		ToAddress:    optString(c.EscrowAddress),
		ExplorerLink: optString(res.ExplorerLink),
	}
	if res.IsConfirmed() {
		p.Status = models.PaymentStatusConfirmed
		p.Amount = res.Amount
	}
	fillBlock(p, res)

	updated, prev, err := s.mutate(ctx, c.ID, "record_deposit",
		func(c *models.Contract) (bool, error) {
			return c.ApplyDeposit(res.IsConfirmed(), s.now())
		},
		func(c *models.Contract, expected int64) error {
			return s.payments.RecordPayment(ctx, p, c, expected)
		},
	)
	if errors.Is(err, repositories.ErrDuplicateTransfer) {
		// lost a race against the same transfer
		if res, ok, err := s.replayDeposit(ctx, c, in.TransferID); ok {
			return res, err
		}
		return nil, conflictError("transfer %s is already recorded", in.TransferID)
	}
	if err != nil {
		s.metrics.IncDeposit("rejected")
		return nil, classify(err)
	}

	s.writeAudit(ctx, &in.CallerID, "deposit_recorded", updated, map[string]any{
		"transfer_id":   p.TransferID,
		"amount":        p.Amount,
		"status":        p.Status,
		"unit":          norm.Unit,
		"explorer_link": res.ExplorerLink,
	})
	s.publish(ctx, events.EventDepositRecorded, updated, map[string]any{
		"transfer_id": p.TransferID,
		"amount":      p.Amount,
		"status":      p.Status,
		"funding":     updated.Funding,
	})
	s.recordTransition(ctx, updated, prev, &in.CallerID)
	s.metrics.IncDeposit(strings.ToLower(p.Status))

	s.log.Info("deposit recorded",
		zap.String("contract_id", updated.ID.String()),
		zap.String("transfer_id", p.TransferID),
		zap.String("status", p.Status),
		zap.Int64("amount", p.Amount),
		zap.String("funding", updated.Funding),
	)

	return &DepositResult{
		Status:     p.Status,
		Reference:  res.ExplorerLink,
		TransferID: p.TransferID,
		Payment:    p,
		State:      updated.State,
		Funding:    updated.Funding,
	}, nil
}

// replayDeposit reports ok when transferID is already in the ledger and
// returns the outcome a repeated call gets, without side effects.
func (s *EscrowService) replayDeposit(ctx context.Context, c *models.Contract, transferID string) (*DepositResult, bool, error) {
	existing, err := s.payments.GetPaymentByTransferID(ctx, transferID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, internalError(err, "failed to look up transfer")
	}
	if existing.ContractID != c.ID || existing.Kind != models.PaymentKindDeposit {
		s.metrics.IncDeposit("conflict")
		return nil, true, conflictError("transfer %s is already recorded for another payment", transferID)
	}
	s.metrics.IncDeposit("duplicate")
	if existing.Status == models.PaymentStatusFailed {
		reason := ""
		if existing.FailureReason != nil {
			reason = *existing.FailureReason
		}
		return nil, true, &Error{
			Kind:    KindVerificationFailed,
			Message: "deposit transfer was rejected: " + reason,
			Detail:  existing,
		}
	}

	current, err := s.contracts.GetContract(ctx, c.ID)
	if err != nil {
		current = c
	}
	reference := ""
	if existing.ExplorerLink != nil {
		reference = *existing.ExplorerLink
	}
	return &DepositResult{
		Status:     existing.Status,
		Reference:  reference,
		TransferID: existing.TransferID,
		Duplicate:  true,
		Payment:    existing,
		State:      current.State,
		Funding:    current.Funding,
	}, true, nil
}
