package services

import (
	"context"
	"errors"
	"strings"

	"github.com/milestone-escrow/backend/internal/chain"
	"github.com/milestone-escrow/backend/internal/events"
	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

const (
	ReasonExpiredUnindexed = "expired_unindexed"
	ReasonFundingTimeout   = "funding_timeout"
)

type ReconcileStats struct {
	Checked     int `json:"checked"`
	Confirmed   int `json:"confirmed"`
	Failed      int `json:"failed"`
	Pending     int `json:"pending"`
	Unavailable int `json:"unavailable"`
}

// ReconcilePayments re-verifies PENDING deposits. Confirmation upgrades a
// provisionally funded contract; rejection marks the payment FAILED and leaves
// the contract state alone.
func (s *EscrowService) ReconcilePayments(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	pending, err := s.payments.ListPendingPayments(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		return stats, internalError(err, "failed to list pending payments")
	}
	s.metrics.SetPendingPayments(len(pending))

	for i := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		p := pending[i]
		if p.Kind != models.PaymentKindDeposit {
			continue
		}
		stats.Checked++

		result, err := s.reconcileDeposit(ctx, &p)
		if err != nil {
			s.log.Error("failed to reconcile payment",
				zap.String("transfer_id", p.TransferID),
				zap.String("contract_id", p.ContractID.String()),
				zap.Error(err),
			)
			s.metrics.IncReconcile("error")
			continue
		}
		switch result {
		case models.PaymentStatusConfirmed:
			stats.Confirmed++
		case models.PaymentStatusFailed:
			stats.Failed++
		case string(chain.StatusRetryable):
			stats.Unavailable++
		default:
			stats.Pending++
		}
		s.metrics.IncReconcile(strings.ToLower(result))
	}

	if stats.Checked > 0 {
		s.log.Info("reconciliation finished",
			zap.Int("checked", stats.Checked),
			zap.Int("confirmed", stats.Confirmed),
			zap.Int("failed", stats.Failed),
			zap.Int("pending", stats.Pending),
			zap.Int("unavailable", stats.Unavailable),
		)
	}
	return stats, nil
}

func (s *EscrowService) reconcileDeposit(ctx context.Context, p *models.Payment) (string, error) {
	c, err := s.contracts.GetContract(ctx, p.ContractID)
	if err != nil {
		return "", err
	}

	res := s.verifier.VerifyDeposit(ctx, p.TransferID, c.EscrowAddress, p.Amount, c.Datum.Nonce)
	switch res.Status {
	case chain.StatusConfirmed:
		p.Status = models.PaymentStatusConfirmed
		p.Amount = res.Amount
		if res.ExplorerLink != "" {
			p.ExplorerLink = optString(res.ExplorerLink)
		}
		fillBlock(p, res)
		return models.PaymentStatusConfirmed, s.settleConfirmed(ctx, p)
	case chain.StatusInvalid:
		return models.PaymentStatusFailed, s.settleFailed(ctx, c, p, res.Reason, res)
	case chain.StatusPending:
		if !res.Found && s.cfg.PendingPaymentMaxAge > 0 && s.now().Sub(p.CreatedAt) > s.cfg.PendingPaymentMaxAge {
			return models.PaymentStatusFailed, s.settleFailed(ctx, c, p, ReasonExpiredUnindexed, res)
		}
		return models.PaymentStatusPending, nil
	default:
		return string(chain.StatusRetryable), nil
	}
}

func (s *EscrowService) settleConfirmed(ctx context.Context, p *models.Payment) error {
	c, prev, err := s.mutate(ctx, p.ContractID, "reconcile_confirm",
		func(c *models.Contract) (bool, error) {
			return c.ConfirmFunding(s.now()), nil
		},
		func(c *models.Contract, expected int64) error {
			return s.payments.SettlePayment(ctx, p, c, expected)
		},
	)
	if errors.Is(err, repositories.ErrPaymentNotPending) {
		return nil
	}
	if err != nil {
		return err
	}

	s.writeAudit(ctx, nil, "deposit_confirmed", c, map[string]any{
		"transfer_id":  p.TransferID,
		"amount":       p.Amount,
		"block_height": p.BlockHeight,
		"funding":      c.Funding,
	})
	s.publish(ctx, events.EventDepositConfirmed, c, map[string]any{
		"transfer_id": p.TransferID,
		"amount":      p.Amount,
		"funding":     c.Funding,
	})
	s.recordTransition(ctx, c, prev, nil)
	s.log.Info("pending deposit confirmed",
		zap.String("contract_id", c.ID.String()),
		zap.String("transfer_id", p.TransferID),
		zap.String("funding", c.Funding),
	)
	return nil
}

// settleFailed marks the payment FAILED. A contract funded by it stays FUNDED.
func (s *EscrowService) settleFailed(ctx context.Context, c *models.Contract, p *models.Payment, reason string, res chain.VerificationResult) error {
	p.Status = models.PaymentStatusFailed
	p.FailureReason = &reason
	if err := s.payments.SettlePayment(ctx, p, nil, 0); err != nil {
		if errors.Is(err, repositories.ErrPaymentNotPending) {
			return nil
		}
		return err
	}

	meta := map[string]any{
		"transfer_id": p.TransferID,
		"amount":      p.Amount,
		"reason":      reason,
		"funding":     c.Funding,
	}
	if res.Detail != nil {
		meta["detail"] = res.Detail
	}
	s.writeAudit(ctx, nil, "deposit_failed", c, meta)
	s.publish(ctx, events.EventDepositFailed, c, meta)
	s.log.Warn("pending deposit failed",
		zap.String("contract_id", c.ID.String()),
		zap.String("transfer_id", p.TransferID),
		zap.String("reason", reason),
		zap.String("contract_state", c.State),
		zap.String("funding", c.Funding),
	)
	return nil
}

// CancelUnfundedContracts cancels PENDING contracts that received no deposit
// within the funding timeout.
func (s *EscrowService) CancelUnfundedContracts(ctx context.Context) (int, error) {
	if s.cfg.ContractFundingTimeout <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.ContractFundingTimeout)
	stale, err := s.contracts.ListUnfundedContracts(ctx, cutoff, s.cfg.ReconcileBatchSize)
	if err != nil {
		return 0, internalError(err, "failed to list unfunded contracts")
	}

	cancelled := 0
	for _, sc := range stale {
		c, prev, err := s.mutate(ctx, sc.ID, "funding_timeout",
			func(c *models.Contract) (bool, error) {
				// a deposit may have landed since the listing
				if c.State != models.ContractStatePending {
					return false, nil
				}
				return true, c.Cancel(ReasonFundingTimeout, s.now())
			},
			s.saveContract(ctx),
		)
		if err != nil {
			s.log.Error("failed to cancel unfunded contract", zap.String("contract_id", sc.ID.String()), zap.Error(err))
			continue
		}
		if c.State != models.ContractStateCancelled || prev == c.State {
			continue
		}
		s.log.Info("auto-cancelling unfunded contract", zap.String("contract_id", c.ID.String()))
		s.recordTransition(ctx, c, prev, nil)
		cancelled++
	}
	return cancelled, nil
}
