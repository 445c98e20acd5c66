package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/amount"
	"github.com/milestone-escrow/backend/internal/chain"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/events"
	"github.com/milestone-escrow/backend/internal/metrics"
	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/rbac"
	"github.com/milestone-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

// reload-and-reapply rounds after a version conflict
const maxCASAttempts = 5

type ContractStore interface {
	CreateContract(ctx context.Context, c *models.Contract) error
	GetContract(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	ListContracts(ctx context.Context, f repositories.ContractFilter) ([]models.Contract, error)
	UpdateContract(ctx context.Context, c *models.Contract, expectedVersion int64) error
	ListUnfundedContracts(ctx context.Context, cutoff time.Time, limit int) ([]models.Contract, error)
}

// PaymentStore is the payment ledger. RecordPayment and SettlePayment apply an
// optional contract update in the same commit.
type PaymentStore interface {
	GetPaymentByTransferID(ctx context.Context, transferID string) (*models.Payment, error)
	ListPayments(ctx context.Context, contractID uuid.UUID, kind string) ([]models.Payment, error)
	ListPendingPayments(ctx context.Context, limit int) ([]models.Payment, error)
	RecordPayment(ctx context.Context, p *models.Payment, c *models.Contract, expectedVersion int64) error
	SettlePayment(ctx context.Context, p *models.Payment, c *models.Contract, expectedVersion int64) error
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

type PartyResolver interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type ChainVerifier interface {
	VerifyDeposit(ctx context.Context, transferID, address string, minAmount int64, contractTag string) chain.VerificationResult
	VerifyRelease(ctx context.Context, transferID, recipient string, minAmount int64, feeAddress string, feeMin int64) chain.VerificationResult
}

type EscrowService struct {
	contracts  ContractStore
	payments   PaymentStore
	audit      AuditStore
	parties    PartyResolver
	verifier   ChainVerifier
	normalizer *amount.Normalizer
	publisher  events.Publisher
	metrics    *metrics.Registry
	cfg        *config.Config
	log        *zap.Logger
	now        func() time.Time
}

func NewEscrowService(
	contracts ContractStore,
	payments PaymentStore,
	audit AuditStore,
	parties PartyResolver,
	verifier ChainVerifier,
	normalizer *amount.Normalizer,
	publisher events.Publisher,
	m *metrics.Registry,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		contracts:  contracts,
		payments:   payments,
		audit:      audit,
		parties:    parties,
		verifier:   verifier,
		normalizer: normalizer,
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type MilestoneInput struct {
	ID          string
	Title       string
	Description *string
	Amount      string
	DueDate     *time.Time
}

type CreateContractInput struct {
	ClientID     uuid.UUID
	FreelancerID uuid.UUID
	JobID        *string
	TotalAmount  string
	Unit         string
	FeePayer     string
	Milestones   []MilestoneInput
}

// CreateContract opens a PENDING contract between the calling client and a
// freelancer. Milestone amounts are read in the unit detected for the total.
func (s *EscrowService) CreateContract(ctx context.Context, in CreateContractInput) (*models.Contract, error) {
	client, err := s.parties.GetUser(ctx, in.ClientID)
	if err != nil {
		return nil, classify(err)
	}
	if !rbac.HasPermission(client.Role, rbac.PermCreateContract) {
		return nil, newError(KindAuthorization, nil, "only clients can create contracts")
	}
	freelancer, err := s.parties.GetUser(ctx, in.FreelancerID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, validationError("freelancer %s does not exist", in.FreelancerID)
	}
	if err != nil {
		return nil, classify(err)
	}
	if freelancer.Role != rbac.RoleFreelancer {
		return nil, validationError("user %s is not a freelancer", in.FreelancerID)
	}
	if client.PayoutAddress() == "" {
		return nil, validationError("client has no wallet address linked")
	}
	if freelancer.PayoutAddress() == "" {
		return nil, validationError("freelancer has no wallet address linked")
	}
	if s.cfg.EscrowAddress == "" {
		return nil, internalError(errors.New("ESCROW_ADDRESS is not configured"), "escrow address missing")
	}

	total, err := s.normalizer.Normalize(in.TotalAmount, in.Unit)
	if err != nil {
		return nil, classify(err)
	}
	milestones := make([]models.Milestone, 0, len(in.Milestones))
	for _, mi := range in.Milestones {
		if strings.TrimSpace(mi.Title) == "" {
			return nil, validationError("milestone %q needs a title", mi.ID)
		}
		amt, err := s.normalizer.Normalize(mi.Amount, total.Unit)
		if err != nil {
			return nil, validationError("milestone %q: %v", mi.ID, err)
		}
		milestones = append(milestones, models.Milestone{
			ID:          strings.TrimSpace(mi.ID),
			Title:       strings.TrimSpace(mi.Title),
			Description: mi.Description,
			Amount:      amt.Minor,
			DueDate:     mi.DueDate,
		})
	}

	c, err := models.NewContract(models.NewContractParams{
		ClientID:          in.ClientID,
		FreelancerID:      in.FreelancerID,
		JobID:             in.JobID,
		TotalAmount:       total.Minor,
		EscrowAddress:     s.cfg.EscrowAddress,
		FeeRateBPS:        s.cfg.PlatformFeeBPS,
		FeePayer:          in.FeePayer,
		ClientAddress:     client.PayoutAddress(),
		FreelancerAddress: freelancer.PayoutAddress(),
		Nonce:             uuid.NewString(),
		Milestones:        milestones,
	}, s.now())
	if err != nil {
		return nil, classify(err)
	}
	if err := s.contracts.CreateContract(ctx, c); err != nil {
		s.log.Error("failed to create contract", zap.Error(err))
		return nil, internalError(err, "failed to create contract")
	}

	s.writeAudit(ctx, &in.ClientID, "contract_created", c, map[string]any{
		"total_amount": c.TotalAmount,
		"unit":         total.Unit,
		"milestones":   len(c.Milestones),
		"fee_rate_bps": c.FeeRateBPS,
	})
	s.publish(ctx, events.EventContractCreated, c, map[string]any{"total_amount": c.TotalAmount})

	s.log.Info("contract created",
		zap.String("contract_id", c.ID.String()),
		zap.Int64("total_amount", c.TotalAmount),
		zap.Int("milestones", len(c.Milestones)),
	)
	return c, nil
}

// ContractView is a contract together with its deposits.
type ContractView struct {
	*models.Contract
	Deposits []models.Payment `json:"deposits"`
}

func (s *EscrowService) GetContract(ctx context.Context, contractID, callerID uuid.UUID) (*ContractView, error) {
	c, err := s.loadForParty(ctx, contractID, callerID)
	if err != nil {
		return nil, err
	}
	deposits, err := s.payments.ListPayments(ctx, c.ID, models.PaymentKindDeposit)
	if err != nil {
		return nil, internalError(err, "failed to load deposits")
	}
	if deposits == nil {
		deposits = []models.Payment{}
	}
	return &ContractView{Contract: c, Deposits: deposits}, nil
}

func (s *EscrowService) ListContracts(ctx context.Context, callerID uuid.UUID, state string, limit, offset int) ([]models.Contract, error) {
	f := repositories.ContractFilter{PartyID: &callerID, Limit: limit, Offset: offset}
	if state != "" {
		state = strings.ToUpper(state)
		if _, ok := models.ValidContractTransitions[state]; !ok {
			return nil, validationError("unknown contract state %q", state)
		}
		f.State = &state
	}
	contracts, err := s.contracts.ListContracts(ctx, f)
	if err != nil {
		return nil, internalError(err, "failed to list contracts")
	}
	if contracts == nil {
		contracts = []models.Contract{}
	}
	return contracts, nil
}

func (s *EscrowService) GetDeposits(ctx context.Context, contractID, callerID uuid.UUID) ([]models.Payment, error) {
	view, err := s.GetContract(ctx, contractID, callerID)
	if err != nil {
		return nil, err
	}
	return view.Deposits, nil
}

// GetContractEvents returns the contract's audit trail, newest first.
func (s *EscrowService) GetContractEvents(ctx context.Context, contractID, callerID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	c, err := s.loadForParty(ctx, contractID, callerID)
	if err != nil {
		return nil, err
	}
	logs, err := s.audit.GetByEntity(ctx, models.EntityTypeContract, c.ID, limit, offset)
	if err != nil {
		return nil, internalError(err, "failed to load contract events")
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	return logs, nil
}

func (s *EscrowService) SubmitMilestone(ctx context.Context, contractID uuid.UUID, milestoneID string, actorID uuid.UUID, note *string) (*models.Milestone, error) {
	var submitted models.Milestone
	c, prev, err := s.mutate(ctx, contractID, "submit_milestone",
		func(c *models.Contract) (bool, error) {
			m, err := c.SubmitMilestone(actorID, milestoneID, note, s.now())
			if err != nil {
				return false, err
			}
			submitted = *m
			return true, nil
		},
		s.saveContract(ctx),
	)
	if err != nil {
		return nil, classify(err)
	}

	s.writeAudit(ctx, &actorID, "milestone_submitted", c, map[string]any{"milestone_id": milestoneID})
	s.publish(ctx, events.EventMilestoneSubmitted, c, map[string]any{"milestone_id": milestoneID})
	s.recordTransition(ctx, c, prev, &actorID)
	return &submitted, nil
}

// ApprovalResult carries the milestone after an approval attempt. Pending is
// set when the release transfer is not final yet: nothing changed and the
// approval can be repeated with the same transfer id.
type ApprovalResult struct {
	models.Milestone
	Pending      bool                      `json:"pending"`
	Verification *chain.VerificationResult `json:"verification,omitempty"`
}

// ApproveMilestone approves a submitted milestone. With a release transfer id
// the payout and fee outputs must be final on chain before anything changes.
func (s *EscrowService) ApproveMilestone(ctx context.Context, contractID uuid.UUID, milestoneID string, approverID uuid.UUID, transferID *string) (*ApprovalResult, error) {
	if transferID != nil {
		tid := strings.TrimSpace(*transferID)
		if tid == "" {
			transferID = nil
		} else {
			transferID = &tid
		}
	}

	c, err := s.contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, classify(err)
	}

	if transferID != nil {
		if replayed, err := s.replayRelease(ctx, c, milestoneID, approverID, *transferID); replayed != nil || err != nil {
			if err != nil {
				return nil, err
			}
			return &ApprovalResult{Milestone: *replayed}, nil
		}
	}

	m, err := c.CheckApprove(approverID, milestoneID)
	if err != nil {
		s.metrics.IncApproval("rejected")
		return nil, classify(err)
	}
	fee, payout, err := amount.Split(m.Amount, c.FeeRateBPS)
	if err != nil {
		return nil, classify(err)
	}

	save := s.saveContract(ctx)
	var release *models.Payment
	var verification *chain.VerificationResult
	if transferID != nil {
		res := s.verifier.VerifyRelease(ctx, *transferID, c.Datum.FreelancerAddress, payout, s.cfg.PlatformFeeAddress, fee)
		if res.Status == chain.StatusPending {
			s.metrics.IncApproval("pending")
			s.log.Info("release transfer not final yet",
				zap.String("contract_id", c.ID.String()),
				zap.String("milestone_id", milestoneID),
				zap.String("transfer_id", *transferID),
				zap.String("reason", res.Reason),
			)
			return &ApprovalResult{Milestone: *m, Pending: true, Verification: &res}, nil
		}
		if err := verificationError("release", res); err != nil {
			s.metrics.IncApproval(strings.ToLower(string(res.Status)))
			return nil, err
		}
		release = &models.Payment{
			TransferID:   *transferID,
			ContractID:   c.ID,
			MilestoneID:  &milestoneID,
			Kind:         models.PaymentKindRelease,
			Amount:       res.Amount,
			Status:       models.PaymentStatusConfirmed,
			ToAddress:    optString(c.Datum.FreelancerAddress),
			ExplorerLink: optString(res.ExplorerLink),
		}
		fillBlock(release, res)
		verification = &res
		save = func(c *models.Contract, expected int64) error {
			return s.payments.RecordPayment(ctx, release, c, expected)
		}
	}

	var approved models.Milestone
	c, prev, err := s.mutate(ctx, contractID, "approve_milestone",
		func(c *models.Contract) (bool, error) {
			m, err := c.ApproveMilestone(approverID, milestoneID, transferID, s.now())
			if err != nil {
				return false, err
			}
			approved = *m
			return true, nil
		},
		save,
	)
	if errors.Is(err, repositories.ErrDuplicateTransfer) {
		return nil, conflictError("transfer %s is already recorded", *transferID)
	}
	if err != nil {
		s.metrics.IncApproval("rejected")
		return nil, classify(err)
	}

	meta := map[string]any{"milestone_id": milestoneID, "amount": approved.Amount, "fee": fee, "payout": payout}
	if transferID != nil {
		meta["transfer_id"] = *transferID
		meta["explorer_link"] = release.ExplorerLink
	}
	s.writeAudit(ctx, &approverID, "milestone_approved", c, meta)
	s.publish(ctx, events.EventMilestoneApproved, c, meta)
	s.recordTransition(ctx, c, prev, &approverID)
	s.metrics.IncApproval("approved")

	s.log.Info("milestone approved",
		zap.String("contract_id", c.ID.String()),
		zap.String("milestone_id", milestoneID),
		zap.Int64("fee", fee),
		zap.Int64("payout", payout),
		zap.Bool("release_verified", transferID != nil),
	)
	return &ApprovalResult{Milestone: approved, Verification: verification}, nil
}

// replayRelease answers a repeated approval carrying an already recorded
// release transfer. It returns (nil, nil) when the transfer is unknown.
func (s *EscrowService) replayRelease(ctx context.Context, c *models.Contract, milestoneID string, approverID uuid.UUID, transferID string) (*models.Milestone, error) {
	existing, err := s.payments.GetPaymentByTransferID(ctx, transferID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, internalError(err, "failed to look up transfer")
	}
	if approverID != c.ClientID {
		return nil, classify(models.ErrNotParty)
	}
	if existing.ContractID != c.ID || existing.Kind != models.PaymentKindRelease ||
		existing.MilestoneID == nil || *existing.MilestoneID != milestoneID {
		return nil, conflictError("transfer %s is already recorded for another payment", transferID)
	}
	m, err := c.Milestone(milestoneID)
	if err != nil {
		return nil, classify(err)
	}
	out := *m
	return &out, nil
}

func (s *EscrowService) CancelContract(ctx context.Context, contractID, actorID uuid.UUID, reason string) (*models.Contract, error) {
	reason = strings.TrimSpace(reason)
	c, prev, err := s.mutate(ctx, contractID, "cancel_contract",
		func(c *models.Contract) (bool, error) {
			if !c.IsParty(actorID) {
				return false, fmt.Errorf("%w: only contract parties can cancel", models.ErrNotParty)
			}
			return true, c.Cancel(reason, s.now())
		},
		s.saveContract(ctx),
	)
	if err != nil {
		return nil, classify(err)
	}
	s.recordTransition(ctx, c, prev, &actorID)
	return c, nil
}

// mutate loads the contract, applies fn and saves it with a version check,
// reloading and re-applying on conflict. fn reports whether it changed the
// contract; save receives nil when it did not.
func (s *EscrowService) mutate(
	ctx context.Context,
	contractID uuid.UUID,
	op string,
	fn func(c *models.Contract) (bool, error),
	save func(c *models.Contract, expectedVersion int64) error,
) (*models.Contract, string, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		c, err := s.contracts.GetContract(ctx, contractID)
		if err != nil {
			return nil, "", err
		}
		prev := c.State
		expected := c.Version

		changed, err := fn(c)
		if err != nil {
			return c, prev, err
		}
		var target *models.Contract
		if changed {
			target = c
		}

		err = save(target, expected)
		if errors.Is(err, repositories.ErrVersionConflict) {
			s.metrics.IncVersionConflict(op)
			s.log.Debug("contract version conflict, reloading",
				zap.String("contract_id", contractID.String()),
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return c, prev, err
		}
		return c, prev, nil
	}
	return nil, "", conflictError("contract %s is being modified concurrently, retry", contractID)
}

func (s *EscrowService) saveContract(ctx context.Context) func(*models.Contract, int64) error {
	return func(c *models.Contract, expected int64) error {
		if c == nil {
			return nil
		}
		return s.contracts.UpdateContract(ctx, c, expected)
	}
}

func (s *EscrowService) loadForParty(ctx context.Context, contractID, callerID uuid.UUID) (*models.Contract, error) {
	c, err := s.contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, classify(err)
	}
	if !c.IsParty(callerID) {
		return nil, newError(KindAuthorization, models.ErrNotParty, "not a party to this contract")
	}
	return c, nil
}

// recordTransition writes the audit entry and event for a state change, if any.
func (s *EscrowService) recordTransition(ctx context.Context, c *models.Contract, from string, actorID *uuid.UUID) {
	if c == nil || from == c.State {
		return
	}
	meta := map[string]any{"old_state": from, "new_state": c.State}
	if c.CancelReason != nil {
		meta["reason"] = *c.CancelReason
	}
	s.writeAudit(ctx, actorID, fmt.Sprintf("contract_state_%s_to_%s", from, c.State), c, meta)
	s.publish(ctx, events.EventContractStateChanged, c, meta)

	s.log.Info("contract state changed",
		zap.String("contract_id", c.ID.String()),
		zap.String("from", from),
		zap.String("to", c.State),
	)
}

func (s *EscrowService) writeAudit(ctx context.Context, actorID *uuid.UUID, action string, c *models.Contract, meta map[string]any) {
	actorType := models.ActorTypeUser
	if actorID == nil {
		actorType = models.ActorTypeSystem
	}
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: actorID,
		ActorType:   actorType,
		Action:      action,
		EntityType:  models.EntityTypeContract,
		EntityID:    &c.ID,
		Meta:        meta,
	}); err != nil {
		s.log.Error("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *EscrowService) publish(ctx context.Context, eventType string, c *models.Contract, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	p := map[string]any{
		"contract_id":   c.ID.String(),
		"client_id":     c.ClientID.String(),
		"freelancer_id": c.FreelancerID.String(),
		"state":         c.State,
	}
	for k, v := range payload {
		p[k] = v
	}
	_ = s.publisher.Publish(ctx, events.StreamContracts, events.Event{Type: eventType, Payload: p})
}

// verificationError maps INVALID and RETRYABLE outcomes to a service error.
// PENDING is a provisional success and is handled by the callers.
func verificationError(what string, res chain.VerificationResult) error {
	switch res.Status {
	case chain.StatusConfirmed, chain.StatusPending:
		return nil
	case chain.StatusInvalid:
		return &Error{Kind: KindVerificationFailed, Message: fmt.Sprintf("%s transfer rejected: %s", what, res.Reason), Detail: res}
	default:
		return &Error{Kind: KindVerificationUnavailable, Message: fmt.Sprintf("%s transfer could not be verified, retry later", what), Detail: res}
	}
}

func fillBlock(p *models.Payment, res chain.VerificationResult) {
	if res.FromAddress != "" {
		p.FromAddress = optString(res.FromAddress)
	}
	if res.Status != chain.StatusConfirmed {
		return
	}
	height := res.BlockHeight
	p.BlockHeight = &height
	if res.BlockTime != nil {
		t := *res.BlockTime
		p.BlockTime = &t
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
