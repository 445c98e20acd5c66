package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Contract states
const (
	ContractStatePending   = "PENDING"
	ContractStateFunded    = "FUNDED"
	ContractStateActive    = "ACTIVE"
	ContractStateCompleted = "COMPLETED"
	ContractStateCancelled = "CANCELLED"
)

// Valid state transitions: from -> []to
var ValidContractTransitions = map[string][]string{
	ContractStatePending:   {ContractStateFunded, ContractStateCancelled},
	ContractStateFunded:    {ContractStateActive, ContractStateCompleted, ContractStateCancelled},
	ContractStateActive:    {ContractStateCompleted, ContractStateCancelled},
	ContractStateCompleted: {},
	ContractStateCancelled: {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidContractTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Funding tells whether FUNDED rests on a confirmed deposit or only on an unindexed one.
const (
	FundingNone        = "none"
	FundingProvisional = "provisional"
	FundingConfirmed   = "confirmed"
)

const (
	MilestoneStatusPending   = "pending"
	MilestoneStatusSubmitted = "submitted"
	MilestoneStatusApproved  = "approved"
)

// Datum statuses mirror the on-chain script state.
const (
	DatumStatusLocked   = "locked"
	DatumStatusReleased = "released"
	DatumStatusRefunded = "refunded"
)

const (
	FeePayerClient     = "client"
	FeePayerFreelancer = "freelancer"
)

const MaxFeeRateBPS = 10_000

var (
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrInvalidMilestones   = errors.New("invalid milestones")
	ErrMilestoneNotFound   = errors.New("milestone not found")
	ErrMilestoneStatus     = errors.New("milestone is not in the required status")
	ErrContractState       = errors.New("contract is not in the required state")
	ErrNotParty            = errors.New("actor is not permitted for this operation")
	ErrFundingNotConfirmed = errors.New("contract funding is not confirmed")
)

type Milestone struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       *string    `json:"description,omitempty"`
	Amount            int64      `json:"amount"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	Status            string     `json:"status"`
	Note              *string    `json:"note,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	ReleaseTransferID *string    `json:"release_transfer_id,omitempty"`
}

type DatumMilestone struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Paid   bool   `json:"paid"`
}

// Datum is the locally cached copy of what the on-chain script is expected to hold.
type Datum struct {
	ClientAddress     string           `json:"client_address"`
	FreelancerAddress string           `json:"freelancer_address"`
	Milestones        []DatumMilestone `json:"milestones"`
	TotalAmount       int64            `json:"total_amount"`
	FeeRateBPS        int              `json:"fee_rate_bps"`
	Nonce             string           `json:"nonce"`
	Status            string           `json:"status"`
}

type Contract struct {
	ID            uuid.UUID   `json:"id"`
	ClientID      uuid.UUID   `json:"client_id"`
	FreelancerID  uuid.UUID   `json:"freelancer_id"`
	JobID         *string     `json:"job_id,omitempty"`
	TotalAmount   int64       `json:"total_amount"`
	EscrowAddress string      `json:"escrow_address"`
	FeeRateBPS    int         `json:"fee_rate_bps"`
	FeePayer      string      `json:"fee_payer"`
	State         string      `json:"state"`
	Funding       string      `json:"funding"`
	Milestones    []Milestone `json:"milestones"`
	Datum         Datum       `json:"datum"`
	CancelReason  *string     `json:"cancel_reason,omitempty"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type NewContractParams struct {
	ClientID          uuid.UUID
	FreelancerID      uuid.UUID
	JobID             *string
	TotalAmount       int64
	EscrowAddress     string
	FeeRateBPS        int
	FeePayer          string
	ClientAddress     string
	FreelancerAddress string
	Nonce             string
	Milestones        []Milestone
}

// NewContract builds a PENDING contract. Milestone amounts must add up to the total.
func NewContract(p NewContractParams, now time.Time) (*Contract, error) {
	if p.ClientID == p.FreelancerID {
		return nil, fmt.Errorf("%w: client and freelancer must differ", ErrInvalidMilestones)
	}
	if p.FeeRateBPS < 0 || p.FeeRateBPS > MaxFeeRateBPS {
		return nil, fmt.Errorf("%w: fee rate %d bps out of range", ErrInvalidMilestones, p.FeeRateBPS)
	}
	if err := validateMilestones(p.TotalAmount, p.Milestones); err != nil {
		return nil, err
	}
	feePayer := p.FeePayer
	if feePayer == "" {
		feePayer = FeePayerFreelancer
	}
	if feePayer != FeePayerClient && feePayer != FeePayerFreelancer {
		return nil, fmt.Errorf("%w: unknown fee payer %q", ErrInvalidMilestones, feePayer)
	}

	milestones := make([]Milestone, len(p.Milestones))
	datumMilestones := make([]DatumMilestone, len(p.Milestones))
	for i, m := range p.Milestones {
		m.Status = MilestoneStatusPending
		m.Note, m.SubmittedAt, m.ApprovedAt, m.PaidAt, m.ReleaseTransferID = nil, nil, nil, nil, nil
		milestones[i] = m
		datumMilestones[i] = DatumMilestone{ID: m.ID, Amount: m.Amount}
	}

	return &Contract{
		ClientID:      p.ClientID,
		FreelancerID:  p.FreelancerID,
		JobID:         p.JobID,
		TotalAmount:   p.TotalAmount,
		EscrowAddress: p.EscrowAddress,
		FeeRateBPS:    p.FeeRateBPS,
		FeePayer:      feePayer,
		State:         ContractStatePending,
		Funding:       FundingNone,
		Milestones:    milestones,
		Datum: Datum{
			ClientAddress:     p.ClientAddress,
			FreelancerAddress: p.FreelancerAddress,
			Milestones:        datumMilestones,
			TotalAmount:       p.TotalAmount,
			FeeRateBPS:        p.FeeRateBPS,
			Nonce:             p.Nonce,
			Status:            DatumStatusLocked,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func validateMilestones(total int64, milestones []Milestone) error {
	if total <= 0 {
		return fmt.Errorf("%w: total amount must be positive", ErrInvalidMilestones)
	}
	if len(milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone is required", ErrInvalidMilestones)
	}
	seen := make(map[string]struct{}, len(milestones))
	var sum int64
	for _, m := range milestones {
		if m.ID == "" {
			return fmt.Errorf("%w: milestone id is required", ErrInvalidMilestones)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: duplicate milestone id %q", ErrInvalidMilestones, m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.Amount <= 0 {
			return fmt.Errorf("%w: milestone %q amount must be positive", ErrInvalidMilestones, m.ID)
		}
		if sum > total-m.Amount {
			return fmt.Errorf("%w: milestone amounts exceed total %d", ErrInvalidMilestones, total)
		}
		sum += m.Amount
	}
	if sum != total {
		return fmt.Errorf("%w: milestone amounts sum to %d, total is %d", ErrInvalidMilestones, sum, total)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching a stored value.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	out := *c
	out.JobID = cloneString(c.JobID)
	out.CancelReason = cloneString(c.CancelReason)
	out.Milestones = make([]Milestone, len(c.Milestones))
	for i, m := range c.Milestones {
		m.Description = cloneString(m.Description)
		m.Note = cloneString(m.Note)
		m.ReleaseTransferID = cloneString(m.ReleaseTransferID)
		m.DueDate = cloneTime(m.DueDate)
		m.SubmittedAt = cloneTime(m.SubmittedAt)
		m.ApprovedAt = cloneTime(m.ApprovedAt)
		m.PaidAt = cloneTime(m.PaidAt)
		out.Milestones[i] = m
	}
	out.Datum.Milestones = append([]DatumMilestone(nil), c.Datum.Milestones...)
	return &out
}

func (c *Contract) IsTerminal() bool {
	return c.State == ContractStateCompleted || c.State == ContractStateCancelled
}

func (c *Contract) IsParty(userID uuid.UUID) bool {
	return userID == c.ClientID || userID == c.FreelancerID
}

// Milestone returns a pointer into the contract's milestone slice.
func (c *Contract) Milestone(id string) (*Milestone, error) {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMilestoneNotFound, id)
}

func (c *Contract) setState(to string, now time.Time) error {
	if !IsValidTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	c.UpdatedAt = now
	return nil
}

// ApplyDeposit moves PENDING to FUNDED once. A confirmed deposit on a
// provisionally funded contract upgrades the funding without a state change.
// It reports whether anything changed.
func (c *Contract) ApplyDeposit(confirmed bool, now time.Time) (bool, error) {
	if c.IsTerminal() {
		return false, fmt.Errorf("%w: deposits are not accepted in state %s", ErrContractState, c.State)
	}
	funding := FundingProvisional
	if confirmed {
		funding = FundingConfirmed
	}
	if c.State == ContractStatePending {
		if err := c.setState(ContractStateFunded, now); err != nil {
			return false, err
		}
		c.Funding = funding
		return true, nil
	}
	if confirmed && c.Funding != FundingConfirmed {
		c.Funding = FundingConfirmed
		c.UpdatedAt = now
		return true, nil
	}
	return false, nil
}

// ConfirmFunding upgrades provisional funding after a late confirmation.
// Terminal contracts are left untouched.
func (c *Contract) ConfirmFunding(now time.Time) bool {
	if c.IsTerminal() || c.Funding != FundingProvisional {
		return false
	}
	c.Funding = FundingConfirmed
	c.UpdatedAt = now
	return true
}

func (c *Contract) SubmitMilestone(actorID uuid.UUID, milestoneID string, note *string, now time.Time) (*Milestone, error) {
	if actorID != c.FreelancerID {
		return nil, fmt.Errorf("%w: only the freelancer can submit milestones", ErrNotParty)
	}
	m, err := c.Milestone(milestoneID)
	if err != nil {
		return nil, err
	}
	if c.State != ContractStateFunded && c.State != ContractStateActive {
		return nil, fmt.Errorf("%w: cannot submit work while contract is %s", ErrContractState, c.State)
	}
	if m.Status != MilestoneStatusPending {
		return nil, fmt.Errorf("%w: milestone %s is %s", ErrMilestoneStatus, m.ID, m.Status)
	}

	m.Status = MilestoneStatusSubmitted
	m.Note = cloneString(note)
	m.SubmittedAt = &now
	c.UpdatedAt = now

	// first submission starts the work phase
	if c.State == ContractStateFunded {
		if err := c.setState(ContractStateActive, now); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CheckApprove runs every approval guard without mutating the contract.
func (c *Contract) CheckApprove(actorID uuid.UUID, milestoneID string) (*Milestone, error) {
	if actorID != c.ClientID {
		return nil, fmt.Errorf("%w: only the client can approve milestones", ErrNotParty)
	}
	m, err := c.Milestone(milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status != MilestoneStatusSubmitted {
		return nil, fmt.Errorf("%w: milestone %s is %s", ErrMilestoneStatus, m.ID, m.Status)
	}
	if c.State != ContractStateFunded && c.State != ContractStateActive {
		return nil, fmt.Errorf("%w: cannot approve while contract is %s", ErrContractState, c.State)
	}
	if c.Funding != FundingConfirmed {
		return nil, fmt.Errorf("%w: funding is %s", ErrFundingNotConfirmed, c.Funding)
	}
	return m, nil
}

// ApproveMilestone marks the milestone approved, and paid when a release transfer
// backs it. Approving the last milestone completes the contract.
func (c *Contract) ApproveMilestone(actorID uuid.UUID, milestoneID string, releaseTransferID *string, now time.Time) (*Milestone, error) {
	m, err := c.CheckApprove(actorID, milestoneID)
	if err != nil {
		return nil, err
	}

	m.Status = MilestoneStatusApproved
	m.ApprovedAt = &now
	if releaseTransferID != nil {
		m.PaidAt = &now
		m.ReleaseTransferID = cloneString(releaseTransferID)
		for i := range c.Datum.Milestones {
			if c.Datum.Milestones[i].ID == m.ID {
				c.Datum.Milestones[i].Paid = true
			}
		}
	}
	c.UpdatedAt = now

	if c.AllMilestonesApproved() {
		if err := c.setState(ContractStateCompleted, now); err != nil {
			return nil, err
		}
		c.Datum.Status = DatumStatusReleased
	}
	return m, nil
}

func (c *Contract) AllMilestonesApproved() bool {
	for _, m := range c.Milestones {
		if m.Status != MilestoneStatusApproved {
			return false
		}
	}
	return len(c.Milestones) > 0
}

func (c *Contract) Cancel(reason string, now time.Time) error {
	if err := c.setState(ContractStateCancelled, now); err != nil {
		return err
	}
	if reason != "" {
		c.CancelReason = &reason
	}
	if c.Funding != FundingNone {
		c.Datum.Status = DatumStatusRefunded
	}
	return nil
}

// MaxContractPage caps a single contract listing.
const MaxContractPage = 100

// ContractPage clamps limit to (0, MaxContractPage], defaulting to 20.
func ContractPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxContractPage {
		limit = MaxContractPage
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
