package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PaymentKindDeposit = "deposit"
	PaymentKindRelease = "release"
)

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusConfirmed = "CONFIRMED"
	PaymentStatusFailed    = "FAILED"
)

// A payment only leaves PENDING, and only once.
var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending:   {PaymentStatusConfirmed, PaymentStatusFailed},
	PaymentStatusConfirmed: {},
	PaymentStatusFailed:    {},
}

func IsValidPaymentTransition(from, to string) bool {
	for _, s := range ValidPaymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Payment struct {
	ID            uuid.UUID  `json:"id"`
	TransferID    string     `json:"transfer_id"`
	ContractID    uuid.UUID  `json:"contract_id"`
	MilestoneID   *string    `json:"milestone_id,omitempty"`
	Kind          string     `json:"kind"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	FromAddress   *string    `json:"from_address,omitempty"`
	ToAddress     *string    `json:"to_address,omitempty"`
	BlockHeight   *int64     `json:"block_height,omitempty"`
	BlockTime     *time.Time `json:"block_time,omitempty"`
	ExplorerLink  *string    `json:"explorer_link,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
