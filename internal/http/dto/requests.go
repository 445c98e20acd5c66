package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Amount accepts a JSON number or a JSON string and keeps its decimal text.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number or a decimal string")
	}
	*a = Amount(n.String())
	return nil
}

type MilestoneRequest struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Amount      Amount     `json:"amount"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type CreateContractRequest struct {
	FreelancerID string             `json:"freelancer_id"`
	JobID        *string            `json:"job_id,omitempty"`
	TotalAmount  Amount             `json:"total_amount"`
	Unit         string             `json:"unit,omitempty"` // lovelace/ada, nanoton/ton, minor/major
	FeePayer     string             `json:"fee_payer,omitempty"`
	Milestones   []MilestoneRequest `json:"milestones"`
}

type DepositRequest struct {
	TransferID string `json:"transfer_id"`
	Amount     Amount `json:"amount"`
	Unit       string `json:"unit,omitempty"`
}

type SubmitMilestoneRequest struct {
	Note *string `json:"note,omitempty"`
}

type ApproveMilestoneRequest struct {
	TransferID *string `json:"transfer_id,omitempty"`
}

type CancelContractRequest struct {
	Reason string `json:"reason"`
}
