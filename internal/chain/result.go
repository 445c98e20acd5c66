package chain

import "time"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusInvalid   Status = "INVALID"
	StatusRetryable Status = "RETRYABLE"
)

// Reasons attached to non-confirmed results
const (
	ReasonNotFound           = "not_found"
	ReasonNotFinal           = "not_final"
	ReasonNoMatchingOutput   = "no_matching_output"
	ReasonAmountMismatch     = "amount_mismatch"
	ReasonFeeOutputMissing   = "fee_output_missing"
	ReasonFeeAmountMismatch  = "fee_amount_mismatch"
	ReasonMalformedID        = "malformed_transfer_id"
	ReasonIndexerUnavailable = "indexer_unavailable"
)

// Matched-by values in Detail
const (
	MatchedByAddress = "address"
	MatchedByAuxData = "aux_data"
)

// Detail is the operator-facing diagnostic returned verbatim to callers.
type Detail struct {
	ExpectedAddress    string   `json:"expected_address,omitempty"`
	ExpectedAmount     int64    `json:"expected_amount,omitempty"`
	ObservedAmount     int64    `json:"observed_amount,omitempty"`
	MatchedBy          string   `json:"matched_by,omitempty"`
	ExpectedFeeAddress string   `json:"expected_fee_address,omitempty"`
	ExpectedFeeAmount  int64    `json:"expected_fee_amount,omitempty"`
	ObservedFeeAmount  int64    `json:"observed_fee_amount,omitempty"`
	Outputs            []Output `json:"outputs,omitempty"`
	Error              string   `json:"error,omitempty"`
}

type VerificationResult struct {
	Status       Status     `json:"status"`
	TransferID   string     `json:"transfer_id"`
	Found        bool       `json:"found"`
	Amount       int64      `json:"amount,omitempty"`
	FeeAmount    int64      `json:"fee_amount,omitempty"`
	FromAddress  string     `json:"from_address,omitempty"`
	BlockHeight  int64      `json:"block_height,omitempty"`
	BlockTime    *time.Time `json:"block_time,omitempty"`
	ExplorerLink string     `json:"explorer_link,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Detail       *Detail    `json:"detail,omitempty"`
}

func (r VerificationResult) IsConfirmed() bool { return r.Status == StatusConfirmed }
func (r VerificationResult) IsPending() bool   { return r.Status == StatusPending }
