package events

import "context"

// StreamContracts carries every contract and payment event.
const StreamContracts = "events:contract"

// Event types
const (
	EventContractCreated      = "contract_created"
	EventContractStateChanged = "contract_state_changed"
	EventDepositRecorded      = "deposit_recorded"
	EventDepositConfirmed     = "deposit_confirmed"
	EventDepositFailed        = "deposit_failed"
	EventMilestoneSubmitted   = "milestone_submitted"
	EventMilestoneApproved    = "milestone_approved"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Recipients returns the user ids listed in the payload's client_id and
// freelancer_id fields.
func (e Event) Recipients() []string {
	var ids []string
	for _, key := range []string{"client_id", "freelancer_id"} {
		if v, ok := e.Payload[key].(string); ok && v != "" {
			ids = append(ids, v)
		}
	}
	return ids
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
