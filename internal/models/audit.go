package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

// Audited entity kinds
const (
	EntityTypeContract = "contract"
	EntityTypePayment  = "payment"
)

// MaxAuditPage caps a single audit log read.
const MaxAuditPage = 200

// AuditLog is one append-only record of who did what to a contract or payment.
// Meta carries the operation's context (transfer id, amounts, reasons).
type AuditLog struct {
	ID          uuid.UUID      `json:"id"`
	ActorUserID *uuid.UUID     `json:"actor_user_id,omitempty"`
	ActorType   string         `json:"actor_type"` // user/system
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    *uuid.UUID     `json:"entity_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditPage clamps limit to (0, MaxAuditPage], defaulting to 50.
func AuditPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxAuditPage {
		limit = MaxAuditPage
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
