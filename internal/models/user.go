package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	UserRoleClient     = "client"
	UserRoleFreelancer = "freelancer"
)

// User is the engine's read-only view of a party owned by the identity service.
type User struct {
	ID            uuid.UUID `json:"id"`
	Role          string    `json:"role"`
	DisplayName   *string   `json:"display_name,omitempty"`
	WalletAddress *string   `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PayoutAddress returns the address funds should go to, or "" when none is linked.
func (u *User) PayoutAddress() string {
	if u == nil || u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}
