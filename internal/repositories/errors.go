package repositories

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateTransfer = errors.New("transfer already recorded")
	ErrVersionConflict   = errors.New("contract version conflict")
	ErrPaymentNotPending = errors.New("payment is no longer pending")
)
