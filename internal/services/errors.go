package services

import (
	"errors"
	"fmt"

	"github.com/milestone-escrow/backend/internal/amount"
	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/repositories"
)

type ErrorKind string

const (
	KindValidation              ErrorKind = "validation"
	KindAuthorization           ErrorKind = "authorization"
	KindNotFound                ErrorKind = "not_found"
	KindConflict                ErrorKind = "conflict"
	KindVerificationFailed      ErrorKind = "verification_failed"
	KindVerificationUnavailable ErrorKind = "verification_unavailable"
	KindInternal                ErrorKind = "internal"
)

// Error is returned by every EscrowService operation that fails. Detail is
// handed to callers as is.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  any
	Err     error
}

func (e *Error) Error() string {
	// classified sentinels already carry Err's text as the message
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func validationError(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

func conflictError(format string, args ...any) *Error {
	return newError(KindConflict, nil, format, args...)
}

func internalError(err error, msg string) *Error {
	return newError(KindInternal, err, "%s", msg)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a service error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// classify maps model and repository sentinels onto error kinds.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, models.ErrMilestoneNotFound):
		return &Error{Kind: KindNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, models.ErrNotParty):
		return &Error{Kind: KindAuthorization, Message: err.Error(), Err: err}
	case errors.Is(err, models.ErrInvalidMilestones),
		errors.Is(err, amount.ErrInvalidAmount),
		errors.Is(err, amount.ErrInvalidFeeRate):
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrMilestoneStatus),
		errors.Is(err, models.ErrContractState),
		errors.Is(err, models.ErrFundingNotConfirmed),
		errors.Is(err, repositories.ErrVersionConflict),
		errors.Is(err, repositories.ErrDuplicateTransfer),
		errors.Is(err, repositories.ErrPaymentNotPending):
		return &Error{Kind: KindConflict, Message: err.Error(), Err: err}
	default:
		return &Error{Kind: KindInternal, Message: "internal error", Err: err}
	}
}
