package billing

import (
	"errors"
	"fmt"
)

var (
	ErrNilState              = errors.New("billing: state not configured")
	ErrNotFound              = errors.New("billing: record not found")
	ErrUnauthorized          = errors.New("billing: unauthorized")
	ErrInvalidArgument       = errors.New("billing: invalid argument")
	ErrInvalidRecord         = errors.New("billing: malformed record")
	ErrAddressOccupied       = errors.New("billing: address already occupied")
	ErrPlanInactive          = errors.New("billing: plan no longer accepting charges")
	ErrPlanStillActive       = errors.New("billing: plan must be deactivated first")
	ErrSubscriptionNotActive = errors.New("billing: subscription not active")
	ErrRenewalTooEarly       = errors.New("billing: renewal not due yet")
	ErrAccessDenied          = errors.New("billing: subscription expired or inactive")
	ErrTransferFailed        = errors.New("billing: transfer failed")
	ErrOverflow              = errors.New("billing: arithmetic overflow")
)

// OccupiedError reports a create at an address that already holds a record.
// It wraps ErrAddressOccupied and names the namespace and address involved,
// so callers never have to sniff message text to tell a duplicate plan from
// a duplicate subscription.
type OccupiedError struct {
	Namespace string
	Address   Address
}

func (e *OccupiedError) Error() string {
	return fmt.Sprintf("billing: %s address %s already occupied", e.Namespace, e.Address)
}

func (e *OccupiedError) Unwrap() error { return ErrAddressOccupied }
