package billing

import (
	"unicode/utf8"

	"subledger/crypto"
)

// MaxPlanNameBytes bounds the UTF-8 byte length of a plan's display name.
const MaxPlanNameBytes = 64

// SubscriptionStatus enumerates the subscription lifecycle. The numeric
// values are part of the wire format and must not be reordered.
type SubscriptionStatus uint8

const (
	StatusActive    SubscriptionStatus = 0
	StatusCancelled SubscriptionStatus = 1
)

// Valid reports whether the status value is within the supported range.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Plan is a merchant's billing offer. (merchant, planId) fixes the record's
// derived address, so a merchant can never hold two plans with the same id.
type Plan struct {
	Merchant       crypto.Identity
	PlanID         uint16
	AmountLamports uint64
	IntervalSecs   uint64
	Name           string
	Active         bool
	Bump           uint8
}

// Clone returns a copy of the plan safe for the caller to mutate.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Validate checks the field constraints enforced on every write.
func (p *Plan) Validate() error {
	if p == nil {
		return ErrInvalidArgument
	}
	if p.IntervalSecs == 0 {
		return ErrInvalidArgument
	}
	if len(p.Name) > MaxPlanNameBytes {
		return ErrInvalidArgument
	}
	if !utf8.ValidString(p.Name) {
		return ErrInvalidArgument
	}
	return nil
}

// Subscription is a subscriber's paid, time-boxed entitlement against one
// plan. Amount and interval are copied from the plan at creation time and
// stay fixed even if the plan later changes.
type Subscription struct {
	Subscriber     crypto.Identity
	Plan           Address
	AmountLamports uint64
	IntervalSecs   uint64
	NextBillingAt  int64
	StartedAt      int64
	Status         SubscriptionStatus
	AutoRenew      bool
	Bump           uint8
}

// Clone returns a copy of the subscription safe for the caller to mutate.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Validate checks the field constraints enforced on every write.
func (s *Subscription) Validate() error {
	if s == nil {
		return ErrInvalidArgument
	}
	if s.IntervalSecs == 0 {
		return ErrInvalidArgument
	}
	if !s.Status.Valid() {
		return ErrInvalidRecord
	}
	return nil
}
