package billing

import (
	"strconv"

	"subledger/core/types"
)

const (
	EventTypePlanCreated           = "billing.plan.created"
	EventTypePlanDeactivated       = "billing.plan.deactivated"
	EventTypePlanClosed            = "billing.plan.closed"
	EventTypeSubscriptionCreated   = "billing.subscription.created"
	EventTypeSubscriptionRenewed   = "billing.subscription.renewed"
	EventTypeSubscriptionCancelled = "billing.subscription.cancelled"
	EventTypeSubscriptionClosed    = "billing.subscription.closed"
)

// NewPlanCreatedEvent returns the canonical event payload for a newly
// created plan.
func NewPlanCreatedEvent(addr Address, p *Plan) *types.Event {
	return newPlanEvent(EventTypePlanCreated, addr, p)
}

// NewPlanDeactivatedEvent returns the canonical event payload emitted when a
// merchant deactivates a plan.
func NewPlanDeactivatedEvent(addr Address, p *Plan) *types.Event {
	return newPlanEvent(EventTypePlanDeactivated, addr, p)
}

// NewPlanClosedEvent returns the canonical event payload emitted when a plan
// record is destroyed and its deposit reclaimed.
func NewPlanClosedEvent(addr Address, p *Plan) *types.Event {
	return newPlanEvent(EventTypePlanClosed, addr, p)
}

// NewSubscriptionCreatedEvent returns the canonical event payload for a new
// subscription with its first period paid.
func NewSubscriptionCreatedEvent(addr Address, s *Subscription) *types.Event {
	return newSubscriptionEvent(EventTypeSubscriptionCreated, addr, s)
}

// NewSubscriptionRenewedEvent returns the canonical event payload emitted
// when a period is paid and the due time advances.
func NewSubscriptionRenewedEvent(addr Address, s *Subscription) *types.Event {
	return newSubscriptionEvent(EventTypeSubscriptionRenewed, addr, s)
}

// NewSubscriptionCancelledEvent returns the canonical event payload emitted
// when a subscriber cancels.
func NewSubscriptionCancelledEvent(addr Address, s *Subscription) *types.Event {
	return newSubscriptionEvent(EventTypeSubscriptionCancelled, addr, s)
}

// NewSubscriptionClosedEvent returns the canonical event payload emitted when
// a cancelled subscription record is destroyed.
func NewSubscriptionClosedEvent(addr Address, s *Subscription) *types.Event {
	return newSubscriptionEvent(EventTypeSubscriptionClosed, addr, s)
}

func newPlanEvent(eventType string, addr Address, p *Plan) *types.Event {
	if p == nil {
		return &types.Event{Type: eventType, Attributes: map[string]string{}}
	}
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"address":        addr.String(),
			"merchant":       p.Merchant.String(),
			"planId":         strconv.FormatUint(uint64(p.PlanID), 10),
			"amountLamports": strconv.FormatUint(p.AmountLamports, 10),
			"intervalSecs":   strconv.FormatUint(p.IntervalSecs, 10),
			"name":           p.Name,
			"active":         strconv.FormatBool(p.Active),
		},
	}
}

func newSubscriptionEvent(eventType string, addr Address, s *Subscription) *types.Event {
	if s == nil {
		return &types.Event{Type: eventType, Attributes: map[string]string{}}
	}
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"address":        addr.String(),
			"subscriber":     s.Subscriber.String(),
			"plan":           s.Plan.String(),
			"amountLamports": strconv.FormatUint(s.AmountLamports, 10),
			"intervalSecs":   strconv.FormatUint(s.IntervalSecs, 10),
			"nextBillingAt":  strconv.FormatInt(s.NextBillingAt, 10),
			"startedAt":      strconv.FormatInt(s.StartedAt, 10),
			"status":         s.Status.String(),
			"autoRenew":      strconv.FormatBool(s.AutoRenew),
		},
	}
}
