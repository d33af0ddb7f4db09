package billing

import (
	"fmt"
	"math"
	"time"

	"subledger/core/events"
	"subledger/core/types"
	"subledger/crypto"
)

// DefaultRecordDepositLamports is the storage deposit held while a record
// exists and returned to its owner when the record is destroyed.
const DefaultRecordDepositLamports = 890_880

// engineState is the slice of ledger state the billing engine operates on.
// Records are raw codec bytes keyed by derived address; the host serializes
// all instructions touching the same address, so the engine never locks.
type engineState interface {
	RecordGet(addr Address) ([]byte, bool, error)
	RecordPut(addr Address, data []byte) error
	RecordDelete(addr Address) error
	Transfer(from, to crypto.Identity, amountLamports uint64) error
	HoldDeposit(owner crypto.Identity, amountLamports uint64) error
	RefundDeposit(owner crypto.Identity, amountLamports uint64) error
}

type billingEvent struct {
	evt *types.Event
}

func (e billingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e billingEvent) Event() *types.Event { return e.evt }

// Engine wires the billing state machine to external state, the time oracle
// and an event emitter. Every exported operation is one indivisible unit:
// either all checks pass and the record mutation and any transfer land
// together, or nothing happens and a typed failure is returned.
type Engine struct {
	state           engineState
	emitter         events.Emitter
	nowFn           func() int64
	depositLamports uint64
}

// NewEngine creates a billing engine with a no-op emitter and the wall clock
// as its time source. Callers override both via SetEmitter and SetNowFunc.
func NewEngine() *Engine {
	return &Engine{
		emitter:         events.NoopEmitter{},
		nowFn:           func() int64 { return time.Now().Unix() },
		depositLamports: DefaultRecordDepositLamports,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRecordDeposit overrides the storage deposit held per record. Zero
// disables deposits entirely.
func (e *Engine) SetRecordDeposit(lamports uint64) { e.depositLamports = lamports }

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(billingEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return nil
}

// loadPlanAt fetches the plan at addr, recomputing the expected address and
// bump from the decoded owner fields so a record moved or forged under the
// wrong key is rejected as malformed rather than trusted.
func (e *Engine) loadPlanAt(addr Address) (*Plan, error) {
	raw, ok, err := e.state.RecordGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	plan, err := DecodePlan(raw)
	if err != nil {
		return nil, err
	}
	derived, bump := DerivePlanAddress(plan.Merchant, plan.PlanID)
	if derived != addr || plan.Bump != bump {
		return nil, fmt.Errorf("%w: plan address mismatch", ErrInvalidRecord)
	}
	return plan, nil
}

func (e *Engine) loadSubscriptionAt(addr Address) (*Subscription, error) {
	raw, ok, err := e.state.RecordGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	sub, err := DecodeSubscription(raw)
	if err != nil {
		return nil, err
	}
	derived, bump := DeriveSubscriptionAddress(sub.Subscriber, sub.Plan)
	if derived != addr || sub.Bump != bump {
		return nil, fmt.Errorf("%w: subscription address mismatch", ErrInvalidRecord)
	}
	return sub, nil
}

func (e *Engine) storePlan(addr Address, plan *Plan) error {
	raw, err := EncodePlan(plan)
	if err != nil {
		return err
	}
	return e.state.RecordPut(addr, raw)
}

func (e *Engine) storeSubscription(addr Address, sub *Subscription) error {
	raw, err := EncodeSubscription(sub)
	if err != nil {
		return err
	}
	return e.state.RecordPut(addr, raw)
}

// CreatePlan allocates a new plan record for the caller at the address
// derived from (merchant, planID). A second create at the same address fails
// with an occupied error instead of overwriting.
func (e *Engine) CreatePlan(caller crypto.Identity, planID uint16, amountLamports, intervalSecs uint64, name string) (*Plan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}
	if intervalSecs == 0 || intervalSecs > math.MaxInt64 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidArgument)
	}
	if len(name) > MaxPlanNameBytes {
		return nil, fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidArgument, MaxPlanNameBytes)
	}
	addr, bump := DerivePlanAddress(caller, planID)
	if _, ok, err := e.state.RecordGet(addr); err != nil {
		return nil, err
	} else if ok {
		return nil, &OccupiedError{Namespace: NamespacePlan, Address: addr}
	}
	plan := &Plan{
		Merchant:       caller,
		PlanID:         planID,
		AmountLamports: amountLamports,
		IntervalSecs:   intervalSecs,
		Name:           name,
		Active:         true,
		Bump:           bump,
	}
	if err := e.holdDeposit(caller); err != nil {
		return nil, err
	}
	if err := e.storePlan(addr, plan); err != nil {
		e.releaseDeposit(caller)
		return nil, err
	}
	e.emit(NewPlanCreatedEvent(addr, plan))
	return plan.Clone(), nil
}

// CreateSubscription allocates a subscription for the caller against the
// plan at planAddr and pays the first period in the same step.
func (e *Engine) CreateSubscription(caller crypto.Identity, planAddr Address) (*Subscription, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller.IsZero() {
		return nil, ErrUnauthorized
	}
	plan, err := e.loadPlanAt(planAddr)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanInactive
	}
	addr, bump := DeriveSubscriptionAddress(caller, planAddr)
	if _, ok, err := e.state.RecordGet(addr); err != nil {
		return nil, err
	} else if ok {
		return nil, &OccupiedError{Namespace: NamespaceSubscription, Address: addr}
	}
	now := e.now()
	nextBillingAt, err := addInterval(now, plan.IntervalSecs)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		Subscriber:     caller,
		Plan:           planAddr,
		AmountLamports: plan.AmountLamports,
		IntervalSecs:   plan.IntervalSecs,
		NextBillingAt:  nextBillingAt,
		StartedAt:      now,
		Status:         StatusActive,
		AutoRenew:      true,
		Bump:           bump,
	}
	if err := e.holdDeposit(caller); err != nil {
		return nil, err
	}
	if err := e.state.Transfer(caller, plan.Merchant, plan.AmountLamports); err != nil {
		e.releaseDeposit(caller)
		return nil, err
	}
	if err := e.storeSubscription(addr, sub); err != nil {
		_ = e.state.Transfer(plan.Merchant, caller, plan.AmountLamports)
		e.releaseDeposit(caller)
		return nil, err
	}
	e.emit(NewSubscriptionCreatedEvent(addr, sub))
	return sub.Clone(), nil
}

// Renew pays one more period. It is strictly gated on the due time: calling
// before nextBillingAt fails, and a late call still advances the next due
// time by exactly one interval so the cadence stays deterministic instead of
// drifting with wall-clock delays.
func (e *Engine) Renew(caller crypto.Identity, subAddr Address) (*Subscription, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sub, err := e.loadSubscriptionAt(subAddr)
	if err != nil {
		return nil, err
	}
	if sub.Subscriber != caller {
		return nil, ErrUnauthorized
	}
	if sub.Status != StatusActive {
		return nil, ErrSubscriptionNotActive
	}
	if e.now() < sub.NextBillingAt {
		return nil, ErrRenewalTooEarly
	}
	plan, err := e.loadPlanAt(sub.Plan)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanInactive
	}
	nextBillingAt, err := addInterval(sub.NextBillingAt, sub.IntervalSecs)
	if err != nil {
		return nil, err
	}
	// The charge is the amount fixed at subscription time, immune to any
	// later plan repricing.
	if err := e.state.Transfer(caller, plan.Merchant, sub.AmountLamports); err != nil {
		return nil, err
	}
	sub.NextBillingAt = nextBillingAt
	if err := e.storeSubscription(subAddr, sub); err != nil {
		_ = e.state.Transfer(plan.Merchant, caller, sub.AmountLamports)
		return nil, err
	}
	e.emit(NewSubscriptionRenewedEvent(subAddr, sub))
	return sub.Clone(), nil
}

// Cancel marks the caller's subscription cancelled. No transfer, no refund,
// and the entitlement ends immediately: CheckAccess denies a cancelled
// subscription even inside the already-paid period.
func (e *Engine) Cancel(caller crypto.Identity, subAddr Address) (*Subscription, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sub, err := e.loadSubscriptionAt(subAddr)
	if err != nil {
		return nil, err
	}
	if sub.Subscriber != caller {
		return nil, ErrUnauthorized
	}
	if sub.Status != StatusActive {
		return nil, ErrSubscriptionNotActive
	}
	sub.Status = StatusCancelled
	if err := e.storeSubscription(subAddr, sub); err != nil {
		return nil, err
	}
	e.emit(NewSubscriptionCancelledEvent(subAddr, sub))
	return sub.Clone(), nil
}

// SetAutoRenew flips the informational auto-renew flag consumed by off-chain
// renewal agents. It never affects the engine's own gating.
func (e *Engine) SetAutoRenew(caller crypto.Identity, subAddr Address, autoRenew bool) (*Subscription, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sub, err := e.loadSubscriptionAt(subAddr)
	if err != nil {
		return nil, err
	}
	if sub.Subscriber != caller {
		return nil, ErrUnauthorized
	}
	if sub.Status != StatusActive {
		return nil, ErrSubscriptionNotActive
	}
	if sub.AutoRenew == autoRenew {
		return sub.Clone(), nil
	}
	sub.AutoRenew = autoRenew
	if err := e.storeSubscription(subAddr, sub); err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

// DeactivatePlan flips the plan inactive. One-way: there is no reactivate.
func (e *Engine) DeactivatePlan(caller crypto.Identity, planAddr Address) (*Plan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	plan, err := e.loadPlanAt(planAddr)
	if err != nil {
		return nil, err
	}
	if plan.Merchant != caller {
		return nil, ErrUnauthorized
	}
	if !plan.Active {
		return plan.Clone(), nil
	}
	plan.Active = false
	if err := e.storePlan(planAddr, plan); err != nil {
		return nil, err
	}
	e.emit(NewPlanDeactivatedEvent(planAddr, plan))
	return plan.Clone(), nil
}

// ClosePlan destroys an inactive plan record and returns its storage
// deposit to the merchant.
func (e *Engine) ClosePlan(caller crypto.Identity, planAddr Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	plan, err := e.loadPlanAt(planAddr)
	if err != nil {
		return err
	}
	if plan.Merchant != caller {
		return ErrUnauthorized
	}
	if plan.Active {
		return ErrPlanStillActive
	}
	if err := e.refundDeposit(caller); err != nil {
		return err
	}
	if err := e.state.RecordDelete(planAddr); err != nil {
		e.reholdDeposit(caller)
		return err
	}
	e.emit(NewPlanClosedEvent(planAddr, plan))
	return nil
}

// CloseSubscription destroys a cancelled subscription record and returns
// its storage deposit to the subscriber. Re-subscribing to the same plan
// requires this first: the address is fixed by (subscriber, plan).
func (e *Engine) CloseSubscription(caller crypto.Identity, subAddr Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	sub, err := e.loadSubscriptionAt(subAddr)
	if err != nil {
		return err
	}
	if sub.Subscriber != caller {
		return ErrUnauthorized
	}
	if sub.Status != StatusCancelled {
		return ErrSubscriptionNotActive
	}
	if err := e.refundDeposit(caller); err != nil {
		return err
	}
	if err := e.state.RecordDelete(subAddr); err != nil {
		e.reholdDeposit(caller)
		return err
	}
	e.emit(NewSubscriptionClosedEvent(subAddr, sub))
	return nil
}

// CheckAccess is the trustless entitlement probe: anyone holding the
// subscription address can verify that the subscription is active and its
// paid period has not ended, without trusting any server.
func (e *Engine) CheckAccess(subAddr Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	sub, err := e.loadSubscriptionAt(subAddr)
	if err != nil {
		return err
	}
	if sub.Status != StatusActive {
		return ErrAccessDenied
	}
	if e.now() >= sub.NextBillingAt {
		return ErrAccessDenied
	}
	return nil
}

// GetPlan returns the plan at addr.
func (e *Engine) GetPlan(addr Address) (*Plan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	plan, err := e.loadPlanAt(addr)
	if err != nil {
		return nil, err
	}
	return plan.Clone(), nil
}

// GetSubscription returns the subscription at addr.
func (e *Engine) GetSubscription(addr Address) (*Subscription, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sub, err := e.loadSubscriptionAt(addr)
	if err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

func (e *Engine) holdDeposit(owner crypto.Identity) error {
	if e.depositLamports == 0 {
		return nil
	}
	return e.state.HoldDeposit(owner, e.depositLamports)
}

func (e *Engine) refundDeposit(owner crypto.Identity) error {
	if e.depositLamports == 0 {
		return nil
	}
	return e.state.RefundDeposit(owner, e.depositLamports)
}

func (e *Engine) releaseDeposit(owner crypto.Identity) {
	if e.depositLamports == 0 {
		return
	}
	_ = e.state.RefundDeposit(owner, e.depositLamports)
}

func (e *Engine) reholdDeposit(owner crypto.Identity) {
	if e.depositLamports == 0 {
		return
	}
	_ = e.state.HoldDeposit(owner, e.depositLamports)
}

func addInterval(ts int64, intervalSecs uint64) (int64, error) {
	if intervalSecs > math.MaxInt64 {
		return 0, ErrOverflow
	}
	next := ts + int64(intervalSecs)
	if next < ts {
		return 0, ErrOverflow
	}
	return next, nil
}
