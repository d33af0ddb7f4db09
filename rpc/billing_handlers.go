package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"subledger/crypto"
	"subledger/native/billing"
	"subledger/observability"
)

const (
	codeBillingInvalidParams = -32041
	codeBillingNotFound      = -32042
	codeBillingForbidden     = -32043
	codeBillingConflict      = -32044
	codeBillingPrecondition  = -32045
	codeBillingInternal      = -32046
)

type signedParams struct {
	Caller    string `json:"caller"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type createPlanParams struct {
	signedParams
	PlanID         uint16 `json:"planId"`
	AmountLamports uint64 `json:"amountLamports"`
	IntervalSecs   uint64 `json:"intervalSecs"`
	Name           string `json:"name"`
}

type planRefParams struct {
	signedParams
	Plan string `json:"plan"`
}

type subscriptionRefParams struct {
	signedParams
	Subscription string `json:"subscription"`
}

type setAutoRenewParams struct {
	signedParams
	Subscription string `json:"subscription"`
	AutoRenew    bool   `json:"autoRenew"`
}

type addressParams struct {
	Address string `json:"address"`
}

type ownerParams struct {
	Owner string `json:"owner"`
}

type planJSON struct {
	Address        string `json:"address"`
	Merchant       string `json:"merchant"`
	PlanID         uint16 `json:"planId"`
	AmountLamports uint64 `json:"amountLamports"`
	IntervalSecs   uint64 `json:"intervalSecs"`
	Name           string `json:"name"`
	Active         bool   `json:"active"`
}

type subscriptionJSON struct {
	Address        string `json:"address"`
	Subscriber     string `json:"subscriber"`
	Plan           string `json:"plan"`
	AmountLamports uint64 `json:"amountLamports"`
	IntervalSecs   uint64 `json:"intervalSecs"`
	NextBillingAt  int64  `json:"nextBillingAt"`
	StartedAt      int64  `json:"startedAt"`
	Status         string `json:"status"`
	AutoRenew      bool   `json:"autoRenew"`
}

type okResult struct {
	OK bool `json:"ok"`
}

func planToJSON(addr billing.Address, p *billing.Plan) planJSON {
	return planJSON{
		Address:        addr.String(),
		Merchant:       p.Merchant.String(),
		PlanID:         p.PlanID,
		AmountLamports: p.AmountLamports,
		IntervalSecs:   p.IntervalSecs,
		Name:           p.Name,
		Active:         p.Active,
	}
}

func subscriptionToJSON(addr billing.Address, s *billing.Subscription) subscriptionJSON {
	return subscriptionJSON{
		Address:        addr.String(),
		Subscriber:     s.Subscriber.String(),
		Plan:           s.Plan.String(),
		AmountLamports: s.AmountLamports,
		IntervalSecs:   s.IntervalSecs,
		NextBillingAt:  s.NextBillingAt,
		StartedAt:      s.StartedAt,
		Status:         s.Status.String(),
		AutoRenew:      s.AutoRenew,
	}
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

// authMessage is the canonical byte string a caller signs for a mutating
// instruction: method, caller, nonce and the instruction arguments joined
// with pipes. Both sides rebuild it independently.
func authMessage(method, caller string, nonce uint64, args ...string) []byte {
	parts := make([]string, 0, len(args)+3)
	parts = append(parts, method, caller, strconv.FormatUint(nonce, 10))
	parts = append(parts, args...)
	return []byte(strings.Join(parts, "|"))
}

// authorize verifies the signature against the claimed caller identity and
// enforces the account nonce for replay protection. The nonce is only
// consumed after the instruction succeeds, via bumpNonce.
func (s *Server) authorize(p signedParams, method string, args ...string) (crypto.Identity, *RPCError) {
	caller, err := crypto.DecodeIdentity(strings.TrimSpace(p.Caller))
	if err != nil {
		return crypto.Identity{}, &RPCError{Code: codeBillingInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(p.Signature), "0x"))
	if err != nil {
		return crypto.Identity{}, &RPCError{Code: codeBillingInvalidParams, Message: "invalid_params", Data: "signature must be hex"}
	}
	if !crypto.VerifyIdentity(caller, authMessage(method, p.Caller, p.Nonce, args...), sig) {
		return crypto.Identity{}, &RPCError{Code: codeBillingForbidden, Message: "forbidden", Data: "signature does not match caller"}
	}
	acc, err := s.state.GetAccount(caller)
	if err != nil {
		return crypto.Identity{}, &RPCError{Code: codeBillingInternal, Message: "server_error", Data: err.Error()}
	}
	if acc.Nonce != p.Nonce {
		return crypto.Identity{}, &RPCError{Code: codeBillingInvalidParams, Message: "invalid_params", Data: "stale nonce"}
	}
	return caller, nil
}

func (s *Server) bumpNonce(caller crypto.Identity) {
	acc, err := s.state.GetAccount(caller)
	if err != nil {
		s.log.Error("load account for nonce bump", "caller", caller.String(), "err", err)
		return
	}
	acc.Nonce++
	if err := s.state.PutAccount(caller, acc); err != nil {
		s.log.Error("persist nonce bump", "caller", caller.String(), "err", err)
	}
}

// errKind buckets an engine failure into its taxonomy kind for metrics and
// RPC error codes.
func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, billing.ErrAddressOccupied):
		return "address_occupied"
	case errors.Is(err, billing.ErrNotFound):
		return "not_found"
	case errors.Is(err, billing.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, billing.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, billing.ErrInvalidRecord):
		return "invalid_record"
	case errors.Is(err, billing.ErrRenewalTooEarly):
		return "renewal_too_early"
	case errors.Is(err, billing.ErrSubscriptionNotActive):
		return "subscription_not_active"
	case errors.Is(err, billing.ErrPlanInactive):
		return "plan_inactive"
	case errors.Is(err, billing.ErrPlanStillActive):
		return "plan_still_active"
	case errors.Is(err, billing.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, billing.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, billing.ErrOverflow):
		return "overflow"
	default:
		return "internal"
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	kind := errKind(err)
	status := http.StatusBadRequest
	code := codeBillingInternal
	switch kind {
	case "not_found":
		status, code = http.StatusNotFound, codeBillingNotFound
	case "unauthorized":
		status, code = http.StatusForbidden, codeBillingForbidden
	case "address_occupied":
		status, code = http.StatusConflict, codeBillingConflict
	case "invalid_argument", "invalid_record":
		status, code = http.StatusBadRequest, codeBillingInvalidParams
	case "renewal_too_early", "subscription_not_active", "plan_inactive", "plan_still_active", "access_denied", "transfer_failed", "overflow":
		status, code = http.StatusConflict, codeBillingPrecondition
	case "internal":
		status, code = http.StatusInternalServerError, codeBillingInternal
	}
	data := interface{}(err.Error())
	var occupied *billing.OccupiedError
	if errors.As(err, &occupied) {
		data = map[string]string{
			"namespace": occupied.Namespace,
			"address":   occupied.Address.String(),
		}
	}
	writeError(w, status, id, code, kind, data)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params createPlanParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_createPlan",
		strconv.FormatUint(uint64(params.PlanID), 10),
		strconv.FormatUint(params.AmountLamports, 10),
		strconv.FormatUint(params.IntervalSecs, 10),
		params.Name,
	)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	plan, err := s.engine.CreatePlan(caller, params.PlanID, params.AmountLamports, params.IntervalSecs, params.Name)
	observability.Instructions().Observe("create_plan", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	addr, _ := billing.DerivePlanAddress(caller, params.PlanID)
	writeResult(w, req.ID, planToJSON(addr, plan))
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params planRefParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	planAddr, err := billing.DecodeAddress(strings.TrimSpace(params.Plan))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_createSubscription", params.Plan)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	sub, err := s.engine.CreateSubscription(caller, planAddr)
	observability.Instructions().Observe("create_subscription", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	addr, _ := billing.DeriveSubscriptionAddress(caller, planAddr)
	writeResult(w, req.ID, subscriptionToJSON(addr, sub))
}

func (s *Server) handleRenew(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params subscriptionRefParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	subAddr, err := billing.DecodeAddress(strings.TrimSpace(params.Subscription))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_renew", params.Subscription)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	sub, err := s.engine.Renew(caller, subAddr)
	observability.Instructions().Observe("renew", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	writeResult(w, req.ID, subscriptionToJSON(subAddr, sub))
}

func (s *Server) handleCancel(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params subscriptionRefParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	subAddr, err := billing.DecodeAddress(strings.TrimSpace(params.Subscription))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_cancel", params.Subscription)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	sub, err := s.engine.Cancel(caller, subAddr)
	observability.Instructions().Observe("cancel", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	writeResult(w, req.ID, subscriptionToJSON(subAddr, sub))
}

func (s *Server) handleSetAutoRenew(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params setAutoRenewParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	subAddr, err := billing.DecodeAddress(strings.TrimSpace(params.Subscription))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_setAutoRenew", params.Subscription, strconv.FormatBool(params.AutoRenew))
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	sub, err := s.engine.SetAutoRenew(caller, subAddr, params.AutoRenew)
	observability.Instructions().Observe("set_auto_renew", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	writeResult(w, req.ID, subscriptionToJSON(subAddr, sub))
}

func (s *Server) handleDeactivatePlan(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params planRefParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	planAddr, err := billing.DecodeAddress(strings.TrimSpace(params.Plan))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_deactivatePlan", params.Plan)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	plan, err := s.engine.DeactivatePlan(caller, planAddr)
	observability.Instructions().Observe("deactivate_plan", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	writeResult(w, req.ID, planToJSON(planAddr, plan))
}

func (s *Server) handleClosePlan(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params planRefParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	planAddr, err := billing.DecodeAddress(strings.TrimSpace(params.Plan))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_closePlan", params.Plan)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err = s.engine.ClosePlan(caller, planAddr)
	observability.Instructions().Observe("close_plan", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleCloseSubscription(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params subscriptionRefParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	subAddr, err := billing.DecodeAddress(strings.TrimSpace(params.Subscription))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := s.authorize(params.signedParams, "billing_closeSubscription", params.Subscription)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err = s.engine.CloseSubscription(caller, subAddr)
	observability.Instructions().Observe("close_subscription", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.bumpNonce(caller)
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, req *RPCRequest) {
	start := time.Now()
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := billing.DecodeAddress(strings.TrimSpace(params.Address))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	err = s.engine.CheckAccess(addr)
	observability.Instructions().Observe("check_access", start, errKind(err))
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, req *RPCRequest) {
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := billing.DecodeAddress(strings.TrimSpace(params.Address))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	plan, err := s.engine.GetPlan(addr)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, planToJSON(addr, plan))
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, req *RPCRequest) {
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := billing.DecodeAddress(strings.TrimSpace(params.Address))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	sub, err := s.engine.GetSubscription(addr)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, subscriptionToJSON(addr, sub))
}

func (s *Server) handleListPlans(w http.ResponseWriter, req *RPCRequest) {
	var params ownerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := crypto.DecodeIdentity(strings.TrimSpace(params.Owner))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	plans, err := s.state.PlansByMerchant(owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeBillingInternal, "server_error", err.Error())
		return
	}
	out := make([]planJSON, 0, len(plans))
	for addr, plan := range plans {
		out = append(out, planToJSON(addr, plan))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, req *RPCRequest) {
	var params ownerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := crypto.DecodeIdentity(strings.TrimSpace(params.Owner))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	subs, err := s.state.SubscriptionsBySubscriber(owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeBillingInternal, "server_error", err.Error())
		return
	}
	out := make([]subscriptionJSON, 0, len(subs))
	for addr, sub := range subs {
		out = append(out, subscriptionToJSON(addr, sub))
	}
	writeResult(w, req.ID, out)
}

type balanceResult struct {
	Address           string `json:"address"`
	BalanceLamports   string `json:"balanceLamports"`
	DepositedLamports string `json:"depositedLamports"`
	Nonce             uint64 `json:"nonce"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	var params ownerParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := crypto.DecodeIdentity(strings.TrimSpace(params.Owner))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return
	}
	acc, err := s.state.GetAccount(owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeBillingInternal, "server_error", err.Error())
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address:           owner.String(),
		BalanceLamports:   acc.BalanceLamports.String(),
		DepositedLamports: acc.DepositedLamports.String(),
		Nonce:             acc.Nonce,
	})
}
