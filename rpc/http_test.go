package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"subledger/core/state"
	"subledger/crypto"
	"subledger/native/billing"
	"subledger/storage"
)

type testEnv struct {
	t       *testing.T
	server  *httptest.Server
	manager *state.Manager
	now     int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	engine := billing.NewEngine()
	engine.SetState(manager)
	engine.SetRecordDeposit(1000)

	env := &testEnv{t: t, manager: manager, now: 1_700_000_000}
	engine.SetNowFunc(func() int64 { return env.now })

	srv := NewServer(engine, manager, nil)
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) newFundedKey(lamports uint64) *crypto.PrivateKey {
	e.t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(e.t, err)
	require.NoError(e.t, e.manager.Credit(key.PubKey().Identity(), lamports))
	return key
}

func (e *testEnv) call(method string, params interface{}) *RPCResponse {
	e.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(e.t, err)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []json.RawMessage{raw},
	})
	require.NoError(e.t, err)

	resp, err := http.Post(e.server.URL, "application/json", bytes.NewReader(body))
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var out RPCResponse
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

// sign produces the signature field for a mutating call, mirroring the
// canonical message the server rebuilds.
func (e *testEnv) sign(key *crypto.PrivateKey, method string, nonce uint64, args ...string) (caller, signature string) {
	e.t.Helper()
	caller = key.PubKey().Identity().String()
	sig, err := key.Sign(authMessage(method, caller, nonce, args...))
	require.NoError(e.t, err)
	return caller, hex.EncodeToString(sig)
}

func (e *testEnv) nonceOf(key *crypto.PrivateKey) uint64 {
	e.t.Helper()
	acc, err := e.manager.GetAccount(key.PubKey().Identity())
	require.NoError(e.t, err)
	return acc.Nonce
}

func (e *testEnv) createPlan(key *crypto.PrivateKey, planID uint16, amount, interval uint64, name string) planJSON {
	e.t.Helper()
	nonce := e.nonceOf(key)
	caller, sig := e.sign(key, "billing_createPlan", nonce,
		strconv.FormatUint(uint64(planID), 10),
		strconv.FormatUint(amount, 10),
		strconv.FormatUint(interval, 10),
		name,
	)
	resp := e.call("billing_createPlan", map[string]interface{}{
		"caller": caller, "nonce": nonce, "signature": sig,
		"planId": planID, "amountLamports": amount, "intervalSecs": interval, "name": name,
	})
	require.Nil(e.t, resp.Error, "createPlan: %+v", resp.Error)
	var plan planJSON
	requireResult(e.t, resp, &plan)
	return plan
}

func (e *testEnv) subscribe(key *crypto.PrivateKey, planAddr string) subscriptionJSON {
	e.t.Helper()
	nonce := e.nonceOf(key)
	caller, sig := e.sign(key, "billing_createSubscription", nonce, planAddr)
	resp := e.call("billing_createSubscription", map[string]interface{}{
		"caller": caller, "nonce": nonce, "signature": sig, "plan": planAddr,
	})
	require.Nil(e.t, resp.Error, "createSubscription: %+v", resp.Error)
	var sub subscriptionJSON
	requireResult(e.t, resp, &sub)
	return sub
}

func requireResult(t *testing.T, resp *RPCResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestCreatePlanOverRPC(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.newFundedKey(10_000)

	plan := env.createPlan(merchant, 7, 10_000_000, 60, "Test Plan")
	require.True(t, plan.Active)
	require.Equal(t, uint16(7), plan.PlanID)
	require.Equal(t, merchant.PubKey().Identity().String(), plan.Merchant)

	// The nonce moved, so a replay of the same signed request is stale.
	require.Equal(t, uint64(1), env.nonceOf(merchant))
	caller, sig := env.sign(merchant, "billing_createPlan", 0, "7", "10000000", "60", "Test Plan")
	resp := env.call("billing_createPlan", map[string]interface{}{
		"caller": caller, "nonce": 0, "signature": sig,
		"planId": 7, "amountLamports": 10_000_000, "intervalSecs": 60, "name": "Test Plan",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeBillingInvalidParams, resp.Error.Code)
}

func TestBadSignatureRejected(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.newFundedKey(10_000)
	imposter := env.newFundedKey(10_000)

	// imposter signs but claims the merchant's identity.
	caller := merchant.PubKey().Identity().String()
	sig, err := imposter.Sign(authMessage("billing_createPlan", caller, 0, "1", "10", "60", "x"))
	require.NoError(t, err)

	resp := env.call("billing_createPlan", map[string]interface{}{
		"caller": caller, "nonce": 0, "signature": hex.EncodeToString(sig),
		"planId": 1, "amountLamports": 10, "intervalSecs": 60, "name": "x",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeBillingForbidden, resp.Error.Code)
	require.Zero(t, env.nonceOf(merchant))
}

func TestSubscribeRenewCancelOverRPC(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.newFundedKey(10_000)
	subscriber := env.newFundedKey(1_000_000)

	plan := env.createPlan(merchant, 1, 500, 60, "minutely")
	sub := env.subscribe(subscriber, plan.Address)
	require.Equal(t, "active", sub.Status)
	require.Equal(t, sub.StartedAt+60, sub.NextBillingAt)

	// Too early: the engine precondition comes back as a structured error.
	nonce := env.nonceOf(subscriber)
	caller, sig := env.sign(subscriber, "billing_renew", nonce, sub.Address)
	resp := env.call("billing_renew", map[string]interface{}{
		"caller": caller, "nonce": nonce, "signature": sig, "subscription": sub.Address,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeBillingPrecondition, resp.Error.Code)
	require.Equal(t, "renewal_too_early", resp.Error.Message)

	// A failed instruction must not consume the nonce.
	require.Equal(t, nonce, env.nonceOf(subscriber))

	env.now += 60
	resp = env.call("billing_renew", map[string]interface{}{
		"caller": caller, "nonce": nonce, "signature": sig, "subscription": sub.Address,
	})
	require.Nil(t, resp.Error, "renew: %+v", resp.Error)
	var renewed subscriptionJSON
	requireResult(t, resp, &renewed)
	require.Equal(t, sub.NextBillingAt+60, renewed.NextBillingAt)

	nonce = env.nonceOf(subscriber)
	caller, sig = env.sign(subscriber, "billing_cancel", nonce, sub.Address)
	resp = env.call("billing_cancel", map[string]interface{}{
		"caller": caller, "nonce": nonce, "signature": sig, "subscription": sub.Address,
	})
	require.Nil(t, resp.Error, "cancel: %+v", resp.Error)

	resp = env.call("billing_checkAccess", map[string]interface{}{"address": sub.Address})
	require.NotNil(t, resp.Error)
	require.Equal(t, "access_denied", resp.Error.Message)
}

func TestOccupiedAddressCarriesStructuredData(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.newFundedKey(10_000)
	plan := env.createPlan(merchant, 3, 100, 60, "dup")

	nonce := env.nonceOf(merchant)
	caller, sig := env.sign(merchant, "billing_createPlan", nonce, "3", "100", "60", "dup")
	resp := env.call("billing_createPlan", map[string]interface{}{
		"caller": caller, "nonce": nonce, "signature": sig,
		"planId": 3, "amountLamports": 100, "intervalSecs": 60, "name": "dup",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeBillingConflict, resp.Error.Code)
	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok, "error data = %#v", resp.Error.Data)
	require.Equal(t, billing.NamespacePlan, data["namespace"])
	require.Equal(t, plan.Address, data["address"])
}

func TestQueriesNeedNoSignature(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.newFundedKey(10_000)
	plan := env.createPlan(merchant, 9, 250, 3600, "hourly")

	resp := env.call("billing_getPlan", map[string]interface{}{"address": plan.Address})
	require.Nil(t, resp.Error)
	var got planJSON
	requireResult(t, resp, &got)
	require.Equal(t, plan, got)

	resp = env.call("billing_listPlans", map[string]interface{}{"owner": plan.Merchant})
	require.Nil(t, resp.Error)
	var plans []planJSON
	requireResult(t, resp, &plans)
	require.Len(t, plans, 1)

	resp = env.call("billing_getBalance", map[string]interface{}{"owner": plan.Merchant})
	require.Nil(t, resp.Error)
	var bal balanceResult
	requireResult(t, resp, &bal)
	require.Equal(t, "9000", bal.BalanceLamports)
	require.Equal(t, "1000", bal.DepositedLamports)
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call("billing_reprice", map[string]interface{}{})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(fmt.Sprintf("%s/healthz", env.server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
