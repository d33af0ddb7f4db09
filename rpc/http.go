package rpc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subledger/core/state"
	"subledger/native/billing"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server exposes the billing instruction surface as JSON-RPC 2.0 over HTTP,
// plus health and metrics endpoints.
type Server struct {
	engine *billing.Engine
	state  *state.Manager
	log    *slog.Logger
}

func NewServer(engine *billing.Engine, st *state.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: engine, state: st, log: log}
}

// Router builds the HTTP handler: JSON-RPC at the root, health and
// prometheus metrics alongside.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// Start serves the router until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "read request", err.Error())
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse request", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "jsonrpc must be 2.0")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch req.Method {
	case "billing_createPlan":
		s.handleCreatePlan(w, &req)
	case "billing_createSubscription":
		s.handleCreateSubscription(w, &req)
	case "billing_renew":
		s.handleRenew(w, &req)
	case "billing_cancel":
		s.handleCancel(w, &req)
	case "billing_setAutoRenew":
		s.handleSetAutoRenew(w, &req)
	case "billing_deactivatePlan":
		s.handleDeactivatePlan(w, &req)
	case "billing_closePlan":
		s.handleClosePlan(w, &req)
	case "billing_closeSubscription":
		s.handleCloseSubscription(w, &req)
	case "billing_checkAccess":
		s.handleCheckAccess(w, &req)
	case "billing_getPlan":
		s.handleGetPlan(w, &req)
	case "billing_getSubscription":
		s.handleGetSubscription(w, &req)
	case "billing_listPlans":
		s.handleListPlans(w, &req)
	case "billing_listSubscriptions":
		s.handleListSubscriptions(w, &req)
	case "billing_getBalance":
		s.handleGetBalance(w, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", req.Method)
	}
}
