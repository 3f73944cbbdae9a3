package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"p2prent/native/factory"
	"p2prent/native/registry"
	"p2prent/native/rental"
	"p2prent/observability/metrics"
	"p2prent/storage"
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
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the rental engine, factory and moderator registry over
// JSON-RPC 2.0.
type Server struct {
	engine   *rental.Engine
	registry *registry.Registry
	factory  *factory.Factory
	store    *storage.Store

	authToken string
	metrics   *metrics.RentalMetrics
}

func NewServer(engine *rental.Engine, reg *registry.Registry, fac *factory.Factory, store *storage.Store, authToken string) *Server {
	return &Server{
		engine:    engine,
		registry:  reg,
		factory:   fac,
		store:     store,
		authToken: strings.TrimSpace(authToken),
		metrics:   metrics.Rental(),
	}
}

// Handler returns the HTTP handler serving the RPC endpoint alongside the
// node's Prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
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

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "rental_create":
		s.authed(w, r, req, s.handleRentalCreate)
	case "rental_deposit":
		s.authed(w, r, req, s.handleRentalDeposit)
	case "rental_finish":
		s.authed(w, r, req, s.handleRentalFinish)
	case "rental_payment":
		s.authed(w, r, req, s.handleRentalPayment)
	case "rental_cancel":
		s.authed(w, r, req, s.handleRentalCancel)
	case "rental_resolveCancel":
		s.authed(w, r, req, s.handleRentalResolveCancel)
	case "rental_abort":
		s.authed(w, r, req, s.handleRentalAbort)
	case "rental_pause":
		s.authed(w, r, req, s.handleRentalPause)
	case "rental_unpause":
		s.authed(w, r, req, s.handleRentalUnpause)
	case "rental_setTokenWallet":
		s.authed(w, r, req, s.handleRentalSetTokenWallet)
	case "rental_get":
		s.timed(req.Method, w, r, req, s.handleRentalGet)
	case "rental_isPaused":
		s.timed(req.Method, w, r, req, s.handleRentalIsPaused)
	case "rental_pauseDuration":
		s.timed(req.Method, w, r, req, s.handleRentalPauseDuration)
	case "registry_add":
		s.authed(w, r, req, s.handleRegistryAdd)
	case "registry_remove":
		s.authed(w, r, req, s.handleRegistryRemove)
	case "registry_replace":
		s.authed(w, r, req, s.handleRegistryReplace)
	case "registry_owner":
		s.timed(req.Method, w, r, req, s.handleRegistryOwner)
	case "registry_isModerator":
		s.timed(req.Method, w, r, req, s.handleRegistryIsModerator)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) authed(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	s.timed(req.Method, w, r, req, next)
}

func (s *Server) timed(method string, w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	defer s.metrics.ObserveRequest(method, time.Now())
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}
