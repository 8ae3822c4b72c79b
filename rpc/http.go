// Package rpc exposes the node's marketplace operations over JSON-RPC 2.0.
// Write methods require a bearer token and are rate limited per source;
// read methods are open.
package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"marketd/core"
	"marketd/market"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxWritesPerWin = 30
)

const (
	codeParseError        = -32700
	codeInvalidRequest    = -32600
	codeMethodNotFound    = -32601
	codeInvalidParams     = -32602
	codeServerError       = -32000
	codeUnauthorized      = -32001
	codeRateLimited       = -32020
	codeNotFound          = -32040
	codeIllegalTransition = -32041
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

type Server struct {
	node      *core.Node
	authToken string

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	nowFn        func() time.Time
}

// NewServer wraps a node. An empty token disables all write methods rather
// than opening them.
func NewServer(node *core.Node, authToken string) *Server {
	return &Server{
		node:         node,
		authToken:    strings.TrimSpace(authToken),
		rateLimiters: make(map[string]*rateLimiter),
		nowFn:        time.Now,
	}
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Start serves the endpoint on addr and blocks.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
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

// writeMarketError maps the module error taxonomy onto JSON-RPC codes:
// validation and illegal transitions surface as 400s, unknown identities as
// 404s, anything else as a 500.
func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, market.ErrValidation):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, market.ErrIllegalTransition):
		writeError(w, http.StatusConflict, id, codeIllegalTransition, err.Error(), nil)
	case errors.Is(err, market.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", nil)
	}
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
	case "market_createListing":
		s.writeMethod(w, r, req, s.handleCreateListing)
	case "market_getListing":
		s.handleGetListing(w, req)
	case "market_placeBid":
		s.writeMethod(w, r, req, s.handlePlaceBid)
	case "market_acceptBid":
		s.writeMethod(w, r, req, s.handleAcceptBid)
	case "market_rejectBid":
		s.writeMethod(w, r, req, s.handleRejectBid)
	case "market_cancelBid":
		s.writeMethod(w, r, req, s.handleCancelBid)
	case "market_getBid":
		s.handleGetBid(w, req)
	case "market_lockEscrow":
		s.writeMethod(w, r, req, s.handleLockEscrow)
	case "market_releaseEscrow":
		s.writeMethod(w, r, req, s.handleReleaseEscrow)
	case "market_refundEscrow":
		s.writeMethod(w, r, req, s.handleRefundEscrow)
	case "market_disputeEscrow":
		s.writeMethod(w, r, req, s.handleDisputeEscrow)
	case "market_resolveEscrow":
		s.writeMethod(w, r, req, s.handleResolveEscrow)
	case "market_getOrder":
		s.handleGetOrder(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

// writeMethod gates a state-changing handler behind auth and the per-source
// rate limit.
func (s *Server) writeMethod(w http.ResponseWriter, r *http.Request, req *RPCRequest, handler func(http.ResponseWriter, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if !s.allowSource(clientSource(r), s.nowFn()) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "write rate limit exceeded", nil)
		return
	}
	handler(w, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
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

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxWritesPerWin {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
