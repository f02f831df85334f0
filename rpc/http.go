package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bountychain/core"
	"bountychain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	defaultRateLimitWindow   = time.Minute
	defaultMutationsPerQuota = 60
	rateLimiterStaleAfter    = 10 * time.Minute
	rateLimiterMaxEntries    = 4096
	maxForwardedForAddrs     = 16
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig tunes the JSON-RPC server. Zero values fall back to safe
// defaults; the auth token falls back to the BOUNTY_RPC_TOKEN environment
// variable.
type ServerConfig struct {
	AuthToken string

	// TrustProxyHeaders honors X-Forwarded-For from any peer. Prefer
	// TrustedProxies, which only honors the header when the direct peer is
	// one of the listed addresses.
	TrustProxyHeaders bool
	TrustedProxies    []string

	RateLimitWindow    time.Duration
	MutationsPerWindow int
	ReadHeaderTimeout  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
}

type rateLimiter struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// Server exposes the bounty engine over JSON-RPC 2.0.
type Server struct {
	node *core.Node
	cfg  ServerConfig

	authToken      string
	trustedProxies map[string]struct{}

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer wires the node into a fresh RPC server.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("BOUNTY_RPC_TOKEN"))
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	if cfg.MutationsPerWindow <= 0 {
		cfg.MutationsPerWindow = defaultMutationsPerQuota
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if cleaned := strings.TrimSpace(proxy); cleaned != "" {
			trusted[cleaned] = struct{}{}
		}
	}
	return &Server{
		node:           node,
		cfg:            cfg,
		authToken:      token,
		trustedProxies: trusted,
		rateLimiters:   make(map[string]*rateLimiter),
	}
}

// Handler returns the full HTTP surface: JSON-RPC at /, the websocket event
// stream at /ws/events, and prometheus metrics at /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves until the listener fails or Shutdown is
// called.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve runs the HTTP server on the provided listener.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	return srv.Serve(listener)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func isMutation(method string) bool {
	switch method {
	case "bounty_create", "bounty_submitWork", "bounty_verify", "bounty_cancel",
		"bounty_addVerifier", "bounty_removeVerifier":
		return true
	}
	return false
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = recorder
	method := "unknown"
	defer func() {
		observability.RPCMetrics().Observe(method, recorder.status, time.Since(started))
	}()

	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

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
	method = req.Method

	if isMutation(req.Method) {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSource(s.clientSource(r), time.Now()) {
			observability.RPCMetrics().RecordThrottle(req.Method, "rate_limit")
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return
		}
	}

	switch req.Method {
	case "bounty_create":
		s.handleBountyCreate(w, r, req)
	case "bounty_submitWork":
		s.handleBountySubmitWork(w, r, req)
	case "bounty_verify":
		s.handleBountyVerify(w, r, req)
	case "bounty_cancel":
		s.handleBountyCancel(w, r, req)
	case "bounty_addVerifier":
		s.handleBountyAddVerifier(w, r, req)
	case "bounty_removeVerifier":
		s.handleBountyRemoveVerifier(w, r, req)
	case "bounty_get":
		s.handleBountyGet(w, r, req)
	case "bounty_getSubmission":
		s.handleBountyGetSubmission(w, r, req)
	case "bounty_listSubmissions":
		s.handleBountyListSubmissions(w, r, req)
	case "bounty_list":
		s.handleBountyList(w, r, req)
	case "bounty_isVerifier":
		s.handleBountyIsVerifier(w, r, req)
	case "bounty_owner":
		s.handleBountyOwner(w, r, req)
	case "bounty_nextId":
		s.handleBountyNextID(w, r, req)
	case "bounty_count":
		s.handleBountyCount(w, r, req)
	case "bounty_getBalance":
		s.handleBountyGetBalance(w, r, req)
	case "bounty_events":
		s.handleBountyEvents(w, r, req)
	case "chain_height":
		s.handleChainHeight(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
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
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, limiter := range s.rateLimiters {
		if now.Sub(limiter.lastSeen) > rateLimiterStaleAfter {
			delete(s.rateLimiters, key)
		}
	}

	limiter, ok := s.rateLimiters[source]
	if !ok {
		if len(s.rateLimiters) >= rateLimiterMaxEntries {
			s.evictOldestLimiterLocked()
		}
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	limiter.lastSeen = now
	if now.Sub(limiter.windowStart) >= s.cfg.RateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.cfg.MutationsPerWindow {
		return false
	}
	limiter.count++
	return true
}

func (s *Server) evictOldestLimiterLocked() {
	var oldestKey string
	var oldestSeen time.Time
	first := true
	for key, limiter := range s.rateLimiters {
		if first || limiter.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = limiter.lastSeen
			first = false
		}
	}
	if !first {
		delete(s.rateLimiters, oldestKey)
	}
}

// clientSource resolves the address used for rate limiting. X-Forwarded-For
// is only honored when the direct peer is a trusted proxy, or the server was
// explicitly configured to trust proxy headers.
func (s *Server) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}

	trusted := s.cfg.TrustProxyHeaders
	if !trusted {
		_, trusted = s.trustedProxies[host]
	}
	if !trusted {
		return host
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return host
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return host
	}
	candidate := strings.TrimSpace(parts[0])
	if candidate == "" {
		return host
	}
	if cleaned, _, err := net.SplitHostPort(candidate); err == nil {
		return cleaned
	}
	return candidate
}
