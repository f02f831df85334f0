package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gatewayauth "bountychain/gateway/auth"
	"bountychain/gateway/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	nodeCallTimeout      = 15 * time.Second
)

// Server is the REST front-end mediating between integrators and the node RPC.
type Server struct {
	authenticator *gatewayauth.Authenticator
	node          NodeClient
	store         *SQLiteStore
	router        chi.Router
	nowFn         func() time.Time
}

func NewServer(cfg Config, auth *gatewayauth.Authenticator, node NodeClient, store *SQLiteStore, logger *slog.Logger) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	s := &Server{
		authenticator: auth,
		node:          node,
		store:         store,
		nowFn:         time.Now,
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "bounty-gateway",
		LogRequests: cfg.LogRequests,
	}, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"mutations": {RatePerSecond: cfg.MutationLimit.RatePerSecond, Burst: cfg.MutationLimit.Burst},
		"reads":     {RatePerSecond: cfg.ReadLimit.RatePerSecond, Burst: cfg.ReadLimit.Burst},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(middleware.CORSConfig{}))
	r.Route("/v1/bounties", func(vr chi.Router) {
		vr.Group(func(mr chi.Router) {
			mr.Use(limiter.Middleware("mutations"))
			mr.Use(obs.Middleware("mutations"))
			mr.Post("/", s.handleCreateBounty)
			mr.Post("/{id}/submissions", s.handleSubmitWork)
			mr.Post("/{id}/verify", s.handleVerify)
			mr.Post("/{id}/cancel", s.handleCancel)
		})
		vr.Group(func(gr chi.Router) {
			gr.Use(limiter.Middleware("reads"))
			gr.Use(obs.Middleware("reads"))
			gr.Get("/", s.handleListBounties)
			gr.Get("/{id}", s.handleGetBounty)
			gr.Get("/{id}/submissions", s.handleListSubmissions)
		})
	})
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", obs.MetricsHandler())
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// mutation carries the authenticated state threaded through a mutating request.
type mutation struct {
	principal   *gatewayauth.Principal
	body        []byte
	idemKey     string
	requestHash string
}

// beginMutation authenticates the request and resolves idempotency. A false
// return means the response has already been written (auth failure, missing
// key, replay, or hash mismatch).
func (s *Server) beginMutation(w http.ResponseWriter, r *http.Request) (*mutation, bool) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorBody(err))
		return nil, false
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return nil, false
	}
	requestHash := hashRequest(r.Method, gatewayauth.CanonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, errorBody(cacheErr))
		return nil, false
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return nil, false
	}
	return &mutation{principal: principal, body: body, idemKey: key, requestHash: requestHash}, true
}

// failMutation writes an error response and audits it.
func (s *Server) failMutation(w http.ResponseWriter, r *http.Request, m *mutation, status int, err error) {
	s.writeError(w, status, err)
	s.audit(r.Context(), m.principal, r, m.body, status, errorBody(err))
}

// finishMutation caches the response under the idempotency key, writes it,
// and audits the exchange.
func (s *Server) finishMutation(w http.ResponseWriter, r *http.Request, m *mutation, status int, payload []byte) {
	if err := s.store.SaveIdempotency(r.Context(), m.principal.APIKey, m.idemKey, m.requestHash, status, payload); err != nil {
		s.failMutation(w, r, m, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r.Context(), m.principal, r, m.body, status, payload)
}

func (s *Server) handleCreateBounty(w http.ResponseWriter, r *http.Request) {
	m, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	var req BountyCreateRequest
	if err := json.Unmarshal(m.body, &req); err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if err := validateBountyCreate(req); err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	created, err := s.node.BountyCreate(ctx, req)
	if err != nil {
		s.failMutation(w, r, m, statusForNodeError(err), err)
		return
	}
	payload, err := json.Marshal(created)
	if err != nil {
		s.failMutation(w, r, m, http.StatusInternalServerError, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusCreated, payload)
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	m, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	id, err := parseIDParam(r)
	if err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, err)
		return
	}
	var req SubmitWorkRequest
	if err := json.Unmarshal(m.body, &req); err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.Submitter) == "" {
		s.failMutation(w, r, m, http.StatusBadRequest, errors.New("submitter is required"))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.failMutation(w, r, m, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	sub, err := s.node.BountySubmit(ctx, id, req)
	if err != nil {
		s.failMutation(w, r, m, statusForNodeError(err), err)
		return
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		s.failMutation(w, r, m, http.StatusInternalServerError, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusCreated, payload)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	m, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	id, err := parseIDParam(r)
	if err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, err)
		return
	}
	var req VerifyRequest
	if err := json.Unmarshal(m.body, &req); err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.Submitter) == "" {
		s.failMutation(w, r, m, http.StatusBadRequest, errors.New("submitter is required"))
		return
	}
	if strings.TrimSpace(req.Caller) == "" {
		s.failMutation(w, r, m, http.StatusBadRequest, errors.New("caller is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	b, err := s.node.BountyVerify(ctx, id, req.Submitter, req.Caller)
	if err != nil {
		s.failMutation(w, r, m, statusForNodeError(err), err)
		return
	}
	payload, err := json.Marshal(b)
	if err != nil {
		s.failMutation(w, r, m, http.StatusInternalServerError, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusOK, payload)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.beginMutation(w, r)
	if !ok {
		return
	}
	id, err := parseIDParam(r)
	if err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, err)
		return
	}
	var req CancelRequest
	if err := json.Unmarshal(m.body, &req); err != nil {
		s.failMutation(w, r, m, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.Caller) == "" {
		s.failMutation(w, r, m, http.StatusBadRequest, errors.New("caller is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	b, err := s.node.BountyCancel(ctx, id, req.Caller)
	if err != nil {
		s.failMutation(w, r, m, statusForNodeError(err), err)
		return
	}
	payload, err := json.Marshal(b)
	if err != nil {
		s.failMutation(w, r, m, http.StatusInternalServerError, err)
		return
	}
	s.finishMutation(w, r, m, http.StatusOK, payload)
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	b, err := s.node.BountyGet(ctx, id)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBounties(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status := strings.TrimSpace(query.Get("status"))
	offset, err := parseQueryUint(query.Get("offset"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %w", err))
		return
	}
	limit, err := parseQueryUint(query.Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	page, err := s.node.BountyList(ctx, status, offset, limit)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	if page.Bounties == nil {
		page.Bounties = []BountyState{}
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	subs, err := s.node.BountySubmissions(ctx, id)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	if subs == nil {
		subs = []SubmissionState{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"bountyId": id, "submissions": subs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "bounty-gateway"})
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) audit(ctx context.Context, principal *gatewayauth.Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           gatewayauth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	_ = s.store.InsertAuditLog(ctx, entry)
}

func validateBountyCreate(req BountyCreateRequest) error {
	if strings.TrimSpace(req.Creator) == "" {
		return errors.New("creator is required")
	}
	if strings.TrimSpace(req.Amount) == "" {
		return errors.New("amount is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return errors.New("title is required")
	}
	if req.Deadline == 0 {
		return errors.New("deadline is required")
	}
	return nil
}

// statusForNodeError translates the node's JSON-RPC error codes into REST
// statuses. Transport failures surface as 502.
func statusForNodeError(err error) int {
	var rpcErr *NodeRPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32061:
			return http.StatusBadRequest
		case -32062:
			return http.StatusNotFound
		case -32063:
			return http.StatusForbidden
		case -32064:
			return http.StatusConflict
		}
	}
	return http.StatusBadGateway
}

func parseIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid bounty id %q", raw)
	}
	return id, nil
}

func parseQueryUint(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
