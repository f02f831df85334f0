package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gatewayauth "bountychain/gateway/auth"
)

var testBase = time.Unix(1700000000, 0).UTC()

type mockNodeClient struct {
	mu sync.Mutex

	createResp *BountyState
	createErr  error
	submitResp *SubmissionState
	submitErr  error
	verifyResp *BountyState
	verifyErr  error
	cancelResp *BountyState
	cancelErr  error
	getResp    *BountyState
	getErr     error
	listResp   *BountyPage
	listErr    error
	subsResp   []SubmissionState
	subsErr    error

	createCalls int
	submitCalls int
	verifyCalls int
	cancelCalls int
}

func (m *mockNodeClient) BountyCreate(ctx context.Context, req BountyCreateRequest) (*BountyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	if m.createResp != nil {
		resp := *m.createResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) BountySubmit(ctx context.Context, id uint64, req SubmitWorkRequest) (*SubmissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitCalls++
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	if m.submitResp != nil {
		resp := *m.submitResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) BountyVerify(ctx context.Context, id uint64, submitter, caller string) (*BountyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyCalls++
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	if m.verifyResp != nil {
		resp := *m.verifyResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) BountyCancel(ctx context.Context, id uint64, caller string) (*BountyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	if m.cancelResp != nil {
		resp := *m.cancelResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) BountyGet(ctx context.Context, id uint64) (*BountyState, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getResp != nil {
		resp := *m.getResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) BountyList(ctx context.Context, status string, offset, limit uint64) (*BountyPage, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.listResp != nil {
		resp := *m.listResp
		return &resp, nil
	}
	return &BountyPage{}, nil
}

func (m *mockNodeClient) BountySubmissions(ctx context.Context, id uint64) ([]SubmissionState, error) {
	if m.subsErr != nil {
		return nil, m.subsErr
	}
	return append([]SubmissionState(nil), m.subsResp...), nil
}

func newTestServer(t *testing.T, node NodeClient) (*Server, *SQLiteStore) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	auth := gatewayauth.NewAuthenticator(map[string]string{"test": "secret"}, time.Minute, 2*time.Minute, 64, func() time.Time {
		return testBase
	})
	cfg := Config{
		MutationLimit: RateLimitConfig{RatePerSecond: 100, Burst: 100},
		ReadLimit:     RateLimitConfig{RatePerSecond: 100, Burst: 100},
	}
	server := NewServer(cfg, auth, node, store, nil)
	return server, store
}

// signedRequest builds a request carrying valid HMAC headers. seq keeps the
// per-key timestamp strictly increasing across requests within one test.
func signedRequest(method, target string, body []byte, idemKey string, seq int) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", testBase.Add(time.Duration(seq)*time.Second).Unix())
	nonce := fmt.Sprintf("nonce-%d", seq)
	sig := gatewayauth.ComputeSignature("secret", timestamp, nonce, method, gatewayauth.CanonicalRequestPath(req), body)
	req.Header.Set(gatewayauth.HeaderAPIKey, "test")
	req.Header.Set(gatewayauth.HeaderTimestamp, timestamp)
	req.Header.Set(gatewayauth.HeaderNonce, nonce)
	req.Header.Set(gatewayauth.HeaderSignature, hex.EncodeToString(sig))
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}
	return req
}

func createBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(BountyCreateRequest{
		Creator:  "nhb1creator",
		Amount:   "1000000",
		Title:    "Fix flaky websocket test",
		Deadline: 5000,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestMutationRejectsInvalidSignature(t *testing.T) {
	node := &mockNodeClient{createResp: &BountyState{ID: 1}}
	server, _ := newTestServer(t, node)

	req := httptest.NewRequest(http.MethodPost, "/v1/bounties", bytes.NewReader(createBody(t)))
	req.Header.Set(gatewayauth.HeaderAPIKey, "test")
	req.Header.Set(gatewayauth.HeaderTimestamp, fmt.Sprintf("%d", testBase.Unix()))
	req.Header.Set(gatewayauth.HeaderNonce, "nonce-bad")
	req.Header.Set(gatewayauth.HeaderSignature, "deadbeef")
	req.Header.Set(headerIdempotencyKey, "idem-1")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if node.createCalls != 0 {
		t.Fatalf("node should not be reached, got %d calls", node.createCalls)
	}
}

func TestMutationRequiresIdempotencyKey(t *testing.T) {
	node := &mockNodeClient{createResp: &BountyState{ID: 1}}
	server, _ := newTestServer(t, node)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/bounties", createBody(t), "", 1))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if node.createCalls != 0 {
		t.Fatalf("node should not be reached, got %d calls", node.createCalls)
	}
}

func TestCreateBountyIdempotentReplay(t *testing.T) {
	node := &mockNodeClient{createResp: &BountyState{ID: 7, Creator: "nhb1creator", Amount: "1000000", Status: "open"}}
	server, _ := newTestServer(t, node)
	body := createBody(t)

	rec1 := httptest.NewRecorder()
	server.ServeHTTP(rec1, signedRequest(http.MethodPost, "/v1/bounties", body, "idem-create", 1))
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec1.Code, rec1.Body.String())
	}
	if node.createCalls != 1 {
		t.Fatalf("expected one node call, got %d", node.createCalls)
	}

	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, signedRequest(http.MethodPost, "/v1/bounties", body, "idem-create", 2))
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201, got %d", rec2.Code)
	}
	if node.createCalls != 1 {
		t.Fatalf("replay must not reach the node, got %d calls", node.createCalls)
	}
	if !bytes.Equal(rec1.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("replayed response differs from original")
	}
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	node := &mockNodeClient{createResp: &BountyState{ID: 7}}
	server, _ := newTestServer(t, node)

	rec1 := httptest.NewRecorder()
	server.ServeHTTP(rec1, signedRequest(http.MethodPost, "/v1/bounties", createBody(t), "idem-shared", 1))
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec1.Code)
	}

	other, _ := json.Marshal(BountyCreateRequest{Creator: "nhb1other", Amount: "5", Title: "Different", Deadline: 9000})
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, signedRequest(http.MethodPost, "/v1/bounties", other, "idem-shared", 2))
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec2.Code)
	}
	if node.createCalls != 1 {
		t.Fatalf("conflicting reuse must not reach the node, got %d calls", node.createCalls)
	}
}

func TestCreateValidationMissingFields(t *testing.T) {
	node := &mockNodeClient{createResp: &BountyState{ID: 1}}
	server, _ := newTestServer(t, node)

	body, _ := json.Marshal(BountyCreateRequest{Creator: "nhb1creator", Amount: "10", Deadline: 5000})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/bounties", body, "idem-val", 1))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if node.createCalls != 0 {
		t.Fatalf("invalid payload must not reach the node, got %d calls", node.createCalls)
	}
}

func TestNodeErrorCodesMapToRESTStatuses(t *testing.T) {
	cases := []struct {
		name string
		code int
		want int
	}{
		{"invalid params", -32061, http.StatusBadRequest},
		{"not found", -32062, http.StatusNotFound},
		{"unauthorized", -32063, http.StatusForbidden},
		{"conflict", -32064, http.StatusConflict},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := &mockNodeClient{verifyErr: &NodeRPCError{Code: tc.code, Message: tc.name}}
			server, _ := newTestServer(t, node)

			body, _ := json.Marshal(VerifyRequest{Submitter: "nhb1worker", Caller: "nhb1creator"})
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/bounties/3/verify", body, "idem-map", i+1))
			if rec.Code != tc.want {
				t.Fatalf("code %d: expected %d, got %d", tc.code, tc.want, rec.Code)
			}
		})
	}
}

func TestNodeTransportFailureIsBadGateway(t *testing.T) {
	node := &mockNodeClient{cancelErr: fmt.Errorf("connection refused")}
	server, _ := newTestServer(t, node)

	body, _ := json.Marshal(CancelRequest{Caller: "nhb1creator"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/bounties/3/cancel", body, "idem-502", 1))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestGetBountyReadRequiresNoAuth(t *testing.T) {
	node := &mockNodeClient{getResp: &BountyState{ID: 5, Creator: "nhb1creator", Amount: "42", Status: "completed", Winner: "nhb1worker"}}
	server, _ := newTestServer(t, node)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/bounties/5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got BountyState
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 5 || got.Winner != "nhb1worker" {
		t.Fatalf("unexpected bounty payload: %+v", got)
	}
}

func TestGetBountyRejectsBadID(t *testing.T) {
	server, _ := newTestServer(t, &mockNodeClient{})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/bounties/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListSubmissionsReturnsEmptyArray(t *testing.T) {
	server, _ := newTestServer(t, &mockNodeClient{})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/bounties/9/submissions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"submissions":[]`) {
		t.Fatalf("expected empty submissions array, got %s", rec.Body.String())
	}
}

func TestListBountiesRejectsBadOffset(t *testing.T) {
	server, _ := newTestServer(t, &mockNodeClient{})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/bounties?offset=notanumber", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	node := &mockNodeClient{submitResp: &SubmissionState{BountyID: 4, Submitter: "nhb1worker"}}
	server, store := newTestServer(t, node)

	body, _ := json.Marshal(SubmitWorkRequest{Submitter: "nhb1worker", URL: "https://example.com/pr/1"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/bounties/4/submissions", body, "idem-audit", 1))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	entries, err := store.RecentAuditEntries(context.Background(), 10)
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit row, got %d", len(entries))
	}
	entry := entries[0]
	if entry.APIKey != "test" || entry.Method != http.MethodPost || entry.Path != "/v1/bounties/4/submissions" {
		t.Fatalf("unexpected audit row: %+v", entry)
	}
	if entry.ResponseStatus != http.StatusCreated {
		t.Fatalf("expected audited status 201, got %d", entry.ResponseStatus)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t, &mockNodeClient{})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health payload: %s", rec.Body.String())
	}
}
