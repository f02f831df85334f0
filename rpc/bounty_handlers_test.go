package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bountychain/core"
	"bountychain/crypto"
	"bountychain/storage"
)

type testEnv struct {
	t       *testing.T
	node    *core.Node
	server  *Server
	opKey   *crypto.PrivateKey
	creator [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := core.NewNode(db, key, "", true)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	server := NewServer(node, ServerConfig{AuthToken: "test-token"})

	var creator [20]byte
	copy(creator[:], key.PubKey().Address().Bytes())
	return &testEnv{t: t, node: node, server: server, opKey: key, creator: creator}
}

func (env *testEnv) newRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", nil)
}

func (env *testEnv) creatorAddr() string {
	return env.opKey.PubKey().Address().String()
}

func freshAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address().String()
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return data
}

func decodeRPCResponse(t *testing.T, recorder *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, recorder.Body.String())
	}
	return resp.Result, resp.Error
}

func (env *testEnv) createBounty(amount string, deadline uint64) bountyJSON {
	env.t.Helper()
	payload := map[string]interface{}{
		"creator":  env.creatorAddr(),
		"amount":   amount,
		"title":    "Fix flaky CI",
		"deadline": deadline,
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(env.t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyCreate(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(env.t, recorder)
	if rpcErr != nil {
		env.t.Fatalf("create bounty: %+v", rpcErr)
	}
	var created bountyJSON
	if err := json.Unmarshal(result, &created); err != nil {
		env.t.Fatalf("decode bounty: %v", err)
	}
	return created
}

func TestBountyCreateAndGet(t *testing.T) {
	env := newTestEnv(t)

	created := env.createBounty("1000000", 1000)
	if created.ID != 1 {
		t.Fatalf("expected id 1, got %d", created.ID)
	}
	if created.Status != "open" {
		t.Fatalf("expected open status, got %q", created.Status)
	}
	if created.Winner != "" {
		t.Fatalf("winner should be empty on creation")
	}

	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, map[string]interface{}{"id": 1})}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyGet(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("get bounty: %+v", rpcErr)
	}
	var fetched bountyJSON
	if err := json.Unmarshal(result, &fetched); err != nil {
		t.Fatalf("decode bounty: %v", err)
	}
	if fetched.ID != 1 || fetched.Amount != "1000000" || fetched.Creator != env.creatorAddr() {
		t.Fatalf("unexpected bounty: %+v", fetched)
	}
}

func TestBountyCreateInvalidBech32(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]interface{}{
		"creator":  "invalid",
		"amount":   "10",
		"title":    "Task",
		"deadline": 100,
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeBountyInvalidParams {
		t.Fatalf("expected code %d got %d", codeBountyInvalidParams, rpcErr.Code)
	}
	if rpcErr.Message != "invalid_params" {
		t.Fatalf("expected message invalid_params got %s", rpcErr.Message)
	}
}

func TestBountyCreateZeroAmount(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]interface{}{
		"creator":  env.creatorAddr(),
		"amount":   "0",
		"title":    "Task",
		"deadline": 100,
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeBountyInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", rpcErr)
	}
}

func TestBountyCreateInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]interface{}{
		"creator":  freshAddress(t),
		"amount":   "10",
		"title":    "Task",
		"deadline": 100,
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeBountyConflict {
		t.Fatalf("expected conflict error, got %+v", rpcErr)
	}
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected HTTP 409, got %d", recorder.Code)
	}
}

func TestBountyCreateDeadlinePassed(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]interface{}{
		"creator":  env.creatorAddr(),
		"amount":   "10",
		"title":    "Task",
		"deadline": 0,
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeBountyConflict {
		t.Fatalf("expected conflict error, got %+v", rpcErr)
	}
}

func TestBountySubmitVerifyFlow(t *testing.T) {
	env := newTestEnv(t)
	created := env.createBounty("1000000", 1000)

	workerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate worker key: %v", err)
	}
	worker := workerKey.PubKey().Address().String()

	submitPayload := map[string]interface{}{
		"id":        created.ID,
		"submitter": worker,
		"url":       "https://example.com/fix",
	}
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, submitPayload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountySubmitWork(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("submit: %+v", rpcErr)
	}
	var sub submissionJSON
	if err := json.Unmarshal(result, &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if sub.Submitter != worker || sub.Verified {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	verifyPayload := map[string]interface{}{
		"id":        created.ID,
		"submitter": worker,
		"caller":    env.creatorAddr(),
	}
	req = &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, verifyPayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyVerify(recorder, env.newRequest(), req)
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("verify: %+v", rpcErr)
	}
	var verified bountyJSON
	if err := json.Unmarshal(result, &verified); err != nil {
		t.Fatalf("decode bounty: %v", err)
	}
	if verified.Status != "completed" || verified.Winner != worker {
		t.Fatalf("unexpected verified bounty: %+v", verified)
	}

	balancePayload := map[string]interface{}{"address": worker}
	req = &RPCRequest{ID: 4, Params: []json.RawMessage{marshalParam(t, balancePayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyGetBalance(recorder, env.newRequest(), req)
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("balance: %+v", rpcErr)
	}
	var balance balanceResult
	if err := json.Unmarshal(result, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != "1000000" {
		t.Fatalf("worker balance = %s, want 1000000", balance.Balance)
	}

	// The payout happened; a second verify must fail on the status guard.
	req = &RPCRequest{ID: 5, Params: []json.RawMessage{marshalParam(t, verifyPayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyVerify(recorder, env.newRequest(), req)
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeBountyConflict {
		t.Fatalf("expected conflict on double verify, got %+v", rpcErr)
	}
}

func TestBountyCancelAuthorization(t *testing.T) {
	env := newTestEnv(t)
	created := env.createBounty("500", 1000)

	cancelPayload := map[string]interface{}{
		"id":     created.ID,
		"caller": freshAddress(t),
	}
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, cancelPayload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyCancel(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeBountyForbidden {
		t.Fatalf("expected forbidden error, got %+v", rpcErr)
	}
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected HTTP 403, got %d", recorder.Code)
	}

	cancelPayload["caller"] = env.creatorAddr()
	req = &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, cancelPayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyCancel(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("cancel: %+v", rpcErr)
	}
	var cancelled bountyJSON
	if err := json.Unmarshal(result, &cancelled); err != nil {
		t.Fatalf("decode bounty: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("expected cancelled status, got %q", cancelled.Status)
	}
}

func TestBountyGetUnknownNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, map[string]interface{}{"id": 99})}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyGet(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeBountyNotFound {
		t.Fatalf("expected not found error, got %+v", rpcErr)
	}
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected HTTP 404, got %d", recorder.Code)
	}
}

func TestVerifierRegistryHandlers(t *testing.T) {
	env := newTestEnv(t)
	verifier := freshAddress(t)

	addPayload := map[string]interface{}{
		"caller":   env.creatorAddr(),
		"verifier": verifier,
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, addPayload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyAddVerifier(recorder, env.newRequest(), req)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("add verifier: %+v", rpcErr)
	}

	checkPayload := map[string]interface{}{"address": verifier}
	req = &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, checkPayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyIsVerifier(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("is verifier: %+v", rpcErr)
	}
	var check struct {
		Approved bool `json:"approved"`
	}
	if err := json.Unmarshal(result, &check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if !check.Approved {
		t.Fatalf("verifier should be approved")
	}

	// Only the contract owner can manage the registry.
	addPayload["caller"] = freshAddress(t)
	req = &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, addPayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyAddVerifier(recorder, env.newRequest(), req)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeBountyForbidden {
		t.Fatalf("expected forbidden error, got %+v", rpcErr)
	}

	removePayload := map[string]interface{}{
		"caller":   env.creatorAddr(),
		"verifier": verifier,
	}
	req = &RPCRequest{ID: 4, Params: []json.RawMessage{marshalParam(t, removePayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyRemoveVerifier(recorder, env.newRequest(), req)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("remove verifier: %+v", rpcErr)
	}

	req = &RPCRequest{ID: 5, Params: []json.RawMessage{marshalParam(t, checkPayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyIsVerifier(recorder, env.newRequest(), req)
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("is verifier: %+v", rpcErr)
	}
	if err := json.Unmarshal(result, &check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if check.Approved {
		t.Fatalf("verifier should be revoked")
	}
}

func TestBountyListHandlerFiltersStatus(t *testing.T) {
	env := newTestEnv(t)
	env.createBounty("100", 1000)
	second := env.createBounty("100", 1000)

	cancelPayload := map[string]interface{}{"id": second.ID, "caller": env.creatorAddr()}
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, cancelPayload)}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyCancel(recorder, env.newRequest(), req)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("cancel: %+v", rpcErr)
	}

	listPayload := map[string]interface{}{"status": "open"}
	req = &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, listPayload)}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyList(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("list: %+v", rpcErr)
	}
	var listed bountyListResult
	if err := json.Unmarshal(result, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Total != 1 || len(listed.Bounties) != 1 || listed.Bounties[0].ID != 1 {
		t.Fatalf("unexpected open list: %+v", listed)
	}

	req = &RPCRequest{ID: 4, Params: []json.RawMessage{marshalParam(t, map[string]interface{}{"status": "bogus"})}}
	recorder = httptest.NewRecorder()
	env.server.handleBountyList(recorder, env.newRequest(), req)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr == nil || rpcErr.Code != codeBountyInvalidParams {
		t.Fatalf("expected invalid params for bogus status, got %+v", rpcErr)
	}
}

func TestBountyEventsHandlerCursor(t *testing.T) {
	env := newTestEnv(t)
	env.createBounty("100", 1000)
	env.createBounty("100", 1000)

	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, map[string]interface{}{"after": 1})}}
	recorder := httptest.NewRecorder()
	env.server.handleBountyEvents(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("events: %+v", rpcErr)
	}
	var events bountyEventsResult
	if err := json.Unmarshal(result, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if events.Latest != 2 || len(events.Events) != 1 || events.Events[0].Sequence != 2 {
		t.Fatalf("unexpected events page: %+v", events)
	}
}

func TestNextIDAndCountHandlers(t *testing.T) {
	env := newTestEnv(t)
	env.createBounty("100", 1000)

	req := &RPCRequest{ID: 1}
	recorder := httptest.NewRecorder()
	env.server.handleBountyNextID(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("next id: %+v", rpcErr)
	}
	var next struct {
		NextID uint64 `json:"nextId"`
	}
	if err := json.Unmarshal(result, &next); err != nil {
		t.Fatalf("decode next id: %v", err)
	}
	if next.NextID != 2 {
		t.Fatalf("next id = %d, want 2", next.NextID)
	}

	recorder = httptest.NewRecorder()
	env.server.handleBountyCount(recorder, env.newRequest(), &RPCRequest{ID: 2})
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("count: %+v", rpcErr)
	}
	var count struct {
		Count uint64 `json:"count"`
	}
	if err := json.Unmarshal(result, &count); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	if count.Count != 1 {
		t.Fatalf("count = %d, want 1", count.Count)
	}
}
