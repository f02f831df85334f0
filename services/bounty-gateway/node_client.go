package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway.
type NodeClient interface {
	BountyCreate(ctx context.Context, req BountyCreateRequest) (*BountyState, error)
	BountySubmit(ctx context.Context, id uint64, req SubmitWorkRequest) (*SubmissionState, error)
	BountyVerify(ctx context.Context, id uint64, submitter, caller string) (*BountyState, error)
	BountyCancel(ctx context.Context, id uint64, caller string) (*BountyState, error)
	BountyGet(ctx context.Context, id uint64) (*BountyState, error)
	BountyList(ctx context.Context, status string, offset, limit uint64) (*BountyPage, error)
	BountySubmissions(ctx context.Context, id uint64) ([]SubmissionState, error)
}

// RPCNodeClient implements NodeClient against the bountyd JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *NodeRPCError   `json:"error"`
}

// NodeRPCError carries a JSON-RPC error object returned by the node. The
// gateway maps its code onto an HTTP status for REST clients.
type NodeRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *NodeRPCError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCNodeClient) BountyCreate(ctx context.Context, req BountyCreateRequest) (*BountyState, error) {
	payload := map[string]interface{}{
		"creator":  req.Creator,
		"amount":   req.Amount,
		"title":    req.Title,
		"deadline": req.Deadline,
	}
	if strings.TrimSpace(req.Description) != "" {
		payload["description"] = req.Description
	}
	if strings.TrimSpace(req.Requirements) != "" {
		payload["requirements"] = req.Requirements
	}
	var result BountyState
	if err := c.call(ctx, "bounty_create", []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) BountySubmit(ctx context.Context, id uint64, req SubmitWorkRequest) (*SubmissionState, error) {
	payload := map[string]interface{}{
		"id":        id,
		"submitter": req.Submitter,
		"url":       req.URL,
	}
	if strings.TrimSpace(req.Description) != "" {
		payload["description"] = req.Description
	}
	var result SubmissionState
	if err := c.call(ctx, "bounty_submitWork", []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) BountyVerify(ctx context.Context, id uint64, submitter, caller string) (*BountyState, error) {
	params := map[string]interface{}{"id": id, "submitter": submitter, "caller": caller}
	var result BountyState
	if err := c.call(ctx, "bounty_verify", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) BountyCancel(ctx context.Context, id uint64, caller string) (*BountyState, error) {
	params := map[string]interface{}{"id": id, "caller": caller}
	var result BountyState
	if err := c.call(ctx, "bounty_cancel", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) BountyGet(ctx context.Context, id uint64) (*BountyState, error) {
	var result BountyState
	if err := c.call(ctx, "bounty_get", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) BountyList(ctx context.Context, status string, offset, limit uint64) (*BountyPage, error) {
	params := map[string]interface{}{"offset": offset, "limit": limit}
	if strings.TrimSpace(status) != "" {
		params["status"] = status
	}
	var result BountyPage
	if err := c.call(ctx, "bounty_list", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) BountySubmissions(ctx context.Context, id uint64) ([]SubmissionState, error) {
	var result []SubmissionState
	if err := c.call(ctx, "bounty_listSubmissions", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	// The node pairs JSON-RPC error envelopes with non-200 statuses, so the
	// envelope is decoded before the status is consulted.
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(raw))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// BountyCreateRequest is the request payload accepted by the gateway.
type BountyCreateRequest struct {
	Creator      string `json:"creator"`
	Amount       string `json:"amount"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Requirements string `json:"requirements,omitempty"`
	Deadline     uint64 `json:"deadline"`
}

// SubmitWorkRequest is the payload for submitting work against a bounty.
type SubmitWorkRequest struct {
	Submitter   string `json:"submitter"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// VerifyRequest accepts a submission and releases the escrow.
type VerifyRequest struct {
	Submitter string `json:"submitter"`
	Caller    string `json:"caller"`
}

// CancelRequest cancels an open bounty.
type CancelRequest struct {
	Caller string `json:"caller"`
}

// BountyState mirrors the JSON returned by the node for bounty reads.
type BountyState struct {
	ID            uint64 `json:"id"`
	Creator       string `json:"creator"`
	Amount        string `json:"amount"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Requirements  string `json:"requirements,omitempty"`
	Deadline      uint64 `json:"deadline"`
	CreatedAt     uint64 `json:"createdAt"`
	Status        string `json:"status"`
	Winner        string `json:"winner,omitempty"`
	SubmissionURL string `json:"submissionUrl,omitempty"`
}

// SubmissionState mirrors the node's submission JSON.
type SubmissionState struct {
	BountyID      uint64 `json:"bountyId"`
	Submitter     string `json:"submitter"`
	SubmissionURL string `json:"submissionUrl"`
	Description   string `json:"description,omitempty"`
	SubmittedAt   uint64 `json:"submittedAt"`
	Verified      bool   `json:"verified"`
}

// BountyPage is one page of the node's bounty listing.
type BountyPage struct {
	Bounties []BountyState `json:"bounties"`
	Total    uint64        `json:"total"`
}
