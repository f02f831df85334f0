package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"bountychain/core"
	"bountychain/core/genesis"
	"bountychain/crypto"
	"bountychain/native/bounty"
)

const (
	codeBountyInvalidParams = -32061
	codeBountyNotFound      = -32062
	codeBountyForbidden     = -32063
	codeBountyConflict      = -32064
	codeBountyInternal      = -32065
)

type bountyCreateParams struct {
	Creator      string `json:"creator"`
	Amount       string `json:"amount"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Requirements string `json:"requirements"`
	Deadline     uint64 `json:"deadline"`
}

type bountySubmitParams struct {
	ID          uint64 `json:"id"`
	Submitter   string `json:"submitter"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type bountyVerifyParams struct {
	ID        uint64 `json:"id"`
	Submitter string `json:"submitter"`
	Caller    string `json:"caller"`
}

type bountyCancelParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type bountyVerifierParams struct {
	Caller   string `json:"caller"`
	Verifier string `json:"verifier"`
}

type bountyIDParams struct {
	ID uint64 `json:"id"`
}

type bountySubmissionParams struct {
	ID        uint64 `json:"id"`
	Submitter string `json:"submitter"`
}

type bountyListParams struct {
	Status string `json:"status"`
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

type bountyAddressParams struct {
	Address string `json:"address"`
}

type bountyEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type bountyOKResult struct {
	OK bool `json:"ok"`
}

type bountyJSON struct {
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

type submissionJSON struct {
	BountyID      uint64 `json:"bountyId"`
	Submitter     string `json:"submitter"`
	SubmissionURL string `json:"submissionUrl"`
	Description   string `json:"description,omitempty"`
	SubmittedAt   uint64 `json:"submittedAt"`
	Verified      bool   `json:"verified"`
}

type bountyListResult struct {
	Bounties []bountyJSON `json:"bounties"`
	Total    uint64       `json:"total"`
}

type bountyEventsResult struct {
	Events []core.Event `json:"events"`
	Latest uint64       `json:"latestSequence"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) handleBountyCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	creator, err := parseBech32Address(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	b, err := s.node.BountyCreate(creator, amount, params.Title, params.Description, params.Requirements, params.Deadline)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBountyJSON(b))
}

func (s *Server) handleBountySubmitWork(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountySubmitParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	submitter, err := parseBech32Address(params.Submitter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	sub, err := s.node.BountySubmit(params.ID, submitter, params.URL, params.Description)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSubmissionJSON(sub))
}

func (s *Server) handleBountyVerify(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyVerifyParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	submitter, err := parseBech32Address(params.Submitter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	b, err := s.node.BountyVerify(params.ID, submitter, caller)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBountyJSON(b))
}

func (s *Server) handleBountyCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyCancelParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	b, err := s.node.BountyCancel(params.ID, caller)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBountyJSON(b))
}

func (s *Server) handleBountyAddVerifier(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, verifier, ok := decodeVerifierParams(w, req)
	if !ok {
		return
	}
	if err := s.node.BountyAddVerifier(caller, verifier); err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bountyOKResult{OK: true})
}

func (s *Server) handleBountyRemoveVerifier(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, verifier, ok := decodeVerifierParams(w, req)
	if !ok {
		return
	}
	if err := s.node.BountyRemoveVerifier(caller, verifier); err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bountyOKResult{OK: true})
}

func (s *Server) handleBountyGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	b, err := s.node.BountyGet(params.ID)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBountyJSON(b))
}

func (s *Server) handleBountyGetSubmission(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountySubmissionParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	submitter, err := parseBech32Address(params.Submitter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	sub, err := s.node.BountySubmissionGet(params.ID, submitter)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSubmissionJSON(sub))
}

func (s *Server) handleBountyListSubmissions(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	subs, err := s.node.BountySubmissions(params.ID)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	out := make([]submissionJSON, len(subs))
	for i, sub := range subs {
		out[i] = formatSubmissionJSON(sub)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleBountyList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := bountyListParams{Limit: 50}
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	status, err := parseStatusFilter(params.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Limit == 0 || params.Limit > 500 {
		params.Limit = 500
	}
	page, total, err := s.node.BountyList(status, params.Offset, params.Limit)
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	result := bountyListResult{Bounties: make([]bountyJSON, len(page)), Total: total}
	for i, b := range page {
		result.Bounties[i] = formatBountyJSON(b)
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleBountyIsVerifier(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, struct {
		Address  string `json:"address"`
		Approved bool   `json:"approved"`
	}{Address: formatBech32Address(addr), Approved: s.node.BountyIsVerifier(addr)})
}

func (s *Server) handleBountyOwner(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, struct {
		Owner string `json:"owner"`
	}{Owner: formatBech32Address(s.node.ContractOwner())})
}

func (s *Server) handleBountyNextID(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	next, err := s.node.BountyNextID()
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, struct {
		NextID uint64 `json:"nextId"`
	}{NextID: next})
}

func (s *Server) handleBountyCount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	count, err := s.node.BountyCount()
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, struct {
		Count uint64 `json:"count"`
	}{Count: count})
}

func (s *Server) handleBountyGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr[:])
	if err != nil {
		writeBountyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address: formatBech32Address(addr),
		Balance: account.Balance.String(),
		Nonce:   account.Nonce,
	})
}

func (s *Server) handleBountyEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params bountyEventsParams
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	events, latest := s.node.EventsSince(params.After, params.Limit)
	if events == nil {
		events = []core.Event{}
	}
	writeResult(w, req.ID, bountyEventsResult{Events: events, Latest: latest})
}

func (s *Server) handleChainHeight(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, struct {
		Height uint64 `json:"height"`
	}{Height: s.node.Height()})
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, target interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], target); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func decodeVerifierParams(w http.ResponseWriter, req *RPCRequest) ([20]byte, [20]byte, bool) {
	var params bountyVerifierParams
	if !decodeSingleParam(w, req, &params) {
		return [20]byte{}, [20]byte{}, false
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [20]byte{}, false
	}
	verifier, err := parseBech32Address(params.Verifier)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBountyInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [20]byte{}, false
	}
	return caller, verifier, true
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return genesis.ParseBech32Account(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseStatusFilter(value string) (bounty.BountyStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return 0, nil
	case "open":
		return bounty.StatusOpen, nil
	case "submitted":
		return bounty.StatusSubmitted, nil
	case "completed":
		return bounty.StatusCompleted, nil
	case "cancelled":
		return bounty.StatusCancelled, nil
	}
	return 0, fmt.Errorf("unknown status filter %q", value)
}

func formatBech32Address(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.Prefix, addr[:]).String()
}

func formatBountyJSON(b *bounty.Bounty) bountyJSON {
	amount := "0"
	if b.Amount != nil {
		amount = b.Amount.String()
	}
	out := bountyJSON{
		ID:            b.ID,
		Creator:       formatBech32Address(b.Creator),
		Amount:        amount,
		Title:         b.Title,
		Description:   b.Description,
		Requirements:  b.Requirements,
		Deadline:      b.Deadline,
		CreatedAt:     b.CreatedAt,
		Status:        b.Status.String(),
		SubmissionURL: b.SubmissionURL,
	}
	if b.Winner != nil {
		out.Winner = formatBech32Address(*b.Winner)
	}
	return out
}

func formatSubmissionJSON(sub *bounty.Submission) submissionJSON {
	return submissionJSON{
		BountyID:      sub.BountyID,
		Submitter:     formatBech32Address(sub.Submitter),
		SubmissionURL: sub.SubmissionURL,
		Description:   sub.Description,
		SubmittedAt:   sub.SubmittedAt,
		Verified:      sub.Verified,
	}
}

func writeBountyError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeBountyInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, bounty.ErrBountyNotFound) || errors.Is(err, bounty.ErrSubmissionNotFound):
		status = http.StatusNotFound
		code = codeBountyNotFound
		message = "not_found"
	case errors.Is(err, bounty.ErrNotAuthorized) || errors.Is(err, bounty.ErrNotVerifier):
		status = http.StatusForbidden
		code = codeBountyForbidden
		message = "forbidden"
	case errors.Is(err, bounty.ErrInvalidAmount) || errors.Is(err, bounty.ErrInvalidMetadata):
		status = http.StatusBadRequest
		code = codeBountyInvalidParams
		message = "invalid_params"
	case errors.Is(err, bounty.ErrBountyNotOpen) || errors.Is(err, bounty.ErrInvalidStatus) ||
		errors.Is(err, bounty.ErrAlreadySubmitted) || errors.Is(err, bounty.ErrDeadlinePassed) ||
		errors.Is(err, bounty.ErrInsufficientFunds):
		status = http.StatusConflict
		code = codeBountyConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, data)
}
