package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("create", stderr)
	var (
		creator      string
		amountStr    string
		title        string
		description  string
		requirements string
		deadline     string
	)
	fs.StringVar(&creator, "creator", "", "creator bech32 address")
	fs.StringVar(&amountStr, "amount", "", "escrow amount in base units")
	fs.StringVar(&title, "title", "", "bounty title")
	fs.StringVar(&description, "description", "", "bounty description")
	fs.StringVar(&requirements, "requirements", "", "acceptance requirements")
	fs.StringVar(&deadline, "deadline", "", "deadline as absolute height or +blocks")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if creator == "" {
		return printCmdError(stderr, "--creator is required")
	}
	if amountStr == "" {
		return printCmdError(stderr, "--amount is required")
	}
	normalizedAmount, err := normalizeAmount(amountStr)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}
	if strings.TrimSpace(title) == "" {
		return printCmdError(stderr, "--title is required")
	}
	if deadline == "" {
		return printCmdError(stderr, "--deadline is required")
	}
	deadlineHeight, err := parseDeadlineHeight(deadline, fetchChainHeight)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"creator":  creator,
		"amount":   normalizedAmount,
		"title":    title,
		"deadline": deadlineHeight,
	}
	if strings.TrimSpace(description) != "" {
		params["description"] = description
	}
	if strings.TrimSpace(requirements) != "" {
		params["requirements"] = requirements
	}

	result, rpcErr, err := bountyRPCCall("bounty_create", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("submit", stderr)
	var (
		idStr       string
		submitter   string
		url         string
		description string
	)
	fs.StringVar(&idStr, "id", "", "bounty id")
	fs.StringVar(&submitter, "submitter", "", "submitter bech32 address")
	fs.StringVar(&url, "url", "", "submission URL")
	fs.StringVar(&description, "description", "", "submission notes")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseBountyID(idStr)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}
	if submitter == "" {
		return printCmdError(stderr, "--submitter is required")
	}
	if strings.TrimSpace(url) == "" {
		return printCmdError(stderr, "--url is required")
	}

	params := map[string]interface{}{
		"id":        id,
		"submitter": submitter,
		"url":       url,
	}
	if strings.TrimSpace(description) != "" {
		params["description"] = description
	}

	result, rpcErr, err := bountyRPCCall("bounty_submitWork", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("verify", stderr)
	var (
		idStr     string
		submitter string
		caller    string
	)
	fs.StringVar(&idStr, "id", "", "bounty id")
	fs.StringVar(&submitter, "submitter", "", "submitter whose work is accepted")
	fs.StringVar(&caller, "caller", "", "creator or approved verifier address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseBountyID(idStr)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}
	if submitter == "" {
		return printCmdError(stderr, "--submitter is required")
	}
	if caller == "" {
		return printCmdError(stderr, "--caller is required")
	}

	params := map[string]interface{}{"id": id, "submitter": submitter, "caller": caller}
	result, rpcErr, err := bountyRPCCall("bounty_verify", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("cancel", stderr)
	var (
		idStr  string
		caller string
	)
	fs.StringVar(&idStr, "id", "", "bounty id")
	fs.StringVar(&caller, "caller", "", "bounty creator address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseBountyID(idStr)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}
	if caller == "" {
		return printCmdError(stderr, "--caller is required")
	}

	params := map[string]interface{}{"id": id, "caller": caller}
	result, rpcErr, err := bountyRPCCall("bounty_cancel", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("get", stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "bounty id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseBountyID(idStr)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": id}
	result, rpcErr, err := bountyRPCCall("bounty_get", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSubmissions(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("submissions", stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "bounty id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseBountyID(idStr)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": id}
	result, rpcErr, err := bountyRPCCall("bounty_listSubmissions", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("list", stderr)
	var (
		status string
		offset uint64
		limit  uint64
	)
	fs.StringVar(&status, "status", "", "filter by status (open, submitted, completed, cancelled)")
	fs.Uint64Var(&offset, "offset", 0, "number of bounties to skip")
	fs.Uint64Var(&limit, "limit", 50, "maximum bounties to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	switch normalizedStatus {
	case "", "open", "submitted", "completed", "cancelled":
	default:
		return printCmdError(stderr, "--status must be one of open, submitted, completed, cancelled")
	}

	params := map[string]interface{}{"offset": offset, "limit": limit}
	if normalizedStatus != "" {
		params["status"] = normalizedStatus
	}
	result, rpcErr, err := bountyRPCCall("bounty_list", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if address == "" {
		return printCmdError(stderr, "--address is required")
	}
	params := map[string]interface{}{"address": address}
	result, rpcErr, err := bountyRPCCall("bounty_getBalance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runVerifierCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, verifierUsage())
		return 1
	}
	switch args[0] {
	case "add":
		return runVerifierMutation("bounty_addVerifier", args[1:], stdout, stderr)
	case "remove":
		return runVerifierMutation("bounty_removeVerifier", args[1:], stdout, stderr)
	case "check":
		return runVerifierCheck(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown verifier subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, verifierUsage())
		return 1
	}
}

func runVerifierMutation(method string, args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("verifier", stderr)
	var (
		caller   string
		verifier string
	)
	fs.StringVar(&caller, "caller", "", "contract owner address")
	fs.StringVar(&verifier, "verifier", "", "verifier address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCmdError(stderr, "--caller is required")
	}
	if verifier == "" {
		return printCmdError(stderr, "--verifier is required")
	}
	params := map[string]interface{}{"caller": caller, "verifier": verifier}
	result, rpcErr, err := bountyRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runVerifierCheck(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("verifier check", stderr)
	var address string
	fs.StringVar(&address, "address", "", "address to check")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if address == "" {
		return printCmdError(stderr, "--address is required")
	}
	params := map[string]interface{}{"address": address}
	result, rpcErr, err := bountyRPCCall("bounty_isVerifier", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runHeight(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintln(stderr, "Error: height takes no arguments")
		return 1
	}
	result, rpcErr, err := bountyRPCCall("chain_height", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newBountyFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printCmdError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func verifierUsage() string {
	return strings.TrimSpace(`Usage:
  bounty-cli verifier <command> [flags]

Commands:
  add     Approve a verifier (owner only)
  remove  Revoke a verifier (owner only)
  check   Query the registry flag for an address
`)
}

func parseBountyID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--id must be a positive integer")
	}
	return id, nil
}

func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("--amount must be a base-10 integer")
		}
	}
	normalized := strings.TrimLeft(trimmed, "0")
	if normalized == "" {
		return "", fmt.Errorf("--amount must be positive")
	}
	return normalized, nil
}

var fetchChainHeight = func() (uint64, error) {
	result, rpcErr, err := bountyRPCCall("chain_height", nil, false)
	if err != nil {
		return 0, err
	}
	if rpcErr != nil {
		return 0, fmt.Errorf("RPC error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, fmt.Errorf("failed to decode height: %w", err)
	}
	return out.Height, nil
}

// parseDeadlineHeight accepts an absolute chain height or +N relative to the
// node's current height.
func parseDeadlineHeight(value string, currentHeight func() (uint64, error)) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--deadline is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		offsetStr := strings.TrimSpace(trimmed[1:])
		offset, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil || offset == 0 {
			return 0, fmt.Errorf("relative deadline must be +N with positive N")
		}
		height, err := currentHeight()
		if err != nil {
			return 0, fmt.Errorf("failed to fetch chain height: %w", err)
		}
		return height + offset, nil
	}
	height, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || height == 0 {
		return 0, fmt.Errorf("--deadline must be a positive height or +N")
	}
	return height, nil
}
