package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("BOUNTY_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv("BOUNTY_RPC_TOKEN")
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	command := args[0]
	var code int
	switch command {
	case "keys":
		code = runKeysCommand(args[1:], os.Stdout, os.Stderr)
	case "create":
		code = runCreate(args[1:], os.Stdout, os.Stderr)
	case "submit":
		code = runSubmit(args[1:], os.Stdout, os.Stderr)
	case "verify":
		code = runVerify(args[1:], os.Stdout, os.Stderr)
	case "cancel":
		code = runCancel(args[1:], os.Stdout, os.Stderr)
	case "get":
		code = runGet(args[1:], os.Stdout, os.Stderr)
	case "submissions":
		code = runSubmissions(args[1:], os.Stdout, os.Stderr)
	case "list":
		code = runList(args[1:], os.Stdout, os.Stderr)
	case "balance":
		code = runBalance(args[1:], os.Stdout, os.Stderr)
	case "verifier":
		code = runVerifierCommand(args[1:], os.Stdout, os.Stderr)
	case "height":
		code = runHeight(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage(os.Stderr)
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		if arg == "--auth-token" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --auth-token")
			}
			rpcAuthToken = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--auth-token=") {
			rpcAuthToken = strings.TrimPrefix(arg, "--auth-token=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

// --- RPC HELPER FUNCTIONS ---

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var bountyRPCCall = callBountyRPC

func callBountyRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if strings.TrimSpace(rpcAuthToken) == "" {
			return nil, fmt.Errorf("privileged RPC call requires BOUNTY_RPC_TOKEN or --auth-token to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "Usage: bounty-cli [--rpc <url>] [--auth-token <token>] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Mutating commands require an RPC auth token (BOUNTY_RPC_TOKEN or --auth-token).")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keys new|show      - Generate or inspect the local wallet key")
	fmt.Fprintln(w, "  create             - Create a bounty, escrowing the amount")
	fmt.Fprintln(w, "  submit             - Submit work against an open bounty")
	fmt.Fprintln(w, "  verify             - Accept a submission and release the escrow")
	fmt.Fprintln(w, "  cancel             - Cancel an open bounty and refund the creator")
	fmt.Fprintln(w, "  get                - Fetch a bounty by id")
	fmt.Fprintln(w, "  submissions        - List submissions for a bounty")
	fmt.Fprintln(w, "  list               - List bounties, optionally filtered by status")
	fmt.Fprintln(w, "  balance            - Show the ledger balance of an address")
	fmt.Fprintln(w, "  verifier add|remove|check - Manage the verifier registry (owner only)")
	fmt.Fprintln(w, "  height             - Show the current chain height")
}
