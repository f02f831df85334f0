package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"
)

// GenesisSpec declares the initial chain state: the contract owner, the
// verifier identities approved from the start, and the opening account
// balances. The owner is fixed here for the lifetime of the chain.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime"`
	ChainName   string            `json:"chainName,omitempty"`
	Owner       string            `json:"owner"`
	Verifiers   []string          `json:"verifiers,omitempty"`
	Alloc       map[string]string `json:"alloc,omitempty"` // addr -> amount

	genesisTimestamp time.Time
	ownerAddr        [20]byte
}

// LoadGenesisSpec reads and validates a genesis spec from disk.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// OwnerAddress returns the decoded owner account. Validate must have run.
func (s *GenesisSpec) OwnerAddress() [20]byte { return s.ownerAddr }

// Validate checks the spec fields and caches the parsed owner and timestamp.
func (s *GenesisSpec) Validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	trimmedOwner := strings.TrimSpace(s.Owner)
	if trimmedOwner == "" {
		return fmt.Errorf("owner must be provided")
	}
	ownerAddr, err := ParseBech32Account(trimmedOwner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if ownerAddr == ([20]byte{}) {
		return fmt.Errorf("owner must not be the zero address")
	}
	s.ownerAddr = ownerAddr

	seen := make(map[[20]byte]struct{}, len(s.Verifiers))
	for i, verifier := range s.Verifiers {
		addr, err := ParseBech32Account(verifier)
		if err != nil {
			return fmt.Errorf("verifier[%d]: %w", i, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("verifier[%d]: duplicate address %q", i, verifier)
		}
		seen[addr] = struct{}{}
	}

	if len(s.Alloc) > 0 {
		accounts := make([]string, 0, len(s.Alloc))
		for account := range s.Alloc {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			if _, err := ParseBech32Account(account); err != nil {
				return fmt.Errorf("alloc[%q]: %w", account, err)
			}
			amount := strings.TrimSpace(s.Alloc[account])
			if amount == "" {
				return fmt.Errorf("alloc[%q]: amount must be provided", account)
			}
			parsed, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				return fmt.Errorf("alloc[%q]: invalid amount %q", account, amount)
			}
			if parsed.Sign() < 0 {
				return fmt.Errorf("alloc[%q]: amount must not be negative", account)
			}
		}
	}
	return nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
