package genesis

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"bountychain/core/state"
)

// ApplyGenesisSpec seeds a fresh database with the spec's owner, verifier
// registry and opening balances. A chain that already carries an owner record
// refuses a second application.
func ApplyGenesisSpec(spec *GenesisSpec, manager *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, exists, err := manager.Owner(); err != nil {
		return fmt.Errorf("read owner record: %w", err)
	} else if exists {
		return fmt.Errorf("genesis already applied")
	}

	if err := manager.OwnerSet(spec.OwnerAddress()); err != nil {
		return fmt.Errorf("persist owner: %w", err)
	}

	verifiers := append([]string(nil), spec.Verifiers...)
	sort.Strings(verifiers)
	for _, verifier := range verifiers {
		addr, err := ParseBech32Account(verifier)
		if err != nil {
			return fmt.Errorf("verifier %q: %w", verifier, err)
		}
		if err := manager.VerifierSet(addr, true); err != nil {
			return fmt.Errorf("verifier %q: %w", verifier, err)
		}
	}

	accounts := make([]string, 0, len(spec.Alloc))
	for account := range spec.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, addrStr := range accounts {
		parsed, err := ParseBech32Account(addrStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(spec.Alloc[addrStr]), 10)
		if !ok {
			return fmt.Errorf("alloc[%q]: invalid amount %q", addrStr, spec.Alloc[addrStr])
		}
		account, err := manager.GetAccount(parsed[:])
		if err != nil {
			return fmt.Errorf("load account %q: %w", addrStr, err)
		}
		account.Balance = amount
		if err := manager.PutAccount(parsed[:], account); err != nil {
			return fmt.Errorf("persist account %q: %w", addrStr, err)
		}
	}

	if err := manager.HeightPut(0); err != nil {
		return fmt.Errorf("persist genesis height: %w", err)
	}
	return nil
}
