package types

import "math/big"

// Account is the ledger record backing every identity on the chain. Balances
// are denominated in the chain's base unit and are never nil once loaded
// through the state manager.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// NewAccount returns an empty account with a zeroed balance.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}
