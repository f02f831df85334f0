package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bountychain/core/types"
	"bountychain/storage"
)

// Manager reads and writes canonical chain state through a key-value
// database. Raw keys are hashed with keccak256 before hitting the database so
// the prefix namespaces cannot collide.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	accountPrefix = []byte("account:")
	ownerKey      = ethcrypto.Keccak256([]byte("bounty/owner"))
	heightKey     = ethcrypto.Keccak256([]byte("chain/height"))
)

func accountStateKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

// readRaw returns the bytes stored under a hashed key. Absence is reported as
// a nil slice, not an error.
func (m *Manager) readRaw(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (m *Manager) writeRaw(key, value []byte) error {
	return m.db.Put(key, value)
}

func (m *Manager) loadUint64(key []byte) (uint64, bool, error) {
	data, err := m.readRaw(key)
	if err != nil {
		return 0, false, err
	}
	if len(data) == 0 {
		return 0, false, nil
	}
	var value uint64
	if err := rlp.DecodeBytes(data, &value); err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (m *Manager) writeUint64(key []byte, value uint64) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.writeRaw(key, encoded)
}

func (m *Manager) loadBigInt(key []byte) (*big.Int, error) {
	data, err := m.readRaw(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (m *Manager) writeBigInt(key []byte, value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.writeRaw(key, encoded)
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount reconstructs the account stored under the provided address.
// Unknown addresses read as fresh accounts with a zero balance.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	data, err := m.readRaw(accountStateKey(addr))
	if err != nil {
		return nil, err
	}
	account := &types.Account{Balance: big.NewInt(0)}
	if len(data) == 0 {
		return account, nil
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	account.Nonce = stored.Nonce
	if stored.Balance != nil {
		account.Balance = new(big.Int).Set(stored.Balance)
	}
	return account, nil
}

// PutAccount persists the provided account state under the supplied address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	balance := big.NewInt(0)
	if account.Balance != nil {
		if account.Balance.Sign() < 0 {
			return fmt.Errorf("negative balance not allowed")
		}
		balance = new(big.Int).Set(account.Balance)
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: balance})
	if err != nil {
		return err
	}
	return m.writeRaw(accountStateKey(addr), encoded)
}

// OwnerSet records the contract owner. Genesis writes it exactly once; there
// is no transfer operation.
func (m *Manager) OwnerSet(addr [20]byte) error {
	if addr == ([20]byte{}) {
		return fmt.Errorf("owner address must not be zero")
	}
	encoded, err := rlp.EncodeToBytes(addr[:])
	if err != nil {
		return err
	}
	return m.writeRaw(ownerKey, encoded)
}

// Owner returns the contract owner and whether one has been recorded.
func (m *Manager) Owner() ([20]byte, bool, error) {
	data, err := m.readRaw(ownerKey)
	if err != nil {
		return [20]byte{}, false, err
	}
	if len(data) == 0 {
		return [20]byte{}, false, nil
	}
	var raw []byte
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("state: malformed owner record")
	}
	var out [20]byte
	copy(out[:], raw)
	return out, true, nil
}

// HeightPut persists the current chain height.
func (m *Manager) HeightPut(height uint64) error {
	return m.writeUint64(heightKey, height)
}

// Height returns the last persisted chain height, zero before genesis.
func (m *Manager) Height() (uint64, error) {
	value, _, err := m.loadUint64(heightKey)
	return value, err
}
