package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"subledger/core/types"
	"subledger/crypto"
	"subledger/storage"
)

// ErrInsufficientBalance is returned when a debit exceeds the payer's
// spendable balance.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

var (
	accountPrefix = []byte("billing/account/")
	recordPrefix  = []byte("billing/record/")
)

// DepositVault is the module-owned identity that holds storage deposits
// while their records exist. Nobody holds a key hashing to it.
var DepositVault = depositVault()

func depositVault() crypto.Identity {
	var id crypto.Identity
	copy(id[:], ethcrypto.Keccak256([]byte("billing/vault/deposit")))
	return id
}

// Manager reads and writes ledger state on a key-value backend. Record
// addresses key the record keyspace directly (no hashing) so an entire
// namespace can be walked with a prefix scan, which is what the listing
// collaborators rely on.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func accountKey(id crypto.Identity) []byte {
	buf := make([]byte, len(accountPrefix)+len(id))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], id[:])
	return buf
}

type storedAccount struct {
	Nonce             uint64
	BalanceLamports   *big.Int
	DepositedLamports *big.Int
}

// GetAccount loads the account behind an identity, returning a zeroed
// account when none has been persisted yet.
func (m *Manager) GetAccount(id crypto.Identity) (*types.Account, error) {
	data, err := m.db.Get(accountKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.NewAccount(), nil
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	acc := &types.Account{
		Nonce:             stored.Nonce,
		BalanceLamports:   stored.BalanceLamports,
		DepositedLamports: stored.DepositedLamports,
	}
	return acc.Normalize(), nil
}

// PutAccount persists the account behind an identity.
func (m *Manager) PutAccount(id crypto.Identity, acc *types.Account) error {
	acc = acc.Normalize()
	stored := &storedAccount{
		Nonce:             acc.Nonce,
		BalanceLamports:   acc.BalanceLamports,
		DepositedLamports: acc.DepositedLamports,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return m.db.Put(accountKey(id), encoded)
}

// Credit adds lamports to an identity's balance. Used by genesis and test
// fixtures; regular flows move value through Transfer.
func (m *Manager) Credit(id crypto.Identity, amountLamports uint64) error {
	acc, err := m.GetAccount(id)
	if err != nil {
		return err
	}
	acc.BalanceLamports = new(big.Int).Add(acc.BalanceLamports, new(big.Int).SetUint64(amountLamports))
	return m.PutAccount(id, acc)
}

// BalanceOf returns the spendable balance behind an identity.
func (m *Manager) BalanceOf(id crypto.Identity) (*big.Int, error) {
	acc, err := m.GetAccount(id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.BalanceLamports), nil
}

func (m *Manager) move(from, to crypto.Identity, amountLamports uint64) error {
	if from == to || amountLamports == 0 {
		return nil
	}
	amt := new(big.Int).SetUint64(amountLamports)
	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	if fromAcc.BalanceLamports.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	originalFrom := fromAcc.Clone()
	fromAcc.BalanceLamports = new(big.Int).Sub(fromAcc.BalanceLamports, amt)
	toAcc.BalanceLamports = new(big.Int).Add(toAcc.BalanceLamports, amt)
	if err := m.PutAccount(from, fromAcc); err != nil {
		return err
	}
	if err := m.PutAccount(to, toAcc); err != nil {
		if restoreErr := m.PutAccount(from, originalFrom); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("state: rollback payer: %w", restoreErr))
		}
		return err
	}
	return nil
}
