package types

import "math/big"

// Account is the balance-bearing ledger entry behind an identity. Record
// storage (plans, subscriptions) lives in its own keyspace; accounts only
// carry funds and a replay-protection nonce.
type Account struct {
	Nonce             uint64   `json:"nonce"`
	BalanceLamports   *big.Int `json:"balanceLamports"`
	DepositedLamports *big.Int `json:"depositedLamports"`
}

// NewAccount returns an account with zeroed balances.
func NewAccount() *Account {
	return &Account{
		BalanceLamports:   big.NewInt(0),
		DepositedLamports: big.NewInt(0),
	}
}

// Normalize replaces nil balance fields with zero values so callers can
// operate on the account without nil checks.
func (a *Account) Normalize() *Account {
	if a == nil {
		return NewAccount()
	}
	if a.BalanceLamports == nil {
		a.BalanceLamports = big.NewInt(0)
	}
	if a.DepositedLamports == nil {
		a.DepositedLamports = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account so callers can stage mutations
// without touching the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, BalanceLamports: big.NewInt(0), DepositedLamports: big.NewInt(0)}
	if a.BalanceLamports != nil {
		clone.BalanceLamports = new(big.Int).Set(a.BalanceLamports)
	}
	if a.DepositedLamports != nil {
		clone.DepositedLamports = new(big.Int).Set(a.DepositedLamports)
	}
	return clone
}
