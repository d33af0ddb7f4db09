package state

import (
	"errors"
	"fmt"
	"math/big"

	"subledger/crypto"
	"subledger/native/billing"
	"subledger/storage"
)

func recordKey(addr billing.Address) []byte {
	buf := make([]byte, len(recordPrefix)+len(addr))
	copy(buf, recordPrefix)
	copy(buf[len(recordPrefix):], addr[:])
	return buf
}

// RecordGet fetches the raw codec bytes of the record at addr. The boolean
// distinguishes "no record" from an actual storage error.
func (m *Manager) RecordGet(addr billing.Address) ([]byte, bool, error) {
	data, err := m.db.Get(recordKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// RecordPut writes the raw codec bytes of the record at addr.
func (m *Manager) RecordPut(addr billing.Address, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("state: empty record for %s", addr)
	}
	return m.db.Put(recordKey(addr), data)
}

// RecordDelete destroys the record at addr.
func (m *Manager) RecordDelete(addr billing.Address) error {
	return m.db.Delete(recordKey(addr))
}

// Transfer atomically moves lamports between two identities, mapping an
// insufficient balance to the billing module's transfer failure so callers
// see one taxonomy.
func (m *Manager) Transfer(from, to crypto.Identity, amountLamports uint64) error {
	if err := m.move(from, to, amountLamports); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", billing.ErrTransferFailed, err)
		}
		return err
	}
	return nil
}

// HoldDeposit moves a storage deposit from the owner into the module vault
// and tracks it on the owner's account for later reclaim.
func (m *Manager) HoldDeposit(owner crypto.Identity, amountLamports uint64) error {
	if amountLamports == 0 {
		return nil
	}
	if err := m.move(owner, DepositVault, amountLamports); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: deposit: %v", billing.ErrTransferFailed, err)
		}
		return err
	}
	acc, err := m.GetAccount(owner)
	if err != nil {
		return err
	}
	acc.DepositedLamports = new(big.Int).Add(acc.DepositedLamports, new(big.Int).SetUint64(amountLamports))
	return m.PutAccount(owner, acc)
}

// RefundDeposit returns a previously held storage deposit to its owner.
func (m *Manager) RefundDeposit(owner crypto.Identity, amountLamports uint64) error {
	if amountLamports == 0 {
		return nil
	}
	acc, err := m.GetAccount(owner)
	if err != nil {
		return err
	}
	amt := new(big.Int).SetUint64(amountLamports)
	if acc.DepositedLamports.Cmp(amt) < 0 {
		return fmt.Errorf("state: refund exceeds held deposit for %s", owner)
	}
	if err := m.move(DepositVault, owner, amountLamports); err != nil {
		return err
	}
	acc, err = m.GetAccount(owner)
	if err != nil {
		return err
	}
	acc.DepositedLamports = new(big.Int).Sub(acc.DepositedLamports, amt)
	return m.PutAccount(owner, acc)
}

// ScanRecords walks every stored record in address order. Raw bytes are
// handed to fn; foreign or malformed entries are the caller's concern,
// which lets listing layers skip them without treating the store as
// corrupt.
func (m *Manager) ScanRecords(fn func(addr billing.Address, raw []byte) (bool, error)) error {
	return m.db.Iterate(recordPrefix, func(key, value []byte) (bool, error) {
		addr, err := billing.AddressFromBytes(key[len(recordPrefix):])
		if err != nil {
			return true, nil
		}
		return fn(addr, value)
	})
}

// PlansByMerchant scans the plan namespace and returns every plan owned by
// the merchant. This is the bulk-scan surface the presentation layer uses
// to enumerate "my plans"; the core keeps no per-owner index.
func (m *Manager) PlansByMerchant(merchant crypto.Identity) (map[billing.Address]*billing.Plan, error) {
	out := make(map[billing.Address]*billing.Plan)
	err := m.ScanRecords(func(addr billing.Address, raw []byte) (bool, error) {
		if !billing.IsPlanRecord(raw) {
			return true, nil
		}
		plan, err := billing.DecodePlan(raw)
		if err != nil {
			// Malformed record under a plan tag: skip, it is not ours to fail on.
			return true, nil
		}
		if plan.Merchant == merchant {
			out[addr] = plan
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubscriptionsBySubscriber scans the subscription namespace and returns
// every subscription held by the subscriber.
func (m *Manager) SubscriptionsBySubscriber(subscriber crypto.Identity) (map[billing.Address]*billing.Subscription, error) {
	out := make(map[billing.Address]*billing.Subscription)
	err := m.ScanRecords(func(addr billing.Address, raw []byte) (bool, error) {
		if !billing.IsSubscriptionRecord(raw) {
			return true, nil
		}
		sub, err := billing.DecodeSubscription(raw)
		if err != nil {
			return true, nil
		}
		if sub.Subscriber == subscriber {
			out[addr] = sub
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
