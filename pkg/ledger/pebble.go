package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// db wraps Pebble persistence for accounts. JSON values under "acct/<id>"
// keys. Thread-safe only through Store's per-account serialization.
type db struct {
	pdb *pebble.DB
}

func openDB(path string) (*db, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20), // 32MB, account records are tiny
		MemTableSize: 16 << 20,
	}

	pdb, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}

	return &db{pdb: pdb}, nil
}

func (d *db) Close() error {
	return d.pdb.Close()
}

func accountKey(id string) []byte {
	return []byte("acct/" + id)
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix, for iterator bounds.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff
}

// SaveAccount persists an account
func (d *db) SaveAccount(acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	if err := d.pdb.Set(accountKey(acc.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

// DeleteAccount removes an account record. Deleting a missing key is a no-op.
func (d *db) DeleteAccount(id string) error {
	if err := d.pdb.Delete(accountKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// LoadAllAccounts iterates every persisted account, for warm-up at boot.
func (d *db) LoadAllAccounts() ([]*Account, error) {
	prefix := []byte("acct/")
	iter, err := d.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var accounts []*Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue // Skip invalid entries
		}
		accounts = append(accounts, &acc)
	}

	return accounts, nil
}
