package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrExists   = errors.New("account already exists")
)

// Store holds one Account per principal and guarantees at-most-one mutation
// in flight per account id. Concurrent requests against the same id queue
// on that account's lock; different ids proceed independently. This closes
// the lost-update window a naive fetch-modify-save flow leaves open.
// persistence is the durable half of the store. *db is the production
// implementation.
type persistence interface {
	SaveAccount(acc *Account) error
	DeleteAccount(id string) error
	LoadAllAccounts() ([]*Account, error)
	Close() error
}

type Store struct {
	mu       sync.Mutex // guards accounts and locks maps, never held across fn
	accounts map[string]*Account
	locks    map[string]*sync.Mutex

	db  persistence
	log *zap.SugaredLogger
}

// Open opens the backing database and warms the in-memory cache with every
// persisted account.
func Open(dbPath string, logger *zap.SugaredLogger) (*Store, error) {
	d, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	accounts, err := d.LoadAllAccounts()
	if err != nil {
		d.Close()
		return nil, err
	}

	s := &Store{
		accounts: make(map[string]*Account, len(accounts)),
		locks:    make(map[string]*sync.Mutex),
		db:       d,
		log:      logger,
	}
	for _, acc := range accounts {
		s.accounts[acc.ID] = acc
	}

	logger.Infow("ledger_opened", "path", dbPath, "accounts", len(accounts))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// lockFor returns the exclusive lock for an account id, creating it on
// first use. Locks outlive deletion; a stale lock for a deleted id is
// harmless.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// WithAccount runs fn against a working copy of the account under that
// account's exclusive lock, persists the copy, and only then swaps it into
// the cache. If fn or the persist fails the cached record is untouched, so
// readers never see state that isn't on disk.
func (s *Store) WithAccount(id string, fn func(*Account) error) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	acc, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	next := acc.Clone()
	if err := fn(next); err != nil {
		return err
	}

	if err := s.db.SaveAccount(next); err != nil {
		s.log.Errorw("account_persist_failed", "id", id, "err", err)
		return err
	}

	s.mu.Lock()
	s.accounts[id] = next
	s.mu.Unlock()
	return nil
}

// Get returns a deep copy of the account, taken under its lock so no
// partially applied trade is ever visible.
func (s *Store) Get(id string) (*Account, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	acc, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return acc.Clone(), nil
}

// List returns copies of every account, sorted by id.
func (s *Store) List() []*Account {
	s.mu.Lock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		if acc, err := s.Get(id); err == nil {
			out = append(out, acc)
		}
	}
	return out
}

// Create registers a new account and persists it.
func (s *Store) Create(acc *Account) error {
	if err := acc.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}

	l := s.lockFor(acc.ID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	_, ok := s.accounts[acc.ID]
	s.mu.Unlock()
	if ok {
		return ErrExists
	}

	if err := s.db.SaveAccount(acc); err != nil {
		s.log.Errorw("account_persist_failed", "id", acc.ID, "err", err)
		return err
	}

	s.mu.Lock()
	s.accounts[acc.ID] = acc
	s.mu.Unlock()
	s.log.Infow("account_created", "id", acc.ID, "role", acc.Role)
	return nil
}

// Delete removes an account from cache and disk.
func (s *Store) Delete(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	_, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := s.db.DeleteAccount(id); err != nil {
		s.log.Errorw("account_delete_failed", "id", id, "err", err)
		return err
	}

	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()
	s.log.Infow("account_deleted", "id", id)
	return nil
}

// AdjustBalance sets the cash balance to an absolute value and records the
// delta as a DEPOSIT or WITHDRAW log line (price 0). Returns a copy of the
// updated account for notification.
func (s *Store) AdjustBalance(id string, newBalance float64) (*Account, error) {
	if newBalance < 0 {
		return nil, fmt.Errorf("balance cannot be negative: %f", newBalance)
	}

	var updated *Account
	err := s.WithAccount(id, func(acc *Account) error {
		delta := newBalance - acc.CashBalance
		acc.CashBalance = newBalance
		if delta != 0 {
			kind := LogDeposit
			if delta < 0 {
				kind = LogWithdraw
			}
			acc.AppendLog(NewLogEntry(kind, 0, math.Abs(delta), 0, 0, acc.CashBalance))
		}
		updated = acc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateIdentity changes display name and/or password hash. Nil pointers
// leave the field untouched.
func (s *Store) UpdateIdentity(id string, name, passwordHash *string) error {
	return s.WithAccount(id, func(acc *Account) error {
		if name != nil {
			acc.Name = *name
		}
		if passwordHash != nil {
			acc.PasswordHash = *passwordHash
		}
		return nil
	})
}
