package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/punchamoorthee/tenantledger/internal/domain"
)

// Memory is an in-process Store. Units stage their writes and validate
// account versions, transaction statuses and unique keys at commit, which
// gives the same optimistic-concurrency behaviour as the SQL stores.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[scoped]domain.Account
	transactions map[scoped]domain.Transaction
	references   map[scoped]string
	entries      []domain.LedgerEntry
	idempotency  map[scoped]domain.IdempotencyRecord

	// inflight holds one channel per reserved key, closed when the
	// reserving unit ends.
	inflight map[scoped]chan struct{}
}

type scoped struct {
	TenantID string
	ID       string
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[scoped]domain.Account),
		transactions: make(map[scoped]domain.Transaction),
		references:   make(map[scoped]string),
		idempotency:  make(map[scoped]domain.IdempotencyRecord),
		inflight:     make(map[scoped]chan struct{}),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateAccount(_ context.Context, acc domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := scoped{acc.TenantID, acc.ID}
	if _, ok := m.accounts[k]; ok {
		return ErrAlreadyExists
	}
	m.accounts[k] = acc
	return nil
}

func (m *Memory) GetAccount(_ context.Context, tenantID, id string) (domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[scoped{tenantID, id}]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return acc, nil
}

func (m *Memory) GetTransaction(_ context.Context, tenantID, id string) (domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[scoped{tenantID, id}]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (m *Memory) TransactionEntries(_ context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterEntries(m.entries, func(e domain.LedgerEntry) bool {
		return e.TenantID == tenantID && e.TransactionID == transactionID
	}), nil
}

func (m *Memory) AccountEntries(_ context.Context, tenantID, accountID string) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterEntries(m.entries, func(e domain.LedgerEntry) bool {
		return e.TenantID == tenantID && e.AccountID == accountID
	}), nil
}

func (m *Memory) FindIdempotency(_ context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.idempotency[scoped{tenantID, key}]
	if !ok {
		return domain.IdempotencyRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) DeleteExpiredIdempotency(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.idempotency {
		if rec.ExpiresAt.Before(before) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

// WithinUnit runs fn against a staging view and applies the staged writes
// in one critical section if fn succeeds.
func (m *Memory) WithinUnit(ctx context.Context, fn func(Unit) error) error {
	u := &memoryUnit{
		parent:   m,
		accounts: make(map[scoped]domain.Account),
		expected: make(map[scoped]int64),
		statuses: make(map[scoped]statusChange),
		keys:     make(map[scoped]domain.IdempotencyRecord),
	}
	defer u.release()

	if err := fn(u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(u)
}

func (m *Memory) commit(u *memoryUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, version := range u.expected {
		current, ok := m.accounts[k]
		if !ok || current.Version != version {
			return ErrConflict
		}
	}
	for k, change := range u.statuses {
		current, ok := m.transactions[k]
		if !ok || current.Status != change.from {
			return ErrConflict
		}
	}
	for _, tx := range u.transactions {
		if _, ok := m.transactions[scoped{tx.TenantID, tx.ID}]; ok {
			return ErrConflict
		}
		if _, ok := m.references[scoped{tx.TenantID, tx.Reference}]; ok {
			return ErrConflict
		}
	}
	for k := range u.keys {
		if _, ok := m.idempotency[k]; ok {
			return ErrDuplicateKey
		}
	}

	for k, acc := range u.accounts {
		m.accounts[k] = acc
	}
	for k, change := range u.statuses {
		tx := m.transactions[k]
		tx.Status = change.to
		m.transactions[k] = tx
	}
	for _, tx := range u.transactions {
		m.transactions[scoped{tx.TenantID, tx.ID}] = tx
		m.references[scoped{tx.TenantID, tx.Reference}] = tx.ID
	}
	m.entries = append(m.entries, u.entries...)
	for k, rec := range u.keys {
		m.idempotency[k] = rec
	}
	return nil
}

type statusChange struct {
	from, to domain.TransactionStatus
}

type memoryUnit struct {
	parent *Memory

	accounts     map[scoped]domain.Account
	expected     map[scoped]int64
	statuses     map[scoped]statusChange
	transactions []domain.Transaction
	entries      []domain.LedgerEntry
	reserved     []scoped
	keys         map[scoped]domain.IdempotencyRecord
}

func (u *memoryUnit) release() {
	if len(u.reserved) == 0 {
		return
	}
	u.parent.mu.Lock()
	defer u.parent.mu.Unlock()
	for _, k := range u.reserved {
		close(u.parent.inflight[k])
		delete(u.parent.inflight, k)
	}
}

func (u *memoryUnit) LockAccounts(_ context.Context, tenantID string, ids ...string) (map[string]domain.Account, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	u.parent.mu.RLock()
	defer u.parent.mu.RUnlock()

	out := make(map[string]domain.Account, len(sorted))
	for _, id := range sorted {
		k := scoped{tenantID, id}
		if acc, ok := u.accounts[k]; ok {
			out[id] = acc
			continue
		}
		if acc, ok := u.parent.accounts[k]; ok {
			out[id] = acc
		}
	}
	return out, nil
}

func (u *memoryUnit) GetTransaction(_ context.Context, tenantID, id string) (domain.Transaction, error) {
	k := scoped{tenantID, id}
	for _, tx := range u.transactions {
		if tx.TenantID == tenantID && tx.ID == id {
			return tx, nil
		}
	}

	u.parent.mu.RLock()
	defer u.parent.mu.RUnlock()

	tx, ok := u.parent.transactions[k]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	if change, ok := u.statuses[k]; ok {
		tx.Status = change.to
	}
	return tx, nil
}

func (u *memoryUnit) TransactionEntries(ctx context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error) {
	committed, err := u.parent.TransactionEntries(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	staged := filterEntries(u.entries, func(e domain.LedgerEntry) bool {
		return e.TenantID == tenantID && e.TransactionID == transactionID
	})
	return append(committed, staged...), nil
}

func (u *memoryUnit) ReferenceExists(_ context.Context, tenantID, reference string) (bool, error) {
	for _, tx := range u.transactions {
		if tx.TenantID == tenantID && tx.Reference == reference {
			return true, nil
		}
	}

	u.parent.mu.RLock()
	defer u.parent.mu.RUnlock()
	_, ok := u.parent.references[scoped{tenantID, reference}]
	return ok, nil
}

func (u *memoryUnit) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	u.transactions = append(u.transactions, tx)
	return nil
}

func (u *memoryUnit) InsertEntries(_ context.Context, entries []domain.LedgerEntry) error {
	u.entries = append(u.entries, entries...)
	return nil
}

func (u *memoryUnit) UpdateAccount(_ context.Context, acc domain.Account) (domain.Account, error) {
	k := scoped{acc.TenantID, acc.ID}
	if staged, ok := u.accounts[k]; ok {
		if staged.Version != acc.Version {
			return domain.Account{}, ErrConflict
		}
	} else {
		u.parent.mu.RLock()
		current, ok := u.parent.accounts[k]
		u.parent.mu.RUnlock()
		if !ok {
			return domain.Account{}, ErrNotFound
		}
		if current.Version != acc.Version {
			return domain.Account{}, ErrConflict
		}
		u.expected[k] = acc.Version
	}
	acc.Version++
	u.accounts[k] = acc
	return acc, nil
}

func (u *memoryUnit) UpdateTransactionStatus(ctx context.Context, tenantID, id string, from, to domain.TransactionStatus) error {
	tx, err := u.GetTransaction(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if tx.Status != from {
		return ErrConflict
	}
	k := scoped{tenantID, id}
	if change, ok := u.statuses[k]; ok {
		from = change.from
	}
	u.statuses[k] = statusChange{from: from, to: to}
	return nil
}

// ReserveIdempotency waits while another unit holds the key, the way a
// second INSERT waits on the holder's row lock in Postgres. Once the holder
// ends the key is either committed (ErrDuplicateKey) or free to claim.
func (u *memoryUnit) ReserveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	k := scoped{rec.TenantID, rec.Key}
	for _, r := range u.reserved {
		if r == k {
			return ErrKeyInFlight
		}
	}

	for {
		u.parent.mu.Lock()
		if _, ok := u.parent.idempotency[k]; ok {
			u.parent.mu.Unlock()
			return ErrDuplicateKey
		}
		held, ok := u.parent.inflight[k]
		if !ok {
			u.parent.inflight[k] = make(chan struct{})
			u.reserved = append(u.reserved, k)
			u.parent.mu.Unlock()
			return nil
		}
		u.parent.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return errors.Annotatef(ErrKeyInFlight, "waiting for key %q: %v", rec.Key, ctx.Err())
		}
	}
}

func (u *memoryUnit) CompleteIdempotency(_ context.Context, rec domain.IdempotencyRecord) error {
	k := scoped{rec.TenantID, rec.Key}
	for _, r := range u.reserved {
		if r == k {
			u.keys[k] = rec
			return nil
		}
	}
	return ErrNotFound
}

func filterEntries(entries []domain.LedgerEntry, keep func(domain.LedgerEntry) bool) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
