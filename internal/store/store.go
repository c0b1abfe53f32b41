// Package store persists accounts, transactions, ledger entries and
// idempotency records. Every balance mutation goes through a Unit, which
// commits or rolls back as a whole.
package store

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/punchamoorthee/tenantledger/internal/domain"
)

var logger = loggo.GetLogger("ledger.store")

// Errors returned by every implementation. Driver errors are translated
// into these so the engine can decide what is worth retrying.
const (
	// ErrNotFound is returned when a row does not exist in the tenant scope.
	ErrNotFound = errors.ConstError("record not found")

	// ErrConflict is returned when a concurrent writer got there first:
	// account version mismatch, serialization failure, deadlock, or a
	// reference collision at insert time. The whole unit may be retried.
	ErrConflict = errors.ConstError("write conflict")

	// ErrDuplicateKey is returned when an idempotency key is already
	// committed for the tenant.
	ErrDuplicateKey = errors.ConstError("idempotency key already recorded")

	// ErrKeyInFlight is returned when another open unit of work still
	// holds the idempotency key and the caller stopped waiting for it.
	ErrKeyInFlight = errors.ConstError("idempotency key reserved by an open unit of work")

	// ErrAlreadyExists is returned when an account id is taken.
	ErrAlreadyExists = errors.ConstError("record already exists")
)

// Store is the durable ledger. Reads outside a Unit see committed state
// only; writes to ledger tables happen exclusively inside WithinUnit.
type Store interface {
	// WithinUnit runs fn inside one atomic unit of work. If fn returns an
	// error nothing is written; otherwise the unit is committed and any
	// commit failure is returned.
	WithinUnit(ctx context.Context, fn func(Unit) error) error

	// CreateAccount persists a newly opened account.
	CreateAccount(ctx context.Context, acc domain.Account) error

	GetAccount(ctx context.Context, tenantID, id string) (domain.Account, error)
	GetTransaction(ctx context.Context, tenantID, id string) (domain.Transaction, error)
	TransactionEntries(ctx context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error)

	// AccountEntries returns an account's entries in the order they were written.
	AccountEntries(ctx context.Context, tenantID, accountID string) ([]domain.LedgerEntry, error)

	// FindIdempotency returns the committed record for (tenant, key).
	FindIdempotency(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error)

	// DeleteExpiredIdempotency removes records whose expiry is strictly
	// before the given instant and reports how many were removed.
	DeleteExpiredIdempotency(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Unit is the view of the store inside one unit of work.
type Unit interface {
	// LockAccounts reads the given accounts for update, in ascending id
	// order. Accounts that do not exist are absent from the result.
	LockAccounts(ctx context.Context, tenantID string, ids ...string) (map[string]domain.Account, error)

	// GetTransaction reads a transaction for update.
	GetTransaction(ctx context.Context, tenantID, id string) (domain.Transaction, error)
	TransactionEntries(ctx context.Context, tenantID, transactionID string) ([]domain.LedgerEntry, error)
	ReferenceExists(ctx context.Context, tenantID, reference string) (bool, error)

	InsertTransaction(ctx context.Context, tx domain.Transaction) error
	InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error

	// UpdateAccount writes acc if the stored version still equals
	// acc.Version and returns it with the version incremented. A version
	// mismatch is ErrConflict.
	UpdateAccount(ctx context.Context, acc domain.Account) (domain.Account, error)

	// UpdateTransactionStatus moves a transaction from one status to
	// another. If the stored status is no longer from, it is ErrConflict.
	UpdateTransactionStatus(ctx context.Context, tenantID, id string, from, to domain.TransactionStatus) error

	// ReserveIdempotency claims (tenant, key) for this unit. The claim is
	// enforced by the storage layer: a concurrent claimant waits for the
	// holder to end, then either claims the key or fails with
	// ErrDuplicateKey. It fails with ErrKeyInFlight if ctx ends first.
	ReserveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error

	// CompleteIdempotency stores the outcome under a key reserved by this unit.
	CompleteIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error
}

// IsRetryable reports whether a unit that failed with err may be re-run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
