// Package service holds the transaction engine: it validates requests,
// replays idempotent outcomes, checks balance invariants and posts balanced
// ledger entries, all inside one unit of work per attempt.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/idempotency"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

var logger = loggo.GetLogger("ledger.service")

// Operation identifiers stored with idempotency records.
const (
	OpProcess = "process"
	OpReverse = "reverse"
)

const maxKeyLength = 255

// errRollback aborts a unit whose only outcome is a domain error.
const errRollback = errors.ConstError("rollback")

type Config struct {
	// MaxAttempts is the total number of tries for a unit that keeps
	// hitting write conflicts.
	MaxAttempts int

	// RetryDelay is the wait before the first retry; it doubles after each.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// CacheDomainErrors stores terminal domain errors under the request's
	// idempotency key so that retries return the same error.
	CacheDomainErrors bool

	// AllowReversalBypass permits reversals that ask to skip the balance rules.
	AllowReversalBypass bool

	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		RetryDelay:        50 * time.Millisecond,
		MaxRetryDelay:     time.Second,
		CacheDomainErrors: true,
		Clock:             clock.WallClock,
	}
}

type Engine struct {
	store    store.Store
	registry *idempotency.Registry
	cfg      Config

	newID  func() string
	suffix func() string
}

func NewEngine(st store.Store, reg *idempotency.Registry, cfg Config) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Engine{
		store:    st,
		registry: reg,
		cfg:      cfg,
		newID:    uuid.NewString,
		suffix:   referenceSuffix,
	}
}

// Params are the operation arguments of a ProcessRequest.
type Params struct {
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Description   string
}

type ProcessRequest struct {
	TenantID       string
	Type           domain.TransactionType
	Params         Params
	IdempotencyKey string
}

// Validate checks the request shape. It never touches storage.
func (r ProcessRequest) Validate() error {
	if r.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Message: "required"}
	}
	if len(r.IdempotencyKey) > maxKeyLength {
		return &domain.ValidationError{Field: "idempotency_key", Message: fmt.Sprintf("longer than %d characters", maxKeyLength)}
	}
	p := r.Params
	if !p.Amount.IsPositive() {
		return &domain.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !domain.HasMoneyScale(p.Amount) {
		return &domain.ValidationError{Field: "amount", Message: "at most two fractional digits allowed"}
	}
	for field, id := range map[string]string{"from_account_id": p.FromAccountID, "to_account_id": p.ToAccountID} {
		if id == domain.ExternalAccountID {
			return &domain.ValidationError{Field: field, Message: fmt.Sprintf("%q is reserved", id)}
		}
	}

	switch r.Type {
	case domain.TxDeposit:
		if p.ToAccountID == "" {
			return &domain.ValidationError{Field: "to_account_id", Message: "required for deposit"}
		}
		if p.FromAccountID != "" {
			return &domain.ValidationError{Field: "from_account_id", Message: "not allowed for deposit"}
		}
	case domain.TxWithdrawal:
		if p.FromAccountID == "" {
			return &domain.ValidationError{Field: "from_account_id", Message: "required for withdrawal"}
		}
		if p.ToAccountID != "" {
			return &domain.ValidationError{Field: "to_account_id", Message: "not allowed for withdrawal"}
		}
	case domain.TxTransfer:
		if p.FromAccountID == "" {
			return &domain.ValidationError{Field: "from_account_id", Message: "required for transfer"}
		}
		if p.ToAccountID == "" {
			return &domain.ValidationError{Field: "to_account_id", Message: "required for transfer"}
		}
		if p.FromAccountID == p.ToAccountID {
			return &domain.ValidationError{Field: "to_account_id", Message: "cannot transfer to the same account"}
		}
	case domain.TxReversal:
		return &domain.ValidationError{Field: "type", Message: "reversals are created through Reverse"}
	default:
		return &domain.ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", r.Type)}
	}
	return nil
}

// leg is one side of a proposed double entry.
type leg struct {
	AccountID string
	Direction domain.Direction
	Amount    decimal.Decimal
}

// legs maps a request onto debit/credit pairs. Funds entering or leaving
// the tenant's books are booked against the external counterparty.
func (r ProcessRequest) legs() []leg {
	amount := r.Params.Amount
	switch r.Type {
	case domain.TxDeposit:
		return []leg{
			{domain.ExternalAccountID, domain.Debit, amount},
			{r.Params.ToAccountID, domain.Credit, amount},
		}
	case domain.TxWithdrawal:
		return []leg{
			{r.Params.FromAccountID, domain.Debit, amount},
			{domain.ExternalAccountID, domain.Credit, amount},
		}
	default:
		return []leg{
			{r.Params.FromAccountID, domain.Debit, amount},
			{r.Params.ToAccountID, domain.Credit, amount},
		}
	}
}

// Process executes a deposit, withdrawal or transfer exactly once per
// idempotency key. A key that already has a record returns that record's
// outcome without re-running anything, even if the new params differ.
func (e *Engine) Process(ctx context.Context, req ProcessRequest) (*domain.TransactionResult, error) {
	started := time.Now()
	res, err := e.process(ctx, req)
	observe(req.Type, res, err, started)
	return res, err
}

func (e *Engine) process(ctx context.Context, req ProcessRequest) (*domain.TransactionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return e.execute(ctx, req.TenantID, req.IdempotencyKey, OpProcess, func(ctx context.Context, u store.Unit) (*domain.TransactionResult, error) {
		return e.processInUnit(ctx, u, req)
	})
}

func (e *Engine) processInUnit(ctx context.Context, u store.Unit, req ProcessRequest) (*domain.TransactionResult, error) {
	legs := req.legs()
	accounts, err := e.lockLegs(ctx, u, req.TenantID, legs)
	if err != nil {
		return nil, err
	}

	now := e.now()
	entries, updated, err := planEntries(req.TenantID, legs, accounts, false, now)
	if err != nil {
		return nil, err
	}

	ref, err := e.newReference(ctx, u, req.TenantID, now)
	if err != nil {
		return nil, err
	}
	tx := domain.Transaction{
		ID:             e.newID(),
		TenantID:       req.TenantID,
		Reference:      ref,
		Type:           req.Type,
		Amount:         req.Params.Amount,
		FromAccountID:  req.Params.FromAccountID,
		ToAccountID:    req.Params.ToAccountID,
		Status:         domain.StatusCompleted,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Params.Description,
		CreatedAt:      now,
		ProcessedAt:    &now,
	}
	entries, err = e.post(ctx, u, tx, entries, updated)
	if err != nil {
		return nil, err
	}
	return &domain.TransactionResult{Transaction: tx, Entries: entries}, nil
}

// lockLegs reads every non-external account named by legs for update. A
// missing account is NotFound.
func (e *Engine) lockLegs(ctx context.Context, u store.Unit, tenantID string, legs []leg) (map[string]domain.Account, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, l := range legs {
		if l.AccountID == domain.ExternalAccountID || seen[l.AccountID] {
			continue
		}
		seen[l.AccountID] = true
		ids = append(ids, l.AccountID)
	}

	accounts, err := u.LockAccounts(ctx, tenantID, ids...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, id := range ids {
		if _, ok := accounts[id]; !ok {
			return nil, &domain.NotFoundError{Kind: "account", ID: id}
		}
	}
	return accounts, nil
}

// planEntries runs the invariant checker over legs in order and returns the
// entries to write, with resulting balances, plus the updated accounts in
// ascending id order. It writes nothing.
func planEntries(tenantID string, legs []leg, accounts map[string]domain.Account, skipBalance bool, now time.Time) ([]domain.LedgerEntry, []domain.Account, error) {
	running := make(map[string]domain.Account, len(accounts))
	for id, acc := range accounts {
		running[id] = acc
	}
	touched := make(map[string]bool)

	entries := make([]domain.LedgerEntry, 0, len(legs))
	for _, l := range legs {
		entry := domain.LedgerEntry{
			TenantID:         tenantID,
			AccountID:        l.AccountID,
			Direction:        l.Direction,
			Amount:           l.Amount,
			ResultingBalance: decimal.Zero,
			CreatedAt:        now,
		}
		if l.AccountID != domain.ExternalAccountID {
			acc := running[l.AccountID]
			if err := CheckLeg(LegCheck{Account: acc, Direction: l.Direction, Amount: l.Amount, SkipBalance: skipBalance}); err != nil {
				return nil, nil, err
			}
			acc.Balance = l.Direction.Apply(acc.Balance, l.Amount)
			acc.UpdatedAt = now
			running[l.AccountID] = acc
			touched[l.AccountID] = true
			entry.ResultingBalance = acc.Balance
		}
		entries = append(entries, entry)
	}
	if !Balanced(entries) {
		return nil, nil, errors.Errorf("entry set for %d legs does not balance", len(legs))
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	updated := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		updated = append(updated, running[id])
	}
	return entries, updated, nil
}

// post writes tx, its entries and the new account balances.
func (e *Engine) post(ctx context.Context, u store.Unit, tx domain.Transaction, entries []domain.LedgerEntry, updated []domain.Account) ([]domain.LedgerEntry, error) {
	for i := range entries {
		entries[i].ID = e.newID()
		entries[i].TransactionID = tx.ID
	}
	if err := u.InsertTransaction(ctx, tx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := u.InsertEntries(ctx, entries); err != nil {
		return nil, errors.Trace(err)
	}
	for _, acc := range updated {
		if _, err := u.UpdateAccount(ctx, acc); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return entries, nil
}

type unitBody func(ctx context.Context, u store.Unit) (*domain.TransactionResult, error)

// execute runs body under the idempotency protocol, retrying the whole
// attempt on write conflicts. body must return domain errors before it
// writes anything.
func (e *Engine) execute(ctx context.Context, tenantID, key, op string, body unitBody) (*domain.TransactionResult, error) {
	var res *domain.TransactionResult
	err := e.withRetry(ctx, op, func() error {
		r, err := e.attempt(ctx, tenantID, key, op, body)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) attempt(ctx context.Context, tenantID, key, op string, body unitBody) (*domain.TransactionResult, error) {
	if key != "" {
		rec, err := e.registry.Find(ctx, tenantID, key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if rec.Operation != op {
				replayMismatches.Inc()
				logger.Warningf("tenant %s key %q: first used for %s, replaying that outcome for %s",
					tenantID, key, rec.Operation, op)
			}
			logger.Tracef("tenant %s key %q: replaying stored outcome", tenantID, key)
			return rec.Result.Outcome()
		}
	}

	var (
		res       *domain.TransactionResult
		domainErr error
	)
	err := e.store.WithinUnit(ctx, func(u store.Unit) error {
		if key != "" {
			if err := e.registry.Reserve(ctx, u, tenantID, key, op); err != nil {
				return err
			}
		}

		r, err := body(ctx, u)
		if err != nil {
			if !domain.IsDomainError(err) {
				return err
			}
			domainErr = err
			if key != "" && e.cfg.CacheDomainErrors && domain.IsCacheable(err) {
				// Only the idempotency record is committed.
				return e.registry.Store(ctx, u, tenantID, key, op, domain.StoredResult{
					ErrorCode:    domain.Code(err),
					ErrorMessage: err.Error(),
				})
			}
			return errRollback
		}

		if key != "" {
			err := e.registry.Store(ctx, u, tenantID, key, op, domain.StoredResult{
				Transaction: &r.Transaction,
				Entries:     r.Entries,
			})
			if err != nil {
				return err
			}
		}
		res = r
		return nil
	})

	switch {
	case errors.Is(err, idempotency.ErrKeyTaken), errors.Is(err, store.ErrDuplicateKey):
		return e.awaitWinner(ctx, tenantID, key)
	case errors.Is(err, errRollback):
		return nil, domainErr
	case err != nil:
		return nil, err
	case domainErr != nil:
		return nil, domainErr
	}
	return res, nil
}

// awaitWinner waits for the request holding key to commit and replays its
// outcome. If the holder rolled back the attempt counts as a conflict.
func (e *Engine) awaitWinner(ctx context.Context, tenantID, key string) (*domain.TransactionResult, error) {
	rec, err := e.registry.Await(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Annotatef(store.ErrConflict, "key %q released without an outcome", key)
	}
	return rec.Result.Outcome()
}

// withRetry calls fn until it succeeds, fails with something other than a
// write conflict, or runs out of attempts. The returned error is always
// part of the domain taxonomy, or the context's error.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var (
		attempts int
		lastErr  error
	)
	callErr := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			if attempts > 1 {
				optimisticRetries.Inc()
			}
			lastErr = fn()
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !store.IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("%s attempt %d hit a write conflict: %v", op, attempt, err)
		},
		Attempts:    e.cfg.MaxAttempts,
		Delay:       e.cfg.RetryDelay,
		MaxDelay:    e.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if callErr == nil {
		return nil
	}

	switch {
	case lastErr == nil:
		return &domain.StorageError{Op: op, Err: callErr}
	case !store.IsRetryable(lastErr):
		return e.classify(op, lastErr)
	case ctx.Err() != nil:
		return errors.Annotatef(ctx.Err(), "%s abandoned after %d attempts", op, attempts)
	}
	logger.Warningf("%s gave up after %d conflicting attempts: %v", op, attempts, lastErr)
	return &domain.ConflictError{Attempts: attempts, Last: lastErr}
}

// classify passes domain and context errors through and wraps everything
// else as a storage failure.
func (e *Engine) classify(op string, err error) error {
	switch {
	case domain.IsDomainError(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, domain.ErrStorageFailure):
		return err
	}
	logger.Errorf("%s failed: %v", op, err)
	return &domain.StorageError{Op: op, Err: err}
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
}
