package service

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

// OpenAccountRequest is what the account-opening workflow hands over.
// An empty ID gets a generated one.
type OpenAccountRequest struct {
	TenantID       string
	ID             string
	Type           domain.AccountType
	InitialBalance decimal.Decimal
	MinimumBalance decimal.Decimal
	OverdraftLimit decimal.Decimal
}

func (r OpenAccountRequest) validate() error {
	if r.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Message: "required"}
	}
	if r.ID == domain.ExternalAccountID {
		return &domain.ValidationError{Field: "id", Message: fmt.Sprintf("%q is reserved", r.ID)}
	}
	if !r.Type.Valid() {
		return &domain.ValidationError{Field: "type", Message: fmt.Sprintf("unknown account type %q", r.Type)}
	}
	for field, d := range map[string]decimal.Decimal{
		"initial_balance": r.InitialBalance,
		"minimum_balance": r.MinimumBalance,
		"overdraft_limit": r.OverdraftLimit,
	} {
		if d.IsNegative() {
			return &domain.ValidationError{Field: field, Message: "must not be negative"}
		}
		if !domain.HasMoneyScale(d) {
			return &domain.ValidationError{Field: field, Message: "at most two fractional digits allowed"}
		}
	}
	if r.InitialBalance.LessThan(r.MinimumBalance) {
		return &domain.ValidationError{Field: "initial_balance", Message: "below the minimum balance"}
	}
	return nil
}

// OpenAccount creates an Active account.
func (e *Engine) OpenAccount(ctx context.Context, req OpenAccountRequest) (domain.Account, error) {
	if err := req.validate(); err != nil {
		return domain.Account{}, err
	}
	id := req.ID
	if id == "" {
		id = e.newID()
	}
	now := e.now()
	acc := domain.Account{
		ID:             id,
		TenantID:       req.TenantID,
		Type:           req.Type,
		Status:         domain.AccountActive,
		Balance:        req.InitialBalance,
		MinimumBalance: req.MinimumBalance,
		OverdraftLimit: req.OverdraftLimit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.store.CreateAccount(ctx, acc)
	if errors.Is(err, store.ErrAlreadyExists) {
		return domain.Account{}, &domain.ValidationError{Field: "id", Message: fmt.Sprintf("account %s already exists", id)}
	}
	if err != nil {
		return domain.Account{}, e.classify("open account", err)
	}
	logger.Infof("tenant %s: opened %s account %s", acc.TenantID, acc.Type, acc.ID)
	return acc, nil
}

// ChangeAccountStatus moves an account between Active and Frozen, or to
// Closed. Closed is terminal. Setting the current status again is a no-op.
func (e *Engine) ChangeAccountStatus(ctx context.Context, tenantID, id string, status domain.AccountStatus) (domain.Account, error) {
	if !status.Valid() {
		return domain.Account{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown account status %q", status)}
	}

	var result domain.Account
	err := e.withRetry(ctx, "change account status", func() error {
		return e.store.WithinUnit(ctx, func(u store.Unit) error {
			accounts, err := u.LockAccounts(ctx, tenantID, id)
			if err != nil {
				return errors.Trace(err)
			}
			acc, ok := accounts[id]
			if !ok {
				return &domain.NotFoundError{Kind: "account", ID: id}
			}
			if acc.Status == status {
				result = acc
				return nil
			}
			if !acc.Status.CanTransitionTo(status) {
				return &domain.ValidationError{
					Field:   "status",
					Message: fmt.Sprintf("account cannot move from %s to %s", acc.Status, status),
				}
			}
			acc.Status = status
			acc.UpdatedAt = e.now()
			updated, err := u.UpdateAccount(ctx, acc)
			if err != nil {
				return errors.Trace(err)
			}
			result = updated
			return nil
		})
	})
	if err != nil {
		return domain.Account{}, err
	}
	return result, nil
}

func (e *Engine) Account(ctx context.Context, tenantID, id string) (domain.Account, error) {
	acc, err := e.store.GetAccount(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, &domain.NotFoundError{Kind: "account", ID: id}
	}
	if err != nil {
		return domain.Account{}, e.classify("read account", err)
	}
	return acc, nil
}

// Transaction returns a transaction with its ledger entries.
func (e *Engine) Transaction(ctx context.Context, tenantID, id string) (*domain.TransactionResult, error) {
	tx, err := e.store.GetTransaction(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.NotFoundError{Kind: "transaction", ID: id}
	}
	if err != nil {
		return nil, e.classify("read transaction", err)
	}
	entries, err := e.store.TransactionEntries(ctx, tenantID, id)
	if err != nil {
		return nil, e.classify("read entries", err)
	}
	return &domain.TransactionResult{Transaction: tx, Entries: entries}, nil
}

// AccountEntries returns the account's ledger history, oldest first.
func (e *Engine) AccountEntries(ctx context.Context, tenantID, id string) ([]domain.LedgerEntry, error) {
	if _, err := e.Account(ctx, tenantID, id); err != nil {
		return nil, err
	}
	entries, err := e.store.AccountEntries(ctx, tenantID, id)
	if err != nil {
		return nil, e.classify("read entries", err)
	}
	return entries, nil
}
