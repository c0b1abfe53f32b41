package service

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

type ReverseRequest struct {
	TenantID       string
	TransactionID  string
	IdempotencyKey string
	Description    string

	// BypassMinimumBalance skips the balance rules for the compensating
	// entries. It is honoured only when the engine allows bypasses.
	BypassMinimumBalance bool
}

func (r ReverseRequest) validate(cfg Config) error {
	if r.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Message: "required"}
	}
	if r.TransactionID == "" {
		return &domain.ValidationError{Field: "transaction_id", Message: "required"}
	}
	if len(r.IdempotencyKey) > maxKeyLength {
		return &domain.ValidationError{Field: "idempotency_key", Message: "too long"}
	}
	if r.BypassMinimumBalance && !cfg.AllowReversalBypass {
		return &domain.ValidationError{Field: "bypass_minimum_balance", Message: "reversal bypass is disabled"}
	}
	return nil
}

// Reverse books compensating entries for a completed transaction and marks
// it Reversed. The original entries are left untouched.
func (e *Engine) Reverse(ctx context.Context, req ReverseRequest) (*domain.TransactionResult, error) {
	started := time.Now()
	res, err := e.reverse(ctx, req)
	observe(domain.TxReversal, res, err, started)
	return res, err
}

func (e *Engine) reverse(ctx context.Context, req ReverseRequest) (*domain.TransactionResult, error) {
	if err := req.validate(e.cfg); err != nil {
		return nil, err
	}
	res, err := e.execute(ctx, req.TenantID, req.IdempotencyKey, OpReverse, func(ctx context.Context, u store.Unit) (*domain.TransactionResult, error) {
		return e.reverseInUnit(ctx, u, req)
	})
	if err == nil && req.BypassMinimumBalance && !res.Replayed {
		reversalBypasses.Inc()
		logger.Warningf("tenant %s: transaction %s reversed by %s with the minimum balance check bypassed",
			req.TenantID, req.TransactionID, res.Transaction.ID)
	}
	return res, err
}

func (e *Engine) reverseInUnit(ctx context.Context, u store.Unit, req ReverseRequest) (*domain.TransactionResult, error) {
	orig, err := u.GetTransaction(ctx, req.TenantID, req.TransactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.NotFoundError{Kind: "transaction", ID: req.TransactionID}
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if orig.Status != domain.StatusCompleted || orig.Type == domain.TxReversal {
		return nil, &domain.StateError{TransactionID: orig.ID, Status: orig.Status, Type: orig.Type}
	}

	origEntries, err := u.TransactionEntries(ctx, req.TenantID, orig.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	legs := make([]leg, 0, len(origEntries))
	for _, entry := range origEntries {
		legs = append(legs, leg{
			AccountID: entry.AccountID,
			Direction: entry.Direction.Opposite(),
			Amount:    entry.Amount,
		})
	}

	accounts, err := e.lockLegs(ctx, u, req.TenantID, legs)
	if err != nil {
		return nil, err
	}
	now := e.now()
	entries, updated, err := planEntries(req.TenantID, legs, accounts, req.BypassMinimumBalance, now)
	if err != nil {
		return nil, err
	}

	ref, err := e.newReference(ctx, u, req.TenantID, now)
	if err != nil {
		return nil, err
	}
	description := req.Description
	if description == "" {
		description = "reversal of " + orig.Reference
	}
	tx := domain.Transaction{
		ID:             e.newID(),
		TenantID:       req.TenantID,
		Reference:      ref,
		Type:           domain.TxReversal,
		Amount:         orig.Amount,
		FromAccountID:  orig.ToAccountID,
		ToAccountID:    orig.FromAccountID,
		Status:         domain.StatusCompleted,
		IdempotencyKey: req.IdempotencyKey,
		Description:    description,
		ReversalOf:     orig.ID,
		CreatedAt:      now,
		ProcessedAt:    &now,
	}
	entries, err = e.post(ctx, u, tx, entries, updated)
	if err != nil {
		return nil, err
	}
	if err := u.UpdateTransactionStatus(ctx, req.TenantID, orig.ID, domain.StatusCompleted, domain.StatusReversed); err != nil {
		return nil, errors.Trace(err)
	}
	return &domain.TransactionResult{Transaction: tx, Entries: entries}, nil
}
