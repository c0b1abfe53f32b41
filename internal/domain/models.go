package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExternalAccountID is the counterparty of legs that move funds into or out
// of a tenant's books (the cash side of deposits and withdrawals). It has no
// account row and no tracked balance.
const ExternalAccountID = "external"

type AccountType string

const (
	AccountSavings      AccountType = "savings"
	AccountChecking     AccountType = "checking"
	AccountFixedDeposit AccountType = "fixed_deposit"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountSavings, AccountChecking, AccountFixedDeposit:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountFrozen, AccountClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether an account may move from s to next.
// Active and Frozen may swap; either may close; Closed is terminal.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	switch s {
	case AccountActive:
		return next == AccountFrozen || next == AccountClosed
	case AccountFrozen:
		return next == AccountActive || next == AccountClosed
	}
	return false
}

// Account is a tenant-scoped balance holder. Balance is only ever changed
// together with the ledger entries that explain it.
type Account struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Type           AccountType     `json:"type"`
	Status         AccountStatus   `json:"status"`
	Balance        decimal.Decimal `json:"balance"`
	MinimumBalance decimal.Decimal `json:"minimum_balance"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxTransfer   TransactionType = "transfer"
	TxReversal   TransactionType = "reversal"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxTransfer, TxReversal:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusReversed  TransactionStatus = "reversed"
)

// CanTransitionTo reports whether a transaction may move from s to next.
// Status only ever moves forward.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return next == StatusReversed
	}
	return false
}

// Transaction represents the intent to move money.
type Transaction struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Reference      string            `json:"reference"`
	Type           TransactionType   `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	FromAccountID  string            `json:"from_account_id,omitempty"`
	ToAccountID    string            `json:"to_account_id,omitempty"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Description    string            `json:"description,omitempty"`
	ReversalOf     string            `json:"reversal_of,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

func (d Direction) Opposite() Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}

// Apply returns balance after an entry of amount in direction d.
// Credits increase an account balance, debits decrease it.
func (d Direction) Apply(balance, amount decimal.Decimal) decimal.Decimal {
	if d == Credit {
		return balance.Add(amount)
	}
	return balance.Sub(amount)
}

// LedgerEntry represents one leg of a double-entry transaction.
// For a given TransactionID the debit and credit amounts always sum equal.
type LedgerEntry struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	TransactionID    string          `json:"transaction_id"`
	AccountID        string          `json:"account_id"`
	Direction        Direction       `json:"direction"`
	Amount           decimal.Decimal `json:"amount"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TransactionResult is what the engine hands back for a processed or
// replayed operation.
type TransactionResult struct {
	Transaction Transaction   `json:"transaction"`
	Entries     []LedgerEntry `json:"entries"`
	Replayed    bool          `json:"-"`
}

// StoredResult is the outcome kept under an idempotency key: either the
// committed transaction with its entries, or a terminal domain error.
type StoredResult struct {
	Transaction  *Transaction  `json:"transaction,omitempty"`
	Entries      []LedgerEntry `json:"entries,omitempty"`
	ErrorCode    ErrorCode     `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Outcome turns a stored result back into what Process or Reverse return.
func (r StoredResult) Outcome() (*TransactionResult, error) {
	if r.ErrorCode != "" {
		return nil, ErrorFromCode(r.ErrorCode, r.ErrorMessage)
	}
	if r.Transaction == nil {
		return nil, &StorageError{Op: "replay", Err: ErrEmptyStoredResult}
	}
	return &TransactionResult{
		Transaction: *r.Transaction,
		Entries:     append([]LedgerEntry(nil), r.Entries...),
		Replayed:    true,
	}, nil
}

// IdempotencyRecord maps a tenant's idempotency key to the first outcome
// produced under it.
type IdempotencyRecord struct {
	TenantID      string       `json:"tenant_id"`
	Key           string       `json:"key"`
	Operation     string       `json:"operation"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Result        StoredResult `json:"result"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// ExpiredAt reports whether the record's expiry passed strictly before now.
func (r IdempotencyRecord) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}
