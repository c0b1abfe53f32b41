package models

import "github.com/punchamoorthee/tenantledger/internal/domain"

// Amounts travel as decimal strings ("125.50") in both directions.

// OpenAccountRequest is the payload for POST /accounts.
type OpenAccountRequest struct {
	ID             string `json:"id,omitempty"`
	Type           string `json:"type"`
	InitialBalance string `json:"initial_balance,omitempty"`
	MinimumBalance string `json:"minimum_balance,omitempty"`
	OverdraftLimit string `json:"overdraft_limit,omitempty"`
}

// AccountStatusRequest is the payload for PATCH /accounts/{id}/status.
type AccountStatusRequest struct {
	Status string `json:"status"`
}

// TransactionRequest is the payload for POST /transactions. The
// idempotency key comes from the Idempotency-Key header.
type TransactionRequest struct {
	Type          string `json:"type"`
	FromAccountID string `json:"from_account_id,omitempty"`
	ToAccountID   string `json:"to_account_id,omitempty"`
	Amount        string `json:"amount"`
	Description   string `json:"description,omitempty"`
}

// ReversalRequest is the optional payload for POST /transactions/{id}/reversal.
type ReversalRequest struct {
	Description          string `json:"description,omitempty"`
	BypassMinimumBalance bool   `json:"bypass_minimum_balance,omitempty"`
}

// TransactionResponse is the canonical response structure.
type TransactionResponse struct {
	Transaction domain.Transaction   `json:"transaction"`
	Entries     []domain.LedgerEntry `json:"entries"`
	Replayed    bool                 `json:"replayed"`
}

func NewTransactionResponse(res *domain.TransactionResult) TransactionResponse {
	entries := res.Entries
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return TransactionResponse{Transaction: res.Transaction, Entries: entries, Replayed: res.Replayed}
}

// EntriesResponse lists an account's ledger history.
type EntriesResponse struct {
	AccountID string               `json:"account_id"`
	Entries   []domain.LedgerEntry `json:"entries"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      domain.ErrorCode `json:"code,omitempty"`
	Field     string           `json:"field,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}
