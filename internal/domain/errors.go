package domain

import (
	"fmt"

	"github.com/juju/errors"
)

// Sentinel errors, matched with errors.Is. The structured error types below
// unwrap to exactly one of these.
const (
	ErrValidation          = errors.ConstError("validation error")
	ErrInsufficientFunds   = errors.ConstError("insufficient funds")
	ErrAccountNotActive    = errors.ConstError("account not active")
	ErrBelowMinimumBalance = errors.ConstError("below minimum balance")
	ErrConcurrencyConflict = errors.ConstError("concurrency conflict")
	ErrNotFound            = errors.ConstError("not found")
	ErrAlreadyReversed     = errors.ConstError("transaction already reversed")
	ErrInvalidState        = errors.ConstError("invalid transaction state")
	ErrStorageFailure      = errors.ConstError("storage failure")

	// ErrEmptyStoredResult means an idempotency record carries neither a
	// transaction nor an error.
	ErrEmptyStoredResult = errors.ConstError("idempotency record has no stored result")
)

// ErrorCode is the stable, serialisable name of a sentinel.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "validation_error"
	CodeInsufficientFunds   ErrorCode = "insufficient_funds"
	CodeAccountNotActive    ErrorCode = "account_not_active"
	CodeBelowMinimumBalance ErrorCode = "below_minimum_balance"
	CodeConcurrencyConflict ErrorCode = "concurrency_conflict"
	CodeNotFound            ErrorCode = "not_found"
	CodeAlreadyReversed     ErrorCode = "already_reversed"
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeStorageFailure      ErrorCode = "storage_failure"
)

var codeSentinels = []struct {
	code ErrorCode
	err  errors.ConstError
}{
	{CodeValidation, ErrValidation},
	{CodeInsufficientFunds, ErrInsufficientFunds},
	{CodeAccountNotActive, ErrAccountNotActive},
	{CodeBelowMinimumBalance, ErrBelowMinimumBalance},
	{CodeConcurrencyConflict, ErrConcurrencyConflict},
	{CodeNotFound, ErrNotFound},
	{CodeAlreadyReversed, ErrAlreadyReversed},
	{CodeInvalidState, ErrInvalidState},
	{CodeStorageFailure, ErrStorageFailure},
}

// Code returns the ErrorCode of err, or "" when err is not part of the
// ledger taxonomy.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	return ""
}

// IsDomainError reports whether err is an expected business outcome rather
// than an infrastructure fault.
func IsDomainError(err error) bool {
	switch Code(err) {
	case "", CodeStorageFailure:
		return false
	}
	return true
}

// IsCacheable reports whether err is a terminal domain outcome that may be
// stored under an idempotency key. Validation failures never reach storage,
// and conflicts and storage failures are worth retrying, so none of those
// are cached.
func IsCacheable(err error) bool {
	switch Code(err) {
	case CodeInsufficientFunds, CodeAccountNotActive, CodeBelowMinimumBalance,
		CodeNotFound, CodeAlreadyReversed, CodeInvalidState:
		return true
	}
	return false
}

// IsRetryable reports whether the caller may retry with the same
// idempotency key and expect a different outcome.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageFailure)
}

// ValidationError is malformed or out-of-range input, detected before any
// storage access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvariantError is a balance invariant checker rejection for one account.
type InvariantError struct {
	Reason    ErrorCode
	AccountID string
	Detail    string
}

func (e *InvariantError) Error() string {
	msg := fmt.Sprintf("%s: account %s", sentinelFor(e.Reason), e.AccountID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InvariantError) Unwrap() error { return sentinelFor(e.Reason) }

// NotFoundError names the missing account or transaction.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateError is a reversal attempted on an ineligible transaction.
type StateError struct {
	TransactionID string
	Status        TransactionStatus
	Type          TransactionType
}

func (e *StateError) Error() string {
	if e.Status == StatusReversed {
		return fmt.Sprintf("transaction %s already reversed", e.TransactionID)
	}
	return fmt.Sprintf("transaction %s (%s, %s) cannot be reversed", e.TransactionID, e.Type, e.Status)
}

func (e *StateError) Unwrap() error {
	if e.Status == StatusReversed {
		return ErrAlreadyReversed
	}
	return ErrInvalidState
}

// ConflictError is surfaced once the engine's optimistic-lock retries are
// exhausted.
type ConflictError struct {
	Attempts int
	Last     error
}

func (e *ConflictError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("concurrency conflict after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("concurrency conflict after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// StorageError is an infrastructure failure of the unit of work. Nothing was
// applied.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// CachedError is a domain error replayed from an idempotency record.
type CachedError struct {
	Code    ErrorCode
	Message string
}

func (e *CachedError) Error() string { return e.Message }

func (e *CachedError) Unwrap() error { return sentinelFor(e.Code) }

// ErrorFromCode rebuilds a stored domain error so that errors.Is still
// matches the original sentinel.
func ErrorFromCode(code ErrorCode, message string) error {
	if message == "" {
		message = sentinelFor(code).Error()
	}
	return &CachedError{Code: code, Message: message}
}

func sentinelFor(code ErrorCode) errors.ConstError {
	for _, cs := range codeSentinels {
		if cs.code == code {
			return cs.err
		}
	}
	return ErrStorageFailure
}
