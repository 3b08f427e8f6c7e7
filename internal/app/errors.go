package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banking/transaction-service/internal/store"
	"github.com/google/uuid"
)

var (
	ErrValidation             = errors.New("invalid transaction request")
	ErrInvalidKind            = fmt.Errorf("%w: type must be one of deposit, withdraw, transfer", ErrValidation)
	ErrInvalidAmount          = fmt.Errorf("%w: amount must be a positive storable value with at most two decimal places", ErrValidation)
	ErrMissingTarget          = fmt.Errorf("%w: target_account_id is required for transfers", ErrValidation)
	ErrSelfTransfer           = fmt.Errorf("%w: cannot transfer to the same account", ErrValidation)
	ErrInvalidAccount         = fmt.Errorf("%w: account_id must be a positive integer", ErrValidation)
	ErrInvalidIdempotencyKey  = fmt.Errorf("%w: idempotency key must be at most 128 characters and match the header", ErrValidation)
	ErrAccountNotFound        = errors.New("account not found")
	ErrTargetNotFound         = fmt.Errorf("target %w", ErrAccountNotFound)
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAccountUnavailable     = errors.New("account service unavailable")
	ErrBalanceConflict        = errors.New("account balance changed concurrently")
	ErrRequestInProgress      = errors.New("a request with this idempotency key is already in progress")
	ErrIdempotencyKeyMismatch = errors.New("idempotency key was already used for a different request")
	ErrCompensated            = errors.New("transfer reverted: source account was re-credited")
	ErrPartialFailure         = errors.New("transaction partially applied")
	ErrCanceled               = errors.New("request canceled before any balance was changed")
	ErrRateLimited            = errors.New("too many transactions for this account")
	ErrTransactionNotFound    = store.ErrTransactionNotFound
	ErrAttemptNotFound        = store.ErrAttemptNotFound
)

// PartialFailureError reports balance mutations that are in effect without a
// matching ledger record. The attempt journal holds the details needed to
// reconcile it.
type PartialFailureError struct {
	AttemptID      uuid.UUID
	SourceDebited  bool
	TargetCredited bool
	Reason         string
	Cause          error
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction partially applied (attempt %s, source_debited=%t, target_credited=%t)",
		e.AttemptID, e.SourceDebited, e.TargetCredited)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}

// RateLimitError carries the seconds until the caller may retry.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited.Error(), e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
