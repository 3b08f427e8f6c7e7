/**
 * @description
 * This file defines the core domain models for the transaction-service.
 * These structs represent the ledger entities, the requests accepted by the
 * orchestrator and the account representation owned by the account-service.
 *
 * @notes
 * - Monetary amounts use shopspring/decimal with two fractional digits so that
 *   repeated deposits and withdrawals never accumulate floating-point drift.
 * - A TransactionRecord is only created after its balance mutations succeeded.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits kept for every amount and balance.
const MoneyScale = 2

// TransactionKind identifies the kind of funds movement.
type TransactionKind string

const (
	KindDeposit  TransactionKind = "deposit"
	KindWithdraw TransactionKind = "withdraw"
	KindTransfer TransactionKind = "transfer"
)

// Valid reports whether k is one of the supported kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdraw, KindTransfer:
		return true
	default:
		return false
	}
}

// TransactionRecord is the append-only ledger entry. It maps directly to the
// `transactions` table.
type TransactionRecord struct {
	ID              int64           `json:"id"`
	AccountID       int64           `json:"account_id"`
	Type            TransactionKind `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	TargetAccountID *int64          `json:"target_account_id"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
	AttemptID       uuid.UUID       `json:"attempt_id"`
	Timestamp       time.Time       `json:"timestamp"`
}

// CreateTransactionRequest is the DTO for incoming transaction API requests.
type CreateTransactionRequest struct {
	AccountID       int64           `json:"account_id"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	TargetAccountID *int64          `json:"target_account_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// TransferRequest is a validated and normalised CreateTransactionRequest.
type TransferRequest struct {
	SourceAccountID int64
	Kind            TransactionKind
	Amount          decimal.Decimal
	TargetAccountID *int64
	IdempotencyKey  string
}

// IsTransfer reports whether the request moves funds between two accounts.
func (r TransferRequest) IsTransfer() bool {
	return r.Kind == KindTransfer
}

// AccountSnapshot is the account-service representation of an account at the
// time it was read.
type AccountSnapshot struct {
	ID      int64           `json:"id"`
	UserID  int64           `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// TransactionListOptions controls ledger listing.
type TransactionListOptions struct {
	AccountID *int64
	Offset    int
	Limit     int
}

// MaxAmount is the largest value a NUMERIC(20,2) column holds.
var MaxAmount = decimal.RequireFromString("999999999999999999.99")

// NormalizeMoney rounds an amount to MoneyScale digits.
func NormalizeMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}
