package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AttemptState is the orchestrator state persisted in the transfer journal.
// Notification delivery is owned by the outbox once a record is committed, so
// an attempt moves from recorded straight to done.
type AttemptState string

const (
	AttemptValidated      AttemptState = "validated"
	AttemptSourceFetched  AttemptState = "source_fetched"
	AttemptTargetFetched  AttemptState = "target_fetched"
	AttemptSourceFunded   AttemptState = "source_funded"
	AttemptTargetFunded   AttemptState = "target_funded"
	AttemptCompensating   AttemptState = "compensating"
	AttemptRecorded       AttemptState = "recorded"
	AttemptDone           AttemptState = "done"
	AttemptAborted        AttemptState = "aborted"
	AttemptCompensated    AttemptState = "compensated"
	AttemptPartialFailure AttemptState = "partial_failure"
)

// Terminal reports whether no further transition is expected from s.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptDone, AttemptAborted, AttemptCompensated:
		return true
	default:
		return false
	}
}

// HasRecord reports whether a ledger record exists for an attempt in state s.
func (s AttemptState) HasRecord() bool {
	switch s {
	case AttemptRecorded, AttemptDone:
		return true
	default:
		return false
	}
}

// TransferAttempt is the durable journal entry for one orchestration. It is
// written before the first balance mutation and updated after each leg so an
// interrupted transfer can be reconciled. SourceRefundFrom and SourceRefundTo
// are journaled before a compensating credit is sent and cleared once that
// credit is known not to have landed. Maps to `transfer_attempts`.
type TransferAttempt struct {
	ID                uuid.UUID        `json:"id"`
	IdempotencyKey    *string          `json:"idempotency_key,omitempty"`
	SourceAccountID   int64            `json:"source_account_id"`
	TargetAccountID   *int64           `json:"target_account_id,omitempty"`
	Kind              TransactionKind  `json:"type"`
	Amount            decimal.Decimal  `json:"amount"`
	State             AttemptState     `json:"state"`
	SourceDebited     bool             `json:"source_debited"`
	TargetCredited    bool             `json:"target_credited"`
	SourceCompensated bool             `json:"source_compensated"`
	SourceUserID      *int64           `json:"source_user_id,omitempty"`
	TargetUserID      *int64           `json:"target_user_id,omitempty"`
	SourceBalanceFrom *decimal.Decimal `json:"source_balance_from,omitempty"`
	SourceBalanceTo   *decimal.Decimal `json:"source_balance_to,omitempty"`
	TargetBalanceFrom *decimal.Decimal `json:"target_balance_from,omitempty"`
	TargetBalanceTo   *decimal.Decimal `json:"target_balance_to,omitempty"`
	SourceRefundFrom  *decimal.Decimal `json:"source_refund_from,omitempty"`
	SourceRefundTo    *decimal.Decimal `json:"source_refund_to,omitempty"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	TransactionID     *int64           `json:"transaction_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// SourceMutated reports whether the source balance was changed by this attempt.
// For deposits and withdrawals the single leg is tracked as SourceDebited.
func (a *TransferAttempt) SourceMutated() bool {
	return a.SourceDebited && !a.SourceCompensated
}

// RefundPending reports whether a compensating credit was sent and its outcome
// has not been settled yet.
func (a *TransferAttempt) RefundPending() bool {
	return a.SourceRefundTo != nil && !a.SourceCompensated
}

// LegsApplied reports whether any balance mutation of this attempt is still in effect.
func (a *TransferAttempt) LegsApplied() bool {
	return a.SourceMutated() || a.TargetCredited
}
