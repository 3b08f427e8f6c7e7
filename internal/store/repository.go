/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the transaction-service. By defining an interface,
 * we decouple the orchestration logic from the specific database implementation
 * (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - github.com/google/uuid: Transfer attempt identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/google/uuid"
)

// OutboxEvent is a notification waiting to be enqueued together with the
// ledger record it describes. TransactionID is filled in on insert.
type OutboxEvent struct {
	Exchange   string
	RoutingKey string
	Event      domain.NotificationEvent
}

// OutboxMessage is a claimed row of the event outbox.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Ledger methods
	RecordTransaction(ctx context.Context, attemptID uuid.UUID, record *domain.TransactionRecord, events []OutboxEvent) ([]int64, error)
	GetTransaction(ctx context.Context, id int64) (*domain.TransactionRecord, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error)
	FindTransactionByAttemptID(ctx context.Context, attemptID uuid.UUID) (*domain.TransactionRecord, error)
	ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.TransactionRecord, error)
	DeleteTransaction(ctx context.Context, id int64) error

	// Transfer journal methods
	CreateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error
	UpdateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TransferAttempt, error)
	FindLiveAttemptByIdempotencyKey(ctx context.Context, key string) (*domain.TransferAttempt, error)
	ClaimAttemptsForReconciliation(ctx context.Context, staleBefore time.Time, lease time.Duration, limit int) ([]domain.TransferAttempt, error)
	ReleaseAttemptClaim(ctx context.Context, id uuid.UUID) error

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	ClaimOutboxMessagesByID(ctx context.Context, ids []int64) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	MarkOutboxDead(ctx context.Context, id int64, reason string) error
}

// NotificationRepository is the storage used by the notification consumer.
type NotificationRepository interface {
	// SaveNotification persists n and reports whether a new row was written.
	// A redelivered event for the same transaction, user and role is not an error.
	SaveNotification(ctx context.Context, n *domain.Notification) (bool, error)
}
