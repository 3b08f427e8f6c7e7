package store

import (
	"context"
	"strings"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresNotificationRepository stores notifications received from the bus.
type PostgresNotificationRepository struct {
	db *pgxpool.Pool
}

func NewPostgresNotificationRepository(db *pgxpool.Pool) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{db: db}
}

// SaveNotification inserts n. Redelivery of an event already stored for the same
// transaction, user and role is reported as (false, nil).
func (r *PostgresNotificationRepository) SaveNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO notifications (user_id, message, transaction_id, transaction_type, role, event_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id, user_id, role) WHERE transaction_id > 0 DO NOTHING
		RETURNING id, created_at
	`,
		n.UserID,
		strings.TrimSpace(n.Message),
		n.TransactionID,
		strings.TrimSpace(n.TransactionType),
		n.Role,
		n.EventTimestamp,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
