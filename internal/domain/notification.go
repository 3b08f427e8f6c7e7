package domain

import "time"

// NotificationRole tells which side of a transaction an event is addressed to.
// A transfer between two accounts of the same user yields one event per role.
type NotificationRole string

const (
	RoleSource NotificationRole = "source"
	RoleTarget NotificationRole = "target"
)

// NotificationEvent is published on the notification bus after a transaction is
// recorded. The notification consumer persists one Notification per event.
type NotificationEvent struct {
	UserID          int64            `json:"user_id"`
	Message         string           `json:"message"`
	TransactionID   int64            `json:"transaction_id"`
	TransactionType TransactionKind  `json:"transaction_type"`
	Role            NotificationRole `json:"role,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Notification is the durable record the consumer keeps for an event.
type Notification struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	Message         string    `json:"message"`
	TransactionID   int64     `json:"transaction_id"`
	TransactionType string    `json:"transaction_type"`
	Role            string    `json:"role"`
	EventTimestamp  time.Time `json:"event_timestamp"`
	CreatedAt       time.Time `json:"created_at"`
}
