package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/banking/transaction-service/internal/store"
	"github.com/banking/transaction-service/pkg/logging"
	"github.com/banking/transaction-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const notificationWriteTimeout = 15 * time.Second

// NotificationConsumer persists transaction notification events. A message is
// acknowledged only after its notification row is committed.
type NotificationConsumer struct {
	repo   store.NotificationRepository
	logger *zap.Logger
}

func NewNotificationConsumer(repo store.NotificationRepository, logger *zap.Logger) *NotificationConsumer {
	return &NotificationConsumer{repo: repo, logger: logging.Component(logger, "notification-consumer")}
}

func (c *NotificationConsumer) HandleMessage(body []byte) rabbitmq.Disposition {
	var event domain.NotificationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("dropping malformed notification payload", zap.Error(err))
		return rabbitmq.Reject
	}
	if event.UserID <= 0 || strings.TrimSpace(event.Message) == "" {
		c.logger.Warn("dropping notification without user or message",
			zap.Int64("user_id", event.UserID),
			zap.Int64("transaction_id", event.TransactionID),
		)
		return rabbitmq.Reject
	}

	ctx, cancel := context.WithTimeout(context.Background(), notificationWriteTimeout)
	defer cancel()

	notification := &domain.Notification{
		UserID:          event.UserID,
		Message:         event.Message,
		TransactionID:   event.TransactionID,
		TransactionType: string(event.TransactionType),
		Role:            string(event.Role),
		EventTimestamp:  event.Timestamp,
	}
	if notification.Role == "" {
		notification.Role = string(domain.RoleSource)
	}
	if notification.EventTimestamp.IsZero() {
		notification.EventTimestamp = time.Now().UTC()
	}

	created, err := c.repo.SaveNotification(ctx, notification)
	if err != nil {
		c.logger.Error("failed to store notification; requeueing",
			zap.Int64("user_id", event.UserID),
			zap.Int64("transaction_id", event.TransactionID),
			zap.Error(err),
		)
		return rabbitmq.Requeue
	}

	if !created {
		c.logger.Info("duplicate notification ignored",
			zap.Int64("user_id", event.UserID),
			zap.Int64("transaction_id", event.TransactionID),
		)
		return rabbitmq.Ack
	}
	c.logger.Info("notification stored",
		zap.Int64("notification_id", notification.ID),
		zap.Int64("user_id", event.UserID),
		zap.Int64("transaction_id", event.TransactionID),
	)
	return rabbitmq.Ack
}
