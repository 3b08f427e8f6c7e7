package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banking/transaction-service/internal/store"
	"github.com/banking/transaction-service/pkg/logging"
	"github.com/banking/transaction-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 2 * time.Second
	defaultStaleProcessing = 2 * time.Minute
	defaultMaxAttempts     = 10
)

// PublisherFactory opens a broker connection on demand.
type PublisherFactory func() (rabbitmq.Publisher, error)

type OutboxOptions struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	Logger       *zap.Logger
}

// OutboxDispatcher publishes committed outbox rows. Rows are claimed before
// publishing so the poller and request-path dispatches never send the same row
// concurrently. Only the Run loop opens broker connections; Dispatch reuses an
// open one or wakes the loop.
type OutboxDispatcher struct {
	repo                store.Repository
	connect             PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	maxAttempts         int
	logger              *zap.Logger
	wake                chan struct{}

	mu        sync.Mutex
	publisher rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, connect PublisherFactory, opts OutboxOptions) *OutboxDispatcher {
	d := &OutboxDispatcher{
		repo:                repo,
		connect:             connect,
		batchSize:           opts.BatchSize,
		pollInterval:        opts.PollInterval,
		staleProcessingTime: defaultStaleProcessing,
		maxAttempts:         opts.MaxAttempts,
		logger:              logging.Component(opts.Logger, "outbox"),
		wake:                make(chan struct{}, 1),
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	return d
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		if err := d.flushOnce(ctx); err != nil {
			d.logger.Error("outbox flush failed", zap.Error(err))
		}
	}
}

// Dispatch publishes the given rows over the open broker connection. Without
// one it only wakes the poller, so a request never waits on a dial. Rows that
// fail stay in the outbox; the returned error only reports that some were
// deferred.
func (d *OutboxDispatcher) Dispatch(ctx context.Context, ids []int64) error {
	publisher := d.connectedPublisher()
	if publisher == nil {
		d.wakePoller()
		return nil
	}

	messages, err := d.repo.ClaimOutboxMessagesByID(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	failed := 0
	for _, message := range messages {
		if failed > 0 {
			// The publisher was dropped; leave the rest to the poller.
			d.handleFailure(ctx, message, rabbitmq.ErrPublisherUnavailable)
			failed++
			continue
		}
		if !d.deliverOne(ctx, publisher, message) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d notification events deferred", failed, len(messages))
	}
	return nil
}

func (d *OutboxDispatcher) wakePoller() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}
	for _, message := range messages {
		publisher, err := d.currentPublisher()
		if err != nil {
			d.handleFailure(ctx, message, err)
			continue
		}
		d.deliverOne(ctx, publisher, message)
	}
	return nil
}

// deliverOne publishes a claimed row and records the outcome. It reports
// whether the row was published.
func (d *OutboxDispatcher) deliverOne(ctx context.Context, publisher rabbitmq.Publisher, message store.OutboxMessage) bool {
	if err := d.publishMessage(ctx, publisher, message); err != nil {
		d.handleFailure(ctx, message, err)
		return false
	}
	if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
		d.logger.Error("failed to mark outbox message published", zap.Int64("outbox_id", message.ID), zap.Error(err))
	}
	return true
}

func (d *OutboxDispatcher) handleFailure(ctx context.Context, message store.OutboxMessage, cause error) {
	if message.Attempts >= d.maxAttempts {
		d.logger.Error("outbox message dead-lettered",
			zap.Int64("outbox_id", message.ID),
			zap.Int("attempts", message.Attempts),
			zap.Error(cause),
		)
		if err := d.repo.MarkOutboxDead(ctx, message.ID, cause.Error()); err != nil {
			d.logger.Error("failed to mark outbox message dead", zap.Int64("outbox_id", message.ID), zap.Error(err))
		}
		return
	}

	retryAfter := retryDelaySeconds(message.Attempts)
	d.logger.Warn("outbox publish failed; rescheduled",
		zap.Int64("outbox_id", message.ID),
		zap.Int("attempts", message.Attempts),
		zap.Int("retry_after_seconds", retryAfter),
		zap.Error(cause),
	)
	if err := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, cause.Error()); err != nil {
		d.logger.Error("failed to reschedule outbox message", zap.Int64("outbox_id", message.ID), zap.Error(err))
	}
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, publisher rabbitmq.Publisher, message store.OutboxMessage) error {
	if !json.Valid(message.Payload) {
		return errors.New("outbox payload is not valid json")
	}
	if err := publisher.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.dropPublisher(publisher)
		return err
	}
	return nil
}

func (d *OutboxDispatcher) connectedPublisher() rabbitmq.Publisher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.publisher
}

// currentPublisher returns the open publisher or dials a new one. The lock is
// not held while dialing.
func (d *OutboxDispatcher) currentPublisher() (rabbitmq.Publisher, error) {
	if publisher := d.connectedPublisher(); publisher != nil {
		return publisher, nil
	}
	if d.connect == nil {
		return nil, rabbitmq.ErrPublisherUnavailable
	}
	publisher, err := d.connect()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.publisher != nil {
		publisher.Close()
		return d.publisher, nil
	}
	d.publisher = publisher
	return publisher, nil
}

// dropPublisher closes p if it is still the current publisher, so the next
// message reconnects.
func (d *OutboxDispatcher) dropPublisher(p rabbitmq.Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.publisher == p {
		d.publisher.Close()
		d.publisher = nil
	}
}

func (d *OutboxDispatcher) closePublisher() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
