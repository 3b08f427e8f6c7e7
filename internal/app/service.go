/**
 * @description
 * This file contains the core business logic for the transaction-service. The `Service`
 * struct orchestrates deposits, withdrawals and transfers against balances owned by the
 * account-service, coordinating between the account client, the ledger repository and
 * the event outbox.
 *
 * Key features:
 * - Every balance write is a compare-and-swap on the balance that was read.
 * - Transfers debit the source first, then credit the target. A failed credit is
 *   compensated by re-crediting the source.
 * - Each orchestration is journaled in `transfer_attempts` before the first write so
 *   interrupted work can be reconciled.
 * - The ledger record and its notification events are committed atomically; publishing
 *   happens afterwards and never fails the request.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Money arithmetic.
 * - go.uber.org/zap: Structured logging.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/accountclient: For balance reads and conditional writes.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/banking/transaction-service/internal/store"
	"github.com/banking/transaction-service/pkg/accountclient"
	"github.com/banking/transaction-service/pkg/logging"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultExchange              = "banking_events"
	defaultRoutingKey            = "transaction.completed"
	defaultRetryAttempts         = 3
	defaultRetryBackoff          = 100 * time.Millisecond
	maxRetryBackoff              = 2 * time.Second
	defaultConflictRetryAttempts = 3
	defaultLedgerWriteTimeout    = 5 * time.Second
	defaultDetachedTimeout       = 30 * time.Second
	defaultListLimit             = 100
	maxListLimit                 = 500

	reasonSourceWriteUnknown = "source balance write outcome unknown"
	reasonTargetWriteUnknown = "target balance write outcome unknown"
)

var errRefundUnknown = errors.New("source refund outcome unknown")

// AccountClient is the subset of the account-service client used by the orchestrator.
type AccountClient interface {
	GetAccount(ctx context.Context, accountID int64) (*accountclient.Account, error)
	SetBalance(ctx context.Context, accountID int64, expected, newBalance decimal.Decimal) (*accountclient.Account, error)
}

// EventDispatcher publishes outbox rows right after they were committed.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ids []int64) error
}

// RateLimiter decides whether an account may start another transaction.
type RateLimiter interface {
	Allow(ctx context.Context, accountID int64) (RateDecision, error)
}

// Options configures the Service. Zero values fall back to defaults.
type Options struct {
	Exchange              string
	RoutingKey            string
	RetryAttempts         int
	RetryBackoff          time.Duration
	ConflictRetryAttempts int
	LedgerWriteTimeout    time.Duration
	// DetachedTimeout bounds the work that continues after the first balance
	// write once the caller's context no longer applies.
	DetachedTimeout time.Duration
	Dispatcher      EventDispatcher
	Limiter         RateLimiter
	Logger          *zap.Logger
}

// Service provides the core business logic for transactions.
type Service struct {
	repo       store.Repository
	accounts   AccountClient
	dispatcher EventDispatcher
	limiter    RateLimiter
	logger     *zap.Logger

	exchange              string
	routingKey            string
	retryAttempts         int
	retryBackoff          time.Duration
	conflictRetryAttempts int
	ledgerWriteTimeout    time.Duration
	detachedTimeout       time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// TransactionResult is the outcome of CreateTransaction. Replayed is set when the
// record already existed for the request's idempotency key.
type TransactionResult struct {
	Record   *domain.TransactionRecord
	Replayed bool
}

// NewService creates a new transaction service instance.
func NewService(repo store.Repository, accounts AccountClient, opts Options) *Service {
	s := &Service{
		repo:                  repo,
		accounts:              accounts,
		dispatcher:            opts.Dispatcher,
		limiter:               opts.Limiter,
		logger:                logging.Component(opts.Logger, "orchestrator"),
		exchange:              opts.Exchange,
		routingKey:            opts.RoutingKey,
		retryAttempts:         opts.RetryAttempts,
		retryBackoff:          opts.RetryBackoff,
		conflictRetryAttempts: opts.ConflictRetryAttempts,
		ledgerWriteTimeout:    opts.LedgerWriteTimeout,
		detachedTimeout:       opts.DetachedTimeout,
		now:                   func() time.Time { return time.Now().UTC() },
		sleep:                 sleepContext,
	}
	if s.exchange == "" {
		s.exchange = defaultExchange
	}
	if s.routingKey == "" {
		s.routingKey = defaultRoutingKey
	}
	if s.retryAttempts <= 0 {
		s.retryAttempts = defaultRetryAttempts
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = defaultRetryBackoff
	}
	if s.conflictRetryAttempts <= 0 {
		s.conflictRetryAttempts = defaultConflictRetryAttempts
	}
	if s.ledgerWriteTimeout <= 0 {
		s.ledgerWriteTimeout = defaultLedgerWriteTimeout
	}
	if s.detachedTimeout <= 0 {
		s.detachedTimeout = defaultDetachedTimeout
	}
	return s
}

// CreateTransaction validates and executes a deposit, withdrawal or transfer.
func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest, idempotencyKey string) (*TransactionResult, error) {
	transfer, err := ValidateRequest(req, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if transfer.IdempotencyKey != "" {
		result, err := s.lookupIdempotentResult(ctx, transfer)
		if err != nil || result != nil {
			return result, err
		}
	}

	if err := s.consumeRateLimit(ctx, transfer.SourceAccountID); err != nil {
		return nil, err
	}

	attempt := &domain.TransferAttempt{
		ID:              uuid.New(),
		SourceAccountID: transfer.SourceAccountID,
		TargetAccountID: transfer.TargetAccountID,
		Kind:            transfer.Kind,
		Amount:          transfer.Amount,
		State:           domain.AttemptValidated,
	}
	if transfer.IdempotencyKey != "" {
		key := transfer.IdempotencyKey
		attempt.IdempotencyKey = &key
	}
	if err := s.repo.CreateAttempt(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return nil, ErrRequestInProgress
		}
		return nil, fmt.Errorf("failed to journal transfer attempt: %w", err)
	}

	log := s.logger.With(
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("type", string(transfer.Kind)),
		zap.Int64("account_id", transfer.SourceAccountID),
	)
	log.Info("transaction started", zap.String("amount", transfer.Amount.StringFixed(2)))

	record, err := s.execute(ctx, transfer, attempt, log)
	if err != nil {
		return nil, err
	}
	log.Info("transaction completed", zap.Int64("transaction_id", record.ID))
	return &TransactionResult{Record: record}, nil
}

func (s *Service) lookupIdempotentResult(ctx context.Context, req domain.TransferRequest) (*TransactionResult, error) {
	record, err := s.repo.FindTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if !sameRequest(record, req) {
			return nil, ErrIdempotencyKeyMismatch
		}
		return &TransactionResult{Record: record, Replayed: true}, nil
	case !errors.Is(err, store.ErrTransactionNotFound):
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	attempt, err := s.repo.FindLiveAttemptByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case errors.Is(err, store.ErrAttemptNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	switch {
	case attempt.State == domain.AttemptPartialFailure:
		return nil, partialFailureFromAttempt(attempt)
	case attempt.State.HasRecord():
		// The record was committed between the two lookups.
		record, err := s.repo.FindTransactionByAttemptID(ctx, attempt.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load recorded transaction: %w", err)
		}
		return &TransactionResult{Record: record, Replayed: true}, nil
	default:
		return nil, ErrRequestInProgress
	}
}

func sameRequest(record *domain.TransactionRecord, req domain.TransferRequest) bool {
	if record.AccountID != req.SourceAccountID || record.Type != req.Kind || !record.Amount.Equal(req.Amount) {
		return false
	}
	if (record.TargetAccountID == nil) != (req.TargetAccountID == nil) {
		return false
	}
	return record.TargetAccountID == nil || *record.TargetAccountID == *req.TargetAccountID
}

func (s *Service) consumeRateLimit(ctx context.Context, accountID int64) error {
	if s.limiter == nil {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, accountID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable; allowing request", zap.Int64("account_id", accountID), zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		s.logger.Info("transaction rate limited",
			zap.Int64("account_id", accountID),
			zap.Int("recent", decision.Recent),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		return &RateLimitError{RetryAfterSeconds: decision.RetryAfterSeconds()}
	}
	return nil
}

// balancePlan holds the balances observed before the first write and the
// balances the orchestrator intends to write.
type balancePlan struct {
	source   *domain.AccountSnapshot
	target   *domain.AccountSnapshot
	sourceTo decimal.Decimal
}

func (s *Service) execute(ctx context.Context, req domain.TransferRequest, attempt *domain.TransferAttempt, log *zap.Logger) (*domain.TransactionRecord, error) {
	var (
		plan   *balancePlan
		wctx   context.Context
		cancel context.CancelFunc
		err    error
	)

	for round := 1; ; round++ {
		plan, err = s.prepare(ctx, req, attempt)
		if err != nil {
			return nil, s.abort(ctx, attempt, log, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, s.abort(ctx, attempt, log, fmt.Errorf("%w: %v", ErrCanceled, ctxErr))
		}

		// The first write may change money; from here on the caller can no longer cancel.
		wctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.detachedTimeout)
		leg, writeErr := s.writeBalance(wctx, req.SourceAccountID, plan.source.Balance, plan.sourceTo)
		if leg == legApplied {
			break
		}
		cancel()

		if leg == legUnknown {
			return nil, s.partialFailure(ctx, attempt, log, reasonSourceWriteUnknown, writeErr)
		}
		if errors.Is(writeErr, ErrBalanceConflict) && round < s.conflictRetryAttempts {
			log.Info("source balance changed; recomputing", zap.Int("round", round))
			continue
		}
		return nil, s.abort(ctx, attempt, log, writeErr)
	}
	defer cancel()

	attempt.SourceDebited = true
	attempt.SourceBalanceTo = decimalRef(plan.sourceTo)
	attempt.State = domain.AttemptSourceFunded
	s.saveAttempt(wctx, attempt, log)

	if req.IsTransfer() {
		credit := s.creditWithRefetch(wctx, *req.TargetAccountID, req.Amount, plan.target)
		switch credit.leg {
		case legApplied:
			attempt.TargetCredited = true
			attempt.TargetBalanceFrom = decimalRef(credit.from)
			attempt.TargetBalanceTo = decimalRef(credit.to)
			attempt.State = domain.AttemptTargetFunded
			s.saveAttempt(wctx, attempt, log)
		case legUnknown:
			return nil, s.partialFailure(wctx, attempt, log, reasonTargetWriteUnknown, credit.err)
		default:
			return nil, s.compensateSource(wctx, attempt, log, credit.err)
		}
	}

	return s.recordAndNotify(wctx, attempt, log)
}

// prepare reads the accounts involved, checks funds and journals the planned
// balances. It performs no writes against the account service.
func (s *Service) prepare(ctx context.Context, req domain.TransferRequest, attempt *domain.TransferAttempt) (*balancePlan, error) {
	source, err := s.fetchAccount(ctx, req.SourceAccountID)
	if err != nil {
		return nil, err
	}
	attempt.State = domain.AttemptSourceFetched
	attempt.SourceUserID = int64Ref(source.UserID)
	attempt.SourceBalanceFrom = decimalRef(source.Balance)

	plan := &balancePlan{source: source}
	switch req.Kind {
	case domain.KindDeposit:
		plan.sourceTo = source.Balance.Add(req.Amount)
	default:
		if source.Balance.LessThan(req.Amount) {
			return nil, ErrInsufficientFunds
		}
		plan.sourceTo = source.Balance.Sub(req.Amount)
	}

	if req.IsTransfer() {
		target, err := s.fetchAccount(ctx, *req.TargetAccountID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return nil, fmt.Errorf("%w: account %d", ErrTargetNotFound, *req.TargetAccountID)
			}
			return nil, err
		}
		plan.target = target
		attempt.State = domain.AttemptTargetFetched
		attempt.TargetUserID = int64Ref(target.UserID)
		attempt.TargetBalanceFrom = decimalRef(target.Balance)
		attempt.TargetBalanceTo = decimalRef(target.Balance.Add(req.Amount))
	}
	attempt.SourceBalanceTo = decimalRef(plan.sourceTo)

	if err := s.repo.UpdateAttempt(ctx, attempt); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		}
		return nil, fmt.Errorf("failed to journal planned balances: %w", err)
	}
	return plan, nil
}

func (s *Service) compensateSource(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger, targetErr error) error {
	log.Warn("target credit failed; compensating source", zap.Error(targetErr))

	if err := s.refundSource(ctx, attempt, log); err != nil {
		cause := errors.Join(targetErr, err)
		return s.partialFailure(ctx, attempt, log, "target credit failed and source compensation failed", cause)
	}
	attempt.FailureReason = stringRef(targetErr.Error())
	s.saveAttempt(ctx, attempt, log)
	return fmt.Errorf("%w: %w", ErrCompensated, targetErr)
}

// refundSource re-credits the debited source account. The planned refund is
// journaled before each write so a later pass can tell whether it landed; a
// refund that cannot be journaled is not sent. On error the refund balances
// stay on the attempt only when the write may have landed.
func (s *Service) refundSource(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger) error {
	var lastErr error
	for round := 0; round < s.conflictRetryAttempts; round++ {
		current, err := s.fetchAccount(ctx, attempt.SourceAccountID)
		if err != nil {
			return err
		}
		from := current.Balance
		to := from.Add(attempt.Amount)

		attempt.State = domain.AttemptCompensating
		attempt.SourceRefundFrom = decimalRef(from)
		attempt.SourceRefundTo = decimalRef(to)
		if err := s.repo.UpdateAttempt(ctx, attempt); err != nil {
			attempt.SourceRefundFrom, attempt.SourceRefundTo = nil, nil
			return fmt.Errorf("refund not sent, journal write failed: %w", err)
		}

		leg, err := s.writeBalance(ctx, attempt.SourceAccountID, from, to)
		switch leg {
		case legApplied:
			attempt.SourceCompensated = true
			attempt.State = domain.AttemptCompensated
			s.saveAttempt(ctx, attempt, log)
			log.Info("source compensated", zap.String("balance", to.StringFixed(2)))
			return nil
		case legUnknown:
			return fmt.Errorf("%w: %w", errRefundUnknown, err)
		}

		attempt.SourceRefundFrom, attempt.SourceRefundTo = nil, nil
		if !errors.Is(err, ErrBalanceConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// recordAndNotify writes the ledger record with its outbox events and hands
// the events to the dispatcher. Publishing failures are only logged.
func (s *Service) recordAndNotify(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger) (*domain.TransactionRecord, error) {
	record := &domain.TransactionRecord{
		AccountID:       attempt.SourceAccountID,
		Type:            attempt.Kind,
		Amount:          attempt.Amount,
		TargetAccountID: attempt.TargetAccountID,
		IdempotencyKey:  attempt.IdempotencyKey,
	}

	lctx, cancel := context.WithTimeout(ctx, s.ledgerWriteTimeout)
	outboxIDs, err := s.repo.RecordTransaction(lctx, attempt.ID, record, s.buildEvents(attempt))
	cancel()
	if err != nil {
		return nil, s.partialFailure(ctx, attempt, log, "failed to record transaction", err)
	}
	attempt.State = domain.AttemptRecorded
	attempt.TransactionID = int64Ref(record.ID)

	if s.dispatcher != nil && len(outboxIDs) > 0 {
		if err := s.dispatcher.Dispatch(ctx, outboxIDs); err != nil {
			log.Warn("notification publish deferred to outbox", zap.Int64("transaction_id", record.ID), zap.Error(err))
		}
	}

	attempt.State = domain.AttemptDone
	s.saveAttempt(ctx, attempt, log)
	return record, nil
}

func (s *Service) buildEvents(attempt *domain.TransferAttempt) []store.OutboxEvent {
	now := s.now()
	amount := attempt.Amount.StringFixed(2)
	event := func(userID *int64, role domain.NotificationRole, message string) store.OutboxEvent {
		var uid int64
		if userID != nil {
			uid = *userID
		}
		return store.OutboxEvent{
			Exchange:   s.exchange,
			RoutingKey: s.routingKey,
			Event: domain.NotificationEvent{
				UserID:          uid,
				Message:         message,
				TransactionType: attempt.Kind,
				Role:            role,
				Timestamp:       now,
			},
		}
	}

	sourceBalance := formatBalance(attempt.SourceBalanceTo)
	switch attempt.Kind {
	case domain.KindDeposit:
		return []store.OutboxEvent{event(attempt.SourceUserID, domain.RoleSource,
			fmt.Sprintf("Deposit of $%s completed. New balance: $%s", amount, sourceBalance))}
	case domain.KindWithdraw:
		return []store.OutboxEvent{event(attempt.SourceUserID, domain.RoleSource,
			fmt.Sprintf("Withdrawal of $%s completed. New balance: $%s", amount, sourceBalance))}
	default:
		var target int64
		if attempt.TargetAccountID != nil {
			target = *attempt.TargetAccountID
		}
		return []store.OutboxEvent{
			event(attempt.SourceUserID, domain.RoleSource,
				fmt.Sprintf("Transfer of $%s to account %d completed. New balance: $%s", amount, target, sourceBalance)),
			event(attempt.TargetUserID, domain.RoleTarget,
				fmt.Sprintf("Received transfer of $%s from account %d. New balance: $%s", amount, attempt.SourceAccountID, formatBalance(attempt.TargetBalanceTo))),
		}
	}
}

func (s *Service) abort(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger, cause error) error {
	attempt.State = domain.AttemptAborted
	attempt.FailureReason = stringRef(cause.Error())
	s.saveAttempt(context.WithoutCancel(ctx), attempt, log)
	log.Info("transaction aborted", zap.Error(cause))
	return cause
}

func (s *Service) partialFailure(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger, reason string, cause error) error {
	attempt.State = domain.AttemptPartialFailure
	if cause != nil {
		attempt.FailureReason = stringRef(reason + ": " + cause.Error())
	} else {
		attempt.FailureReason = stringRef(reason)
	}
	s.saveAttempt(context.WithoutCancel(ctx), attempt, log)
	log.Error("transaction partially applied; reconciliation required",
		zap.Bool("source_debited", attempt.SourceMutated()),
		zap.Bool("target_credited", attempt.TargetCredited),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	return &PartialFailureError{
		AttemptID:      attempt.ID,
		SourceDebited:  attempt.SourceMutated(),
		TargetCredited: attempt.TargetCredited,
		Reason:         reason,
		Cause:          cause,
	}
}

// saveAttempt persists journal progress. A failed journal write after money
// moved is logged; the in-memory attempt stays authoritative for this request.
func (s *Service) saveAttempt(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger) {
	if err := s.repo.UpdateAttempt(ctx, attempt); err != nil {
		log.Error("failed to update transfer journal", zap.String("state", string(attempt.State)), zap.Error(err))
	}
}

func partialFailureFromAttempt(attempt *domain.TransferAttempt) *PartialFailureError {
	reason := ""
	if attempt.FailureReason != nil {
		reason = *attempt.FailureReason
	}
	return &PartialFailureError{
		AttemptID:      attempt.ID,
		SourceDebited:  attempt.SourceMutated(),
		TargetCredited: attempt.TargetCredited,
		Reason:         reason,
	}
}

// GetTransaction returns a ledger record by id.
func (s *Service) GetTransaction(ctx context.Context, id int64) (*domain.TransactionRecord, error) {
	return s.repo.GetTransaction(ctx, id)
}

// ListTransactions returns ledger records in insertion order.
func (s *Service) ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.TransactionRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.repo.ListTransactions(ctx, opts)
}

// DeleteTransaction removes a ledger record. Balances are not touched.
func (s *Service) DeleteTransaction(ctx context.Context, id int64) error {
	if err := s.repo.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	s.logger.Warn("transaction record deleted", zap.Int64("transaction_id", id))
	return nil
}

// GetAttempt returns a transfer journal entry.
func (s *Service) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TransferAttempt, error) {
	return s.repo.GetAttempt(ctx, id)
}

func formatBalance(d *decimal.Decimal) string {
	if d == nil {
		return "0.00"
	}
	return d.StringFixed(2)
}

func decimalRef(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func int64Ref(v int64) *int64 {
	return &v
}

func stringRef(v string) *string {
	return &v
}
