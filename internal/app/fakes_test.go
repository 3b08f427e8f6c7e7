package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/banking/transaction-service/internal/store"
	"github.com/banking/transaction-service/pkg/accountclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// memoryRepoStub is an in-memory store.Repository. It enforces the same
// uniqueness rules as the Postgres schema.
type memoryRepoStub struct {
	mu sync.Mutex

	nextTransactionID int64
	nextOutboxID      int64
	records           []domain.TransactionRecord
	attempts          map[uuid.UUID]domain.TransferAttempt
	claims            map[uuid.UUID]time.Time
	outbox            map[int64]*outboxRow

	recordErr        error
	updateAttemptErr error
	// failUpdate, when set, can reject individual journal writes.
	failUpdate func(attempt domain.TransferAttempt) error
	now        func() time.Time
}

type outboxRow struct {
	message store.OutboxMessage
	status  string
	reason  string
	retryIn int
}

func newMemoryRepo() *memoryRepoStub {
	return &memoryRepoStub{
		attempts: make(map[uuid.UUID]domain.TransferAttempt),
		claims:   make(map[uuid.UUID]time.Time),
		outbox:   make(map[int64]*outboxRow),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryRepoStub) RecordTransaction(ctx context.Context, attemptID uuid.UUID, record *domain.TransactionRecord, events []store.OutboxEvent) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return nil, r.recordErr
	}
	attempt, ok := r.attempts[attemptID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	for _, existing := range r.records {
		if existing.AttemptID == attemptID {
			return nil, errors.New("attempt already recorded")
		}
		if record.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *record.IdempotencyKey {
			return nil, store.ErrDuplicateIdempotencyKey
		}
	}

	r.nextTransactionID++
	record.ID = r.nextTransactionID
	record.AttemptID = attemptID
	record.Timestamp = r.now()
	r.records = append(r.records, *record)

	attempt.State = domain.AttemptRecorded
	attempt.TransactionID = int64Ref(record.ID)
	attempt.UpdatedAt = r.now()
	r.attempts[attemptID] = attempt

	ids := make([]int64, 0, len(events))
	for _, event := range events {
		event.Event.TransactionID = record.ID
		payload, err := json.Marshal(event.Event)
		if err != nil {
			return nil, err
		}
		r.nextOutboxID++
		r.outbox[r.nextOutboxID] = &outboxRow{
			message: store.OutboxMessage{
				ID:         r.nextOutboxID,
				Exchange:   event.Exchange,
				RoutingKey: event.RoutingKey,
				Payload:    payload,
			},
			status: "pending",
		}
		ids = append(ids, r.nextOutboxID)
	}
	return ids, nil
}

func (r *memoryRepoStub) GetTransaction(ctx context.Context, id int64) (*domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.ID == id {
			found := record
			return &found, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memoryRepoStub) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.IdempotencyKey != nil && *record.IdempotencyKey == key {
			found := record
			return &found, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memoryRepoStub) FindTransactionByAttemptID(ctx context.Context, attemptID uuid.UUID) (*domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.AttemptID == attemptID {
			found := record
			return &found, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memoryRepoStub) ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []domain.TransactionRecord
	for _, record := range r.records {
		if opts.AccountID != nil && record.AccountID != *opts.AccountID &&
			(record.TargetAccountID == nil || *record.TargetAccountID != *opts.AccountID) {
			continue
		}
		matched = append(matched, record)
	}
	if opts.Offset >= len(matched) {
		return []domain.TransactionRecord{}, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (r *memoryRepoStub) DeleteTransaction(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, record := range r.records {
		if record.ID == id {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return nil
		}
	}
	return store.ErrTransactionNotFound
}

func (r *memoryRepoStub) CreateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attempt.IdempotencyKey != nil {
		for _, existing := range r.attempts {
			if liveWithKey(existing, *attempt.IdempotencyKey) {
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}
	attempt.CreatedAt = r.now()
	attempt.UpdatedAt = attempt.CreatedAt
	r.attempts[attempt.ID] = *attempt
	return nil
}

func (r *memoryRepoStub) UpdateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateAttemptErr != nil {
		return r.updateAttemptErr
	}
	if r.failUpdate != nil {
		if err := r.failUpdate(*attempt); err != nil {
			return err
		}
	}
	if _, ok := r.attempts[attempt.ID]; !ok {
		return store.ErrAttemptNotFound
	}
	attempt.UpdatedAt = r.now()
	r.attempts[attempt.ID] = *attempt
	return nil
}

func (r *memoryRepoStub) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TransferAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt, ok := r.attempts[id]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	return &attempt, nil
}

func (r *memoryRepoStub) FindLiveAttemptByIdempotencyKey(ctx context.Context, key string) (*domain.TransferAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, attempt := range r.attempts {
		if liveWithKey(attempt, key) {
			found := attempt
			return &found, nil
		}
	}
	return nil, store.ErrAttemptNotFound
}

func (r *memoryRepoStub) ClaimAttemptsForReconciliation(ctx context.Context, staleBefore time.Time, lease time.Duration, limit int) ([]domain.TransferAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var due []domain.TransferAttempt
	for id, attempt := range r.attempts {
		if attempt.State.Terminal() {
			continue
		}
		if until, ok := r.claims[id]; ok && until.After(now) {
			continue
		}
		if attempt.State == domain.AttemptPartialFailure || attempt.UpdatedAt.Before(staleBefore) {
			due = append(due, attempt)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, attempt := range due {
		r.claims[attempt.ID] = now.Add(lease)
	}
	return due, nil
}

func (r *memoryRepoStub) ReleaseAttemptClaim(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, id)
	return nil
}

func (r *memoryRepoStub) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.outbox))
	for id, row := range r.outbox {
		if row.status == "pending" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return r.claimLocked(ids), nil
}

func (r *memoryRepoStub) ClaimOutboxMessagesByID(ctx context.Context, ids []int64) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimLocked(ids), nil
}

func (r *memoryRepoStub) claimLocked(ids []int64) []store.OutboxMessage {
	claimed := make([]store.OutboxMessage, 0, len(ids))
	for _, id := range ids {
		row, ok := r.outbox[id]
		if !ok || row.status != "pending" {
			continue
		}
		row.status = "processing"
		row.message.Attempts++
		claimed = append(claimed, row.message)
	}
	return claimed
}

func (r *memoryRepoStub) MarkOutboxPublished(ctx context.Context, id int64) error {
	return r.setOutboxStatus(id, "published", "", 0)
}

func (r *memoryRepoStub) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	return r.setOutboxStatus(id, "pending", reason, retryAfterSeconds)
}

func (r *memoryRepoStub) MarkOutboxDead(ctx context.Context, id int64, reason string) error {
	return r.setOutboxStatus(id, "dead", reason, 0)
}

func (r *memoryRepoStub) setOutboxStatus(id int64, status, reason string, retryIn int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.outbox[id]
	if !ok {
		return errors.New("outbox message not found")
	}
	row.status = status
	row.reason = reason
	row.retryIn = retryIn
	return nil
}

func (r *memoryRepoStub) recordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *memoryRepoStub) outboxRow(id int64) outboxRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.outbox[id]
}

func (r *memoryRepoStub) outboxPayloads() []domain.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.outbox))
	for id := range r.outbox {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	events := make([]domain.NotificationEvent, 0, len(ids))
	for _, id := range ids {
		var event domain.NotificationEvent
		_ = json.Unmarshal(r.outbox[id].message.Payload, &event)
		events = append(events, event)
	}
	return events
}

func (r *memoryRepoStub) onlyAttempt() domain.TransferAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, attempt := range r.attempts {
		return attempt
	}
	return domain.TransferAttempt{}
}

func (r *memoryRepoStub) putAttempt(attempt domain.TransferAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[attempt.ID] = attempt
}

func liveWithKey(attempt domain.TransferAttempt, key string) bool {
	if attempt.IdempotencyKey == nil || *attempt.IdempotencyKey != key {
		return false
	}
	return attempt.State != domain.AttemptAborted && attempt.State != domain.AttemptCompensated
}

// setFault is a scripted SetBalance answer. When apply is set the write lands
// before err is returned, as if the response was lost. A zero setFault lets
// the call through unchanged.
type setFault struct {
	apply bool
	err   error
}

// accountsStub is an account service with compare-and-swap balance writes.
type accountsStub struct {
	mu        sync.Mutex
	accounts  map[int64]*accountclient.Account
	getFaults map[int64][]error
	setFaults map[int64][]setFault
	setCalls  map[int64]int
	// beforeSet runs without the lock held, before a write is evaluated.
	beforeSet func(accountID int64)
}

func newAccountsStub() *accountsStub {
	return &accountsStub{
		accounts:  make(map[int64]*accountclient.Account),
		getFaults: make(map[int64][]error),
		setFaults: make(map[int64][]setFault),
		setCalls:  make(map[int64]int),
	}
}

func (a *accountsStub) add(id, userID int64, balance string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[id] = &accountclient.Account{ID: id, UserID: userID, Balance: decimal.RequireFromString(balance)}
}

func (a *accountsStub) balance(id int64) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accounts[id].Balance
}

func (a *accountsStub) setBalanceDirect(id int64, balance string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[id].Balance = decimal.RequireFromString(balance)
}

func (a *accountsStub) failGet(id int64, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getFaults[id] = append(a.getFaults[id], errs...)
}

func (a *accountsStub) failSet(id int64, faults ...setFault) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setFaults[id] = append(a.setFaults[id], faults...)
}

func (a *accountsStub) writes(id int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setCalls[id]
}

func (a *accountsStub) GetAccount(ctx context.Context, accountID int64) (*accountclient.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if faults := a.getFaults[accountID]; len(faults) > 0 {
		a.getFaults[accountID] = faults[1:]
		return nil, faults[0]
	}
	account, ok := a.accounts[accountID]
	if !ok {
		return nil, accountclient.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (a *accountsStub) SetBalance(ctx context.Context, accountID int64, expected, newBalance decimal.Decimal) (*accountclient.Account, error) {
	if a.beforeSet != nil {
		a.beforeSet(accountID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.setCalls[accountID]++
	account, ok := a.accounts[accountID]

	if faults := a.setFaults[accountID]; len(faults) > 0 {
		a.setFaults[accountID] = faults[1:]
		fault := faults[0]
		if fault.err == nil {
			return a.casLocked(account, ok, expected, newBalance)
		}
		if fault.apply && ok && account.Balance.Equal(expected) {
			account.Balance = newBalance
		}
		return nil, fault.err
	}
	return a.casLocked(account, ok, expected, newBalance)
}

func (a *accountsStub) casLocked(account *accountclient.Account, ok bool, expected, newBalance decimal.Decimal) (*accountclient.Account, error) {
	if !ok {
		return nil, accountclient.ErrNotFound
	}
	if !account.Balance.Equal(expected) {
		return nil, accountclient.ErrConflict
	}
	account.Balance = newBalance
	copied := *account
	return &copied, nil
}

type dispatcherStub struct {
	mu    sync.Mutex
	calls [][]int64
	err   error
}

func (d *dispatcherStub) Dispatch(ctx context.Context, ids []int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, append([]int64(nil), ids...))
	return d.err
}

type limiterStub struct {
	decision RateDecision
	err      error
	accounts []int64
}

func (l *limiterStub) Allow(ctx context.Context, accountID int64) (RateDecision, error) {
	l.accounts = append(l.accounts, accountID)
	return l.decision, l.err
}

type serviceFixture struct {
	svc        *Service
	repo       *memoryRepoStub
	accounts   *accountsStub
	dispatcher *dispatcherStub
}

func newServiceFixture(opts Options) *serviceFixture {
	repo := newMemoryRepo()
	accounts := newAccountsStub()
	dispatcher := &dispatcherStub{}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatcher
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	svc := NewService(repo, accounts, opts)
	svc.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return &serviceFixture{svc: svc, repo: repo, accounts: accounts, dispatcher: dispatcher}
}

func money(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}
