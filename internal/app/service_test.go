package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/banking/transaction-service/pkg/accountclient"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depositRequest(account int64, amount string) domain.CreateTransactionRequest {
	return domain.CreateTransactionRequest{AccountID: account, Type: "deposit", Amount: money(amount)}
}

func withdrawRequest(account int64, amount string) domain.CreateTransactionRequest {
	return domain.CreateTransactionRequest{AccountID: account, Type: "withdraw", Amount: money(amount)}
}

func transferRequest(source, target int64, amount string) domain.CreateTransactionRequest {
	return domain.CreateTransactionRequest{AccountID: source, Type: "transfer", Amount: money(amount), TargetAccountID: int64Ptr(target)}
}

func TestCreateTransaction_Deposit(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")

	result, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "")
	require.NoError(t, err)
	require.NotNil(t, result.Record)

	assert.False(t, result.Replayed)
	assert.Equal(t, domain.KindDeposit, result.Record.Type)
	assert.True(t, result.Record.Amount.Equal(money("50")))
	assert.Nil(t, result.Record.TargetAccountID)
	assert.True(t, f.accounts.balance(1).Equal(money("150")))
	assert.Equal(t, 1, f.repo.recordCount())

	events := f.repo.outboxPayloads()
	require.Len(t, events, 1)
	assert.Equal(t, int64(10), events[0].UserID)
	assert.Equal(t, result.Record.ID, events[0].TransactionID)
	assert.Equal(t, "Deposit of $50.00 completed. New balance: $150.00", events[0].Message)
	assert.Equal(t, [][]int64{{1}}, f.dispatcher.calls)

	attempt := f.repo.onlyAttempt()
	assert.Equal(t, domain.AttemptDone, attempt.State)
	require.NotNil(t, attempt.TransactionID)
	assert.Equal(t, result.Record.ID, *attempt.TransactionID)
}

func TestCreateTransaction_WithdrawInsufficientFunds(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "30")

	_, err := f.svc.CreateTransaction(context.Background(), withdrawRequest(1, "50"), "")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.True(t, f.accounts.balance(1).Equal(money("30")))
	assert.Zero(t, f.accounts.writes(1))
	assert.Zero(t, f.repo.recordCount())
	assert.Equal(t, domain.AttemptAborted, f.repo.onlyAttempt().State)
}

func TestCreateTransaction_WithdrawExactBalance(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "50.25")

	_, err := f.svc.CreateTransaction(context.Background(), withdrawRequest(1, "50.25"), "")
	require.NoError(t, err)
	assert.True(t, f.accounts.balance(1).IsZero())

	events := f.repo.outboxPayloads()
	require.Len(t, events, 1)
	assert.Equal(t, "Withdrawal of $50.25 completed. New balance: $0.00", events[0].Message)
}

func TestCreateTransaction_Transfer(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "20")

	result, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 2, "40"), "")
	require.NoError(t, err)

	assert.True(t, f.accounts.balance(1).Equal(money("60")))
	assert.True(t, f.accounts.balance(2).Equal(money("60")))
	assert.Equal(t, domain.KindTransfer, result.Record.Type)
	require.NotNil(t, result.Record.TargetAccountID)
	assert.Equal(t, int64(2), *result.Record.TargetAccountID)
	assert.Equal(t, 1, f.repo.recordCount())

	events := f.repo.outboxPayloads()
	require.Len(t, events, 2)
	assert.Equal(t, int64(10), events[0].UserID)
	assert.Equal(t, "Transfer of $40.00 to account 2 completed. New balance: $60.00", events[0].Message)
	assert.Equal(t, int64(20), events[1].UserID)
	assert.Equal(t, "Received transfer of $40.00 from account 1. New balance: $60.00", events[1].Message)
	for _, event := range events {
		assert.Equal(t, domain.KindTransfer, event.TransactionType)
		assert.Equal(t, result.Record.ID, event.TransactionID)
	}
}

func TestCreateTransaction_TransferTargetNotFound(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")

	_, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 99, "10"), "")
	require.ErrorIs(t, err, ErrTargetNotFound)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assert.True(t, f.accounts.balance(1).Equal(money("100")))
	assert.Zero(t, f.accounts.writes(1))
	assert.Zero(t, f.repo.recordCount())
}

func TestCreateTransaction_SourceNotFound(t *testing.T) {
	f := newServiceFixture(Options{})

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(7, "10"), "")
	require.ErrorIs(t, err, ErrAccountNotFound)
	assert.NotErrorIs(t, err, ErrTargetNotFound)
}

func TestCreateTransaction_TransferCompensatedWhenTargetRejects(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "20")
	f.accounts.failSet(2, setFault{err: accountclient.ErrRejected})

	_, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 2, "40"), "")
	require.ErrorIs(t, err, ErrCompensated)
	assert.ErrorIs(t, err, accountclient.ErrRejected)
	assert.NotErrorIs(t, err, ErrPartialFailure)

	assert.True(t, f.accounts.balance(1).Equal(money("100")))
	assert.True(t, f.accounts.balance(2).Equal(money("20")))
	assert.Zero(t, f.repo.recordCount())

	attempt := f.repo.onlyAttempt()
	assert.Equal(t, domain.AttemptCompensated, attempt.State)
	assert.True(t, attempt.SourceDebited)
	assert.True(t, attempt.SourceCompensated)
	assert.False(t, attempt.TargetCredited)
}

func TestCreateTransaction_PartialFailureWhenCompensationFails(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "20")
	// The debit passes; the compensating credit is rejected.
	f.accounts.failSet(1, setFault{}, setFault{err: accountclient.ErrRejected})
	f.accounts.failSet(2, setFault{err: accountclient.ErrRejected})

	_, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 2, "40"), "")
	require.ErrorIs(t, err, ErrPartialFailure)

	var partial *PartialFailureError
	require.True(t, errors.As(err, &partial))
	assert.True(t, partial.SourceDebited)
	assert.False(t, partial.TargetCredited)
	assert.Equal(t, f.repo.onlyAttempt().ID, partial.AttemptID)

	assert.True(t, f.accounts.balance(1).Equal(money("60")))
	assert.True(t, f.accounts.balance(2).Equal(money("20")))
	assert.Zero(t, f.repo.recordCount())

	attempt := f.repo.onlyAttempt()
	assert.Equal(t, domain.AttemptPartialFailure, attempt.State)
	require.NotNil(t, attempt.FailureReason)
	require.NotNil(t, attempt.SourceBalanceFrom)
	assert.True(t, attempt.SourceBalanceFrom.Equal(money("100")))
}

func TestCreateTransaction_RefundNotSentWithoutJournalEntry(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "20")
	f.accounts.failSet(2, setFault{err: accountclient.ErrRejected})
	f.repo.failUpdate = func(attempt domain.TransferAttempt) error {
		if attempt.State == domain.AttemptCompensating {
			return errors.New("journal unavailable")
		}
		return nil
	}

	_, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 2, "40"), "")
	require.ErrorIs(t, err, ErrPartialFailure)
	assert.True(t, f.accounts.balance(1).Equal(money("60")))
	assert.Equal(t, 1, f.accounts.writes(1), "no refund is sent before it is journaled")

	attempt := f.repo.onlyAttempt()
	assert.Equal(t, domain.AttemptPartialFailure, attempt.State)
	assert.Nil(t, attempt.SourceRefundTo)

	f.repo.failUpdate = nil
	report, err := f.svc.Reconcile(context.Background(), time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 1, Compensated: 1}, report)
	assert.True(t, f.accounts.balance(1).Equal(money("100")))
}

func TestCreateTransaction_CompensationJournalsRefund(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "20")
	f.accounts.failSet(2, setFault{err: accountclient.ErrRejected})

	var journaled []domain.TransferAttempt
	f.repo.failUpdate = func(attempt domain.TransferAttempt) error {
		if attempt.State == domain.AttemptCompensating {
			journaled = append(journaled, attempt)
		}
		return nil
	}

	_, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 2, "40"), "")
	require.ErrorIs(t, err, ErrCompensated)

	require.Len(t, journaled, 1)
	require.NotNil(t, journaled[0].SourceRefundFrom)
	require.NotNil(t, journaled[0].SourceRefundTo)
	assert.True(t, journaled[0].SourceRefundFrom.Equal(money("60")))
	assert.True(t, journaled[0].SourceRefundTo.Equal(money("100")))
	assert.False(t, journaled[0].SourceCompensated)
}

func TestCreateTransaction_RecordFailureIsPartialFailure(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.repo.recordErr = errors.New("database is down")

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "25"), "")
	require.ErrorIs(t, err, ErrPartialFailure)

	var partial *PartialFailureError
	require.True(t, errors.As(err, &partial))
	assert.True(t, partial.SourceDebited)
	assert.True(t, f.accounts.balance(1).Equal(money("125")))
	assert.Empty(t, f.dispatcher.calls)
}

func TestCreateTransaction_IdempotentReplay(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")

	first, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "key-1")
	require.NoError(t, err)
	second, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "key-1")
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, 1, f.repo.recordCount())
	assert.True(t, f.accounts.balance(1).Equal(money("150")))
}

func TestCreateTransaction_IdempotencyKeyFromBody(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")

	req := depositRequest(1, "50")
	req.IdempotencyKey = "body-key"
	_, err := f.svc.CreateTransaction(context.Background(), req, "")
	require.NoError(t, err)

	replay, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "body-key")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
}

func TestCreateTransaction_IdempotencyKeyMismatch(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "key-1")
	require.NoError(t, err)

	_, err = f.svc.CreateTransaction(context.Background(), depositRequest(1, "60"), "key-1")
	require.ErrorIs(t, err, ErrIdempotencyKeyMismatch)
	assert.Equal(t, 1, f.repo.recordCount())
}

func TestCreateTransaction_IdempotencyKeyReleasedAfterAbort(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "30")

	_, err := f.svc.CreateTransaction(context.Background(), withdrawRequest(1, "50"), "key-1")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	f.accounts.setBalanceDirect(1, "80")
	result, err := f.svc.CreateTransaction(context.Background(), withdrawRequest(1, "50"), "key-1")
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.True(t, f.accounts.balance(1).Equal(money("30")))
}

func TestCreateTransaction_LiveAttemptWithSameKey(t *testing.T) {
	tests := []struct {
		name    string
		state   domain.AttemptState
		wantErr error
	}{
		{name: "in flight attempt", state: domain.AttemptSourceFunded, wantErr: ErrRequestInProgress},
		{name: "freshly journaled attempt", state: domain.AttemptValidated, wantErr: ErrRequestInProgress},
		{name: "partially applied attempt", state: domain.AttemptPartialFailure, wantErr: ErrPartialFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(Options{})
			f.accounts.add(1, 10, "100")
			key := "key-1"
			existing := &domain.TransferAttempt{
				ID:              uuid.New(),
				IdempotencyKey:  &key,
				SourceAccountID: 1,
				Kind:            domain.KindDeposit,
				Amount:          money("50"),
				State:           tt.state,
			}
			require.NoError(t, f.repo.CreateAttempt(context.Background(), existing))

			_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), key)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, f.accounts.writes(1))
		})
	}
}

func TestCreateTransaction_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	f := newServiceFixture(Options{ConflictRetryAttempts: 10})
	f.accounts.add(1, 10, "100")

	const workers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateTransaction(context.Background(), withdrawRequest(1, "60"), "")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrBalanceConflict), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.True(t, f.accounts.balance(1).Equal(money("40")))
	assert.Equal(t, successes, f.repo.recordCount())
}

func TestCreateTransaction_ConcurrentTransfersConserveMoney(t *testing.T) {
	f := newServiceFixture(Options{ConflictRetryAttempts: 50})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "100")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		source, target := int64(1), int64(2)
		if i%2 == 1 {
			source, target = target, source
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateTransaction(context.Background(), transferRequest(source, target, "10"), "")
			assert.NotErrorIs(t, err, ErrPartialFailure)
		}()
	}
	wg.Wait()

	total := f.accounts.balance(1).Add(f.accounts.balance(2))
	assert.True(t, total.Equal(money("200")), "total balance drifted to %s", total)
}

func TestCreateTransaction_CanceledBeforeFirstWrite(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.CreateTransaction(ctx, depositRequest(1, "50"), "")
	require.ErrorIs(t, err, ErrCanceled)
	assert.Zero(t, f.accounts.writes(1))
	assert.True(t, f.accounts.balance(1).Equal(money("100")))
	assert.Equal(t, domain.AttemptAborted, f.repo.onlyAttempt().State)
}

func TestCreateTransaction_CancellationAfterDebitDoesNotStopTransfer(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "20")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.accounts.beforeSet = func(accountID int64) {
		if accountID == 1 {
			cancel()
		}
	}

	_, err := f.svc.CreateTransaction(ctx, transferRequest(1, 2, "40"), "")
	require.NoError(t, err)
	assert.True(t, f.accounts.balance(1).Equal(money("60")))
	assert.True(t, f.accounts.balance(2).Equal(money("60")))
	assert.Equal(t, 1, f.repo.recordCount())
}

func TestCreateTransaction_DispatchFailureDoesNotFailRequest(t *testing.T) {
	f := newServiceFixture(Options{})
	f.dispatcher.err = errors.New("broker down")
	f.accounts.add(1, 10, "100")

	result, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "5"), "")
	require.NoError(t, err)
	assert.NotNil(t, result.Record)
	assert.Len(t, f.dispatcher.calls, 1)
}

func TestCreateTransaction_RetriesUnavailableReads(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.failGet(1, accountclient.ErrUnavailable, accountclient.ErrUnavailable)

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "5"), "")
	require.NoError(t, err)
	assert.True(t, f.accounts.balance(1).Equal(money("105")))
}

func TestCreateTransaction_UnavailableAccountService(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.failGet(1, accountclient.ErrUnavailable, accountclient.ErrUnavailable, accountclient.ErrUnavailable)

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "5"), "")
	require.ErrorIs(t, err, ErrAccountUnavailable)
	assert.Zero(t, f.accounts.writes(1))
}

func TestCreateTransaction_LostWriteResponseIsVerified(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	// The first write lands but its answer is lost; the retry then conflicts.
	f.accounts.failSet(1, setFault{apply: true, err: accountclient.ErrUnavailable})

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "")
	require.NoError(t, err)
	assert.True(t, f.accounts.balance(1).Equal(money("150")))
	assert.Equal(t, 2, f.accounts.writes(1))
	assert.Equal(t, 1, f.repo.recordCount())
}

func TestCreateTransaction_UnknownSourceWriteIsPartialFailure(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	unavailable := setFault{err: accountclient.ErrUnavailable}
	f.accounts.failSet(1, unavailable, unavailable, unavailable)
	var once sync.Once
	f.accounts.beforeSet = func(accountID int64) {
		once.Do(func() {
			f.accounts.failGet(1, accountclient.ErrUnavailable, accountclient.ErrUnavailable, accountclient.ErrUnavailable)
		})
	}

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "")
	require.ErrorIs(t, err, ErrPartialFailure)

	var partial *PartialFailureError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, reasonSourceWriteUnknown, partial.Reason)
	assert.False(t, partial.SourceDebited)
	assert.Equal(t, domain.AttemptPartialFailure, f.repo.onlyAttempt().State)
}

func TestCreateTransaction_SourceConflictRecomputes(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	var once sync.Once
	f.accounts.beforeSet = func(accountID int64) {
		once.Do(func() { f.accounts.setBalanceDirect(1, "120") })
	}

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "50"), "")
	require.NoError(t, err)
	assert.True(t, f.accounts.balance(1).Equal(money("170")))

	attempt := f.repo.onlyAttempt()
	require.NotNil(t, attempt.SourceBalanceFrom)
	assert.True(t, attempt.SourceBalanceFrom.Equal(money("120")))
}

func TestCreateTransaction_TargetConflictRefetches(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "20")
	var once sync.Once
	f.accounts.beforeSet = func(accountID int64) {
		if accountID == 2 {
			once.Do(func() { f.accounts.setBalanceDirect(2, "25") })
		}
	}

	_, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 2, "40"), "")
	require.NoError(t, err)
	assert.True(t, f.accounts.balance(1).Equal(money("60")))
	assert.True(t, f.accounts.balance(2).Equal(money("65")))

	events := f.repo.outboxPayloads()
	require.Len(t, events, 2)
	assert.Equal(t, "Received transfer of $40.00 from account 1. New balance: $65.00", events[1].Message)
}

func TestCreateTransaction_RateLimited(t *testing.T) {
	limiter := &limiterStub{decision: RateDecision{Recent: 60, RetryAfter: 11200 * time.Millisecond}}
	f := newServiceFixture(Options{Limiter: limiter})
	f.accounts.add(1, 10, "100")

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "5"), "")
	require.ErrorIs(t, err, ErrRateLimited)

	var limited *RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, 12, limited.RetryAfterSeconds)
	assert.Equal(t, []int64{1}, limiter.accounts)
	assert.Zero(t, f.accounts.writes(1))
}

func TestCreateTransaction_RateLimiterFailsOpen(t *testing.T) {
	limiter := &limiterStub{err: errors.New("redis down")}
	f := newServiceFixture(Options{Limiter: limiter})
	f.accounts.add(1, 10, "100")

	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "5"), "")
	require.NoError(t, err)
}

func TestCreateTransaction_ValidationFailsBeforeAnyCall(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")

	_, err := f.svc.CreateTransaction(context.Background(), transferRequest(1, 1, "5"), "")
	require.ErrorIs(t, err, ErrSelfTransfer)
	assert.Zero(t, f.repo.recordCount())
	assert.Equal(t, domain.TransferAttempt{}, f.repo.onlyAttempt())
}

func TestListTransactions_ClampsLimit(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	f.accounts.add(2, 20, "100")
	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "1"), "")
		require.NoError(t, err)
	}
	_, err := f.svc.CreateTransaction(context.Background(), depositRequest(2, "1"), "")
	require.NoError(t, err)

	all, err := f.svc.ListTransactions(context.Background(), domain.TransactionListOptions{Limit: 10000})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := f.svc.ListTransactions(context.Background(), domain.TransactionListOptions{AccountID: int64Ptr(1), Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].ID)
}

func TestGetAndDeleteTransaction(t *testing.T) {
	f := newServiceFixture(Options{})
	f.accounts.add(1, 10, "100")
	result, err := f.svc.CreateTransaction(context.Background(), depositRequest(1, "1"), "")
	require.NoError(t, err)

	got, err := f.svc.GetTransaction(context.Background(), result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Record.ID, got.ID)

	require.NoError(t, f.svc.DeleteTransaction(context.Background(), result.Record.ID))
	_, err = f.svc.GetTransaction(context.Background(), result.Record.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.ErrorIs(t, f.svc.DeleteTransaction(context.Background(), result.Record.ID), ErrTransactionNotFound)

	assert.True(t, f.accounts.balance(1).Equal(money("101")), "deleting a record leaves balances alone")
}

func TestBackoffIsCapped(t *testing.T) {
	svc := NewService(newMemoryRepo(), newAccountsStub(), Options{RetryBackoff: 100 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, svc.backoff(1))
	assert.Equal(t, 200*time.Millisecond, svc.backoff(2))
	assert.Equal(t, maxRetryBackoff, svc.backoff(10))
}
