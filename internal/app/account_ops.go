package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/banking/transaction-service/pkg/accountclient"
	"github.com/shopspring/decimal"
)

// legResult is what is known about a balance write after it returned.
type legResult int

const (
	legNotApplied legResult = iota
	legApplied
	legUnknown
)

type creditOutcome struct {
	leg  legResult
	from decimal.Decimal
	to   decimal.Decimal
	err  error
}

// fetchAccount reads an account, retrying while the account service is unavailable.
func (s *Service) fetchAccount(ctx context.Context, accountID int64) (*domain.AccountSnapshot, error) {
	var lastErr error
	for i := 0; i < s.retryAttempts; i++ {
		if i > 0 {
			if err := s.sleep(ctx, s.backoff(i)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
			}
		}
		account, err := s.accounts.GetAccount(ctx, accountID)
		if err == nil {
			return &domain.AccountSnapshot{
				ID:      account.ID,
				UserID:  account.UserID,
				Balance: domain.NormalizeMoney(account.Balance),
			}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, ctxErr)
		}
		switch {
		case errors.Is(err, accountclient.ErrNotFound):
			return nil, fmt.Errorf("%w: account %d", ErrAccountNotFound, accountID)
		case errors.Is(err, accountclient.ErrUnavailable):
			lastErr = err
		default:
			return nil, fmt.Errorf("failed to read account %d: %w", accountID, err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAccountUnavailable, lastErr)
}

// writeBalance sets accountID from expected to newBalance. Unavailable answers
// are retried with the same precondition. When a retry is rejected with a
// conflict, or retries run out, the balance is re-read to learn whether an
// earlier try landed.
func (s *Service) writeBalance(ctx context.Context, accountID int64, expected, newBalance decimal.Decimal) (legResult, error) {
	var (
		lastErr error
		retried bool
	)
	for i := 0; i < s.retryAttempts; i++ {
		if i > 0 {
			if err := s.sleep(ctx, s.backoff(i)); err != nil {
				lastErr = err
				break
			}
		}
		_, err := s.accounts.SetBalance(ctx, accountID, expected, newBalance)
		switch {
		case err == nil:
			return legApplied, nil
		case errors.Is(err, accountclient.ErrConflict):
			if !retried {
				return legNotApplied, fmt.Errorf("%w: account %d", ErrBalanceConflict, accountID)
			}
			return s.verifyWrite(ctx, accountID, expected, newBalance, fmt.Errorf("%w: account %d", ErrBalanceConflict, accountID))
		case errors.Is(err, accountclient.ErrNotFound):
			if !retried {
				return legNotApplied, fmt.Errorf("%w: account %d", ErrAccountNotFound, accountID)
			}
			return legUnknown, fmt.Errorf("%w: account %d disappeared during write", ErrAccountNotFound, accountID)
		case errors.Is(err, accountclient.ErrUnavailable):
			retried = true
			lastErr = err
		default:
			if !retried {
				return legNotApplied, fmt.Errorf("account %d rejected balance update: %w", accountID, err)
			}
			return s.verifyWrite(ctx, accountID, expected, newBalance, err)
		}
	}
	return s.verifyWrite(ctx, accountID, expected, newBalance, fmt.Errorf("%w: %v", ErrAccountUnavailable, lastErr))
}

func (s *Service) verifyWrite(ctx context.Context, accountID int64, expected, newBalance decimal.Decimal, cause error) (legResult, error) {
	current, err := s.fetchAccount(ctx, accountID)
	if err != nil {
		return legUnknown, errors.Join(cause, err)
	}
	switch {
	case current.Balance.Equal(newBalance):
		return legApplied, nil
	case current.Balance.Equal(expected):
		return legNotApplied, cause
	default:
		return legUnknown, cause
	}
}

// creditWithRefetch adds amount to an account. A conflicting concurrent change
// triggers a fresh read and another compare-and-swap, a bounded number of times.
// known, when set, is used as the first observed snapshot.
func (s *Service) creditWithRefetch(ctx context.Context, accountID int64, amount decimal.Decimal, known *domain.AccountSnapshot) creditOutcome {
	current := known
	var lastErr error
	for i := 0; i < s.conflictRetryAttempts; i++ {
		if current == nil {
			snapshot, err := s.fetchAccount(ctx, accountID)
			if err != nil {
				return creditOutcome{leg: legNotApplied, err: err}
			}
			current = snapshot
		}
		to := current.Balance.Add(amount)
		leg, err := s.writeBalance(ctx, accountID, current.Balance, to)
		switch leg {
		case legApplied:
			return creditOutcome{leg: legApplied, from: current.Balance, to: to}
		case legUnknown:
			return creditOutcome{leg: legUnknown, err: err}
		}
		if !errors.Is(err, ErrBalanceConflict) {
			return creditOutcome{leg: legNotApplied, err: err}
		}
		lastErr = err
		current = nil
	}
	return creditOutcome{leg: legNotApplied, err: lastErr}
}

func (s *Service) backoff(attempt int) time.Duration {
	delay := s.retryBackoff << uint(attempt-1)
	if delay <= 0 || delay > maxRetryBackoff {
		return maxRetryBackoff
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
