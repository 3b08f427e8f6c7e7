package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banking/transaction-service/internal/domain"
	"github.com/banking/transaction-service/internal/store"
	"go.uber.org/zap"
)

const (
	defaultReconcileLimit      = 100
	defaultReconcileStaleAfter = 5 * time.Minute
	// A pass never outlives the lease on the attempts it claimed.
	reconcilePassTimeout = 2 * time.Minute
	reconcileClaimLease  = 2 * reconcilePassTimeout
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Scanned     int `json:"scanned"`
	Completed   int `json:"completed"`
	Recorded    int `json:"recorded"`
	Compensated int `json:"compensated"`
	Aborted     int `json:"aborted"`
	Unresolved  int `json:"unresolved"`
}

type reconcileOutcome int

const (
	outcomeUnresolved reconcileOutcome = iota
	outcomeCompleted
	outcomeRecorded
	outcomeCompensated
	outcomeAborted
)

// Reconcile drives partial failures and stalled attempts to a terminal state:
// applied legs without a record are recorded, a debited source whose target
// was never credited is re-credited, and attempts that changed nothing are
// aborted. Attempts that cannot be resolved are left for the next pass.
// Attempts are leased while a pass works on them, so concurrent passes never
// act on the same attempt.
func (s *Service) Reconcile(ctx context.Context, staleAfter time.Duration, limit int) (ReconcileReport, error) {
	if staleAfter <= 0 {
		staleAfter = defaultReconcileStaleAfter
	}
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	ctx, cancel := context.WithTimeout(ctx, reconcilePassTimeout)
	defer cancel()

	var report ReconcileReport
	attempts, err := s.repo.ClaimAttemptsForReconciliation(ctx, s.now().Add(-staleAfter), reconcileClaimLease, limit)
	if err != nil {
		return report, fmt.Errorf("failed to claim attempts for reconciliation: %w", err)
	}
	defer func() {
		for i := range attempts {
			if err := s.repo.ReleaseAttemptClaim(context.WithoutCancel(ctx), attempts[i].ID); err != nil {
				s.logger.Warn("failed to release reconciliation claim",
					zap.String("attempt_id", attempts[i].ID.String()), zap.Error(err))
			}
		}
	}()

	for i := range attempts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		attempt := &attempts[i]
		report.Scanned++

		log := s.logger.With(
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("state", string(attempt.State)),
			zap.String("job", "reconcile"),
		)
		outcome, err := s.reconcileAttempt(ctx, attempt, log)
		if err != nil {
			log.Warn("attempt left unresolved", zap.Error(err))
		}
		if outcome == outcomeUnresolved {
			// Touching updated_at rotates the attempt behind others in the next pass.
			s.saveAttempt(ctx, attempt, log)
		}
		switch outcome {
		case outcomeCompleted:
			report.Completed++
		case outcomeRecorded:
			report.Recorded++
		case outcomeCompensated:
			report.Compensated++
		case outcomeAborted:
			report.Aborted++
		default:
			report.Unresolved++
		}
	}

	if report.Scanned > 0 {
		s.logger.Info("reconciliation pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("completed", report.Completed),
			zap.Int("recorded", report.Recorded),
			zap.Int("compensated", report.Compensated),
			zap.Int("aborted", report.Aborted),
			zap.Int("unresolved", report.Unresolved),
		)
	}
	return report, nil
}

func (s *Service) reconcileAttempt(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger) (reconcileOutcome, error) {
	if attempt.State.HasRecord() {
		attempt.State = domain.AttemptDone
		return outcomeCompleted, s.repo.UpdateAttempt(ctx, attempt)
	}

	record, err := s.repo.FindTransactionByAttemptID(ctx, attempt.ID)
	switch {
	case err == nil:
		attempt.TransactionID = int64Ref(record.ID)
		attempt.State = domain.AttemptDone
		return outcomeCompleted, s.repo.UpdateAttempt(ctx, attempt)
	case !errors.Is(err, store.ErrTransactionNotFound):
		return outcomeUnresolved, err
	}

	if attempt.RefundPending() {
		landed, err := s.resolveRefund(ctx, attempt, log)
		if err != nil {
			return outcomeUnresolved, err
		}
		if landed {
			return outcomeCompensated, s.repo.UpdateAttempt(ctx, attempt)
		}
	}

	sourceKnown, err := s.resolveSourceLeg(ctx, attempt, log)
	if err != nil {
		return outcomeUnresolved, err
	}
	if attempt.Kind == domain.KindTransfer && attempt.SourceMutated() && !attempt.TargetCredited {
		if err := s.resolveTargetLeg(ctx, attempt, log); err != nil {
			return outcomeUnresolved, err
		}
	}

	switch {
	case !attempt.LegsApplied():
		if !sourceKnown {
			return outcomeUnresolved, errors.New("source balance does not match the journal; manual review required")
		}
		attempt.State = domain.AttemptAborted
		if attempt.FailureReason == nil {
			attempt.FailureReason = stringRef("abandoned before any balance was changed")
		}
		return outcomeAborted, s.repo.UpdateAttempt(ctx, attempt)

	case attempt.Kind != domain.KindTransfer || attempt.TargetCredited:
		if attempt.Kind == domain.KindTransfer && !attempt.SourceMutated() {
			return outcomeUnresolved, errors.New("target credited while source is not debited; manual review required")
		}
		if _, err := s.recordAndNotify(ctx, attempt, log); err != nil {
			return outcomeUnresolved, err
		}
		log.Info("missing ledger record written")
		return outcomeRecorded, nil

	default:
		if err := s.refundSource(ctx, attempt, log); err != nil {
			attempt.State = domain.AttemptPartialFailure
			s.saveAttempt(ctx, attempt, log)
			return outcomeUnresolved, fmt.Errorf("source compensation failed: %w", err)
		}
		return outcomeCompensated, nil
	}
}

// resolveRefund settles a journaled refund whose outcome was never recorded.
// It reports true when the live source balance shows the refund landed, and
// clears the journaled refund when the balance shows it did not.
func (s *Service) resolveRefund(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger) (bool, error) {
	current, err := s.fetchAccount(ctx, attempt.SourceAccountID)
	if err != nil {
		return false, err
	}
	switch {
	case current.Balance.Equal(*attempt.SourceRefundTo):
		log.Warn("source refund found applied", zap.String("balance", current.Balance.StringFixed(2)))
		attempt.SourceCompensated = true
		attempt.State = domain.AttemptCompensated
		return true, nil
	case attempt.SourceRefundFrom != nil && current.Balance.Equal(*attempt.SourceRefundFrom):
		attempt.SourceRefundFrom, attempt.SourceRefundTo = nil, nil
		return false, nil
	default:
		return false, errors.New("source balance does not match the journaled refund; manual review required")
	}
}

// resolveSourceLeg settles whether a source write whose outcome was not
// journaled actually landed. It reports false when the live balance matches
// neither the journaled before nor after value.
func (s *Service) resolveSourceLeg(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger) (bool, error) {
	if attempt.SourceDebited || attempt.SourceBalanceTo == nil {
		return true, nil
	}
	current, err := s.fetchAccount(ctx, attempt.SourceAccountID)
	if err != nil {
		return false, err
	}
	switch {
	case current.Balance.Equal(*attempt.SourceBalanceTo):
		log.Warn("source write found applied", zap.String("balance", current.Balance.StringFixed(2)))
		attempt.SourceDebited = true
		return true, nil
	case attempt.SourceBalanceFrom != nil && current.Balance.Equal(*attempt.SourceBalanceFrom):
		return true, nil
	default:
		return false, nil
	}
}

func (s *Service) resolveTargetLeg(ctx context.Context, attempt *domain.TransferAttempt, log *zap.Logger) error {
	if attempt.TargetAccountID == nil || attempt.TargetBalanceTo == nil {
		return nil
	}
	// Only an attempt interrupted mid-write can hold an unjournaled credit.
	interrupted := attempt.State == domain.AttemptSourceFunded ||
		(attempt.State == domain.AttemptPartialFailure && attempt.FailureReason != nil &&
			strings.HasPrefix(*attempt.FailureReason, reasonTargetWriteUnknown))
	if !interrupted {
		return nil
	}
	current, err := s.fetchAccount(ctx, *attempt.TargetAccountID)
	if err != nil {
		return err
	}
	if current.Balance.Equal(*attempt.TargetBalanceTo) {
		log.Warn("target credit found applied", zap.String("balance", current.Balance.StringFixed(2)))
		attempt.TargetCredited = true
	}
	return nil
}
