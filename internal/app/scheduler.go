/**
 * @description
 * Cron scheduler for the reconciliation job.
 */
package app

import (
	"context"
	"time"

	"github.com/banking/transaction-service/pkg/logging"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler is implemented by Service.
type Reconciler interface {
	Reconcile(ctx context.Context, staleAfter time.Duration, limit int) (ReconcileReport, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	schedule   string
	staleAfter time.Duration
	timeout    time.Duration
	logger     *zap.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler Reconciler, schedule string, staleAfter time.Duration, logger *zap.Logger) *Scheduler {
	logger = logging.Component(logger, "scheduler")
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		staleAfter: staleAfter,
		timeout:    time.Minute,
		logger:     logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runReconcile); err != nil {
		s.logger.Error("failed to schedule reconciliation job", zap.String("schedule", s.schedule), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled reconciliation job", zap.String("schedule", s.schedule))

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.reconciler.Reconcile(ctx, s.staleAfter, 0); err != nil {
		s.logger.Error("reconciliation job failed", zap.Error(err))
	}
}
