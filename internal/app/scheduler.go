/**
 * @description
 * Cron scheduler setup for the reconciliation and ledger retention jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/kilolab/partner-payments-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. A job still running when its
// next tick fires is skipped rather than run concurrently.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileJobSchedule, s.jobs.ReconcileStaleAccounts); err != nil {
		s.logger.Error("failed to schedule account reconcile job", "error", err)
	} else {
		s.logger.Info("scheduled account reconcile job", "schedule", s.config.ReconcileJobSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.LedgerPruneJobSchedule, s.jobs.PruneProcessedEvents); err != nil {
		s.logger.Error("failed to schedule ledger prune job", "error", err)
	} else {
		s.logger.Info("scheduled ledger prune job", "schedule", s.config.LedgerPruneJobSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
