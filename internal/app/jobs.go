/**
 * @description
 * Scheduled job implementations for the partner-payments-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/kilolab/partner-payments-service/internal/config"
)

const jobTimeout = 10 * time.Minute

// StaleAccountSweeper reconciles partners that may have missed a webhook.
type StaleAccountSweeper interface {
	ReconcileStaleAccounts(ctx context.Context) (int, error)
}

// LedgerPruner deletes expired idempotency ledger rows.
type LedgerPruner interface {
	PruneProcessedEvents(ctx context.Context, processedBefore time.Time) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper StaleAccountSweeper
	pruner  LedgerPruner
	logger  *slog.Logger
	config  config.Config
	now     func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper StaleAccountSweeper, pruner LedgerPruner, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		pruner:  pruner,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
	}
}

// ReconcileStaleAccounts re-reads incomplete connected accounts from Stripe.
func (j *Jobs) ReconcileStaleAccounts() {
	j.logger.Info("starting account reconcile job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	projected, err := j.sweeper.ReconcileStaleAccounts(ctx)
	if err != nil {
		j.logger.Error("account reconcile job finished with errors", "projected", projected, "error", err)
		return
	}

	j.logger.Info("account reconcile job finished", "projected", projected)
}

// PruneProcessedEvents drops ledger rows older than the retention window.
// The window is never shorter than the provider's redelivery horizon.
func (j *Jobs) PruneProcessedEvents() {
	retention := j.config.LedgerRetention()
	cutoff := j.now().Add(-retention)
	j.logger.Info("starting ledger prune job", "cutoff", cutoff.Format(time.RFC3339))

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	deleted, err := j.pruner.PruneProcessedEvents(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to prune processed events", "error", err)
		return
	}

	j.logger.Info("ledger prune job finished", "deleted", deleted)
}
