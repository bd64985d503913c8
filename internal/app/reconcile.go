/**
 * @description
 * Reconciliation against the live Stripe account. Webhooks can be lost when an
 * endpoint is misconfigured or the provider gives up retrying, so partners that
 * are still mid-onboarding are periodically re-read from Stripe and the result
 * is fed through the same idempotency gate and projection as a webhook.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/kilolab/partner-payments-service/internal/metrics"
)

// ReconcileEventType is recorded in the ledger for synthetic reconciliation events.
const ReconcileEventType = "account.reconciled"

// AccountFetcher reads the live state of a connected account.
type AccountFetcher interface {
	FetchAccount(ctx context.Context, externalAccountID string) (domain.AccountSnapshot, error)
}

// EventApplier projects a normalized event.
type EventApplier interface {
	ApplyEvent(ctx context.Context, evt domain.AccountStatusEvent) (domain.Outcome, error)
}

// StaleAccountLister lists partner records that may have missed a notification.
// TouchPartnerAccount moves a record to the back of the sweep order without
// changing its flags.
type StaleAccountLister interface {
	ListStaleIncompleteAccounts(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PartnerAccountRecord, error)
	TouchPartnerAccount(ctx context.Context, externalAccountID string, at time.Time) error
}

// Reconciler re-reads connected accounts from the provider.
type Reconciler struct {
	fetcher    AccountFetcher
	applier    EventApplier
	lister     StaleAccountLister
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewReconciler(fetcher AccountFetcher, applier EventApplier, lister StaleAccountLister, staleAfter time.Duration, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Reconciler{
		fetcher:    fetcher,
		applier:    applier,
		lister:     lister,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// ReconcileAccount fetches one account and applies it as a synthetic event.
func (r *Reconciler) ReconcileAccount(ctx context.Context, externalAccountID string) (domain.Outcome, error) {
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return "", fmt.Errorf("%w: external account id is required", domain.ErrMalformedEvent)
	}

	// Stripe stamps events in whole seconds. The snapshot is dated to the
	// second the fetch started so that a webhook created during or after the
	// fetch is never older than it.
	startedAt := r.now().UTC()
	fetchedAt := startedAt.Truncate(time.Second)

	snapshot, err := r.fetcher.FetchAccount(ctx, externalAccountID)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("fetch_failed").Inc()
		return "", err
	}

	evt := domain.AccountStatusEvent{
		EventID:           fmt.Sprintf("reconcile:%s:%d", externalAccountID, startedAt.UnixNano()),
		EventType:         ReconcileEventType,
		ExternalAccountID: externalAccountID,
		ChargesEnabled:    snapshot.ChargesEnabled,
		PayoutsEnabled:    snapshot.PayoutsEnabled,
		DetailsSubmitted:  snapshot.DetailsSubmitted,
		EventTimestamp:    fetchedAt,
		ReceivedAt:        r.now().UTC(),
	}

	outcome, err := r.applier.ApplyEvent(ctx, evt)
	metrics.ReconcileRunsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

// ReconcileStaleAccounts reconciles one batch of incomplete accounts that have not
// changed recently and returns how many were projected.
func (r *Reconciler) ReconcileStaleAccounts(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	records, err := r.lister.ListStaleIncompleteAccounts(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, err
	}

	projected := 0
	var errs []error
	for _, record := range records {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		outcome, err := r.ReconcileAccount(ctx, record.ExternalAccountID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				log.Printf("level=warn component=reconcile msg=\"connected account no longer exists\" partner_id=%s account_id=%s", record.PartnerID, record.ExternalAccountID)
				if touchErr := r.lister.TouchPartnerAccount(ctx, record.ExternalAccountID, r.now().UTC()); touchErr != nil {
					errs = append(errs, fmt.Errorf("%s: %w", record.ExternalAccountID, touchErr))
				}
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", record.ExternalAccountID, err))
			continue
		}
		if outcome == domain.OutcomeProjected {
			projected++
		}
	}

	log.Printf("level=info component=reconcile msg=\"sweep finished\" candidates=%d projected=%d failures=%d", len(records), projected, len(errs))
	return projected, errors.Join(errs...)
}
