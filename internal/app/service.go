/**
 * @description
 * Core application service for keeping partner payment readiness in sync with
 * Stripe Connect.
 *
 * Key features:
 * - Verify -> normalize -> idempotency gate -> projection, for every notification.
 * - The gate and the projection run inside one storage transaction.
 * - Projections older than the last applied event are skipped, so reordered
 *   deliveries converge on the newest state.
 * - Flag changes are written to the transactional outbox for downstream
 *   email and push notifications.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/kilolab/partner-payments-service/internal/store"
	"github.com/stripe/stripe-go/v82"
)

// StatusStore is the storage dependency of the SyncService.
type StatusStore interface {
	WithinStatusTx(ctx context.Context, fn func(tx store.StatusTx) error) error
}

// EventVerifier authenticates a raw notification.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// Result describes how one notification was handled.
type Result struct {
	Outcome   domain.Outcome
	EventID   string
	EventType string
	AccountID string
	Err       error
}

// SyncService applies account-status notifications to partner records.
type SyncService struct {
	store    StatusStore
	verifier EventVerifier
	exchange string
	now      func() time.Time
}

// NewSyncService creates a SyncService publishing status changes on exchange.
func NewSyncService(statusStore StatusStore, verifier EventVerifier, exchange string) *SyncService {
	return &SyncService{
		store:    statusStore,
		verifier: verifier,
		exchange: exchange,
		now:      time.Now,
	}
}

// HandleNotification runs a raw webhook body through every stage and reports the outcome.
func (s *SyncService) HandleNotification(ctx context.Context, payload []byte, signatureHeader string) Result {
	raw, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			return Result{Outcome: domain.OutcomeMalformed, Err: err}
		}
		return Result{Outcome: domain.OutcomeInvalidSignature, Err: err}
	}

	result := Result{EventID: raw.ID, EventType: string(raw.Type)}

	evt, kind, err := NormalizeEvent(raw, s.now())
	if err != nil {
		result.Outcome = domain.OutcomeMalformed
		result.Err = err
		return result
	}
	if kind == EventKindUnrecognized {
		result.Outcome = domain.OutcomeIgnored
		return result
	}
	result.AccountID = evt.ExternalAccountID

	result.Outcome, result.Err = s.ApplyEvent(ctx, evt)
	return result
}

// ApplyEvent passes a normalized event through the idempotency gate and, if it
// is new, projects it onto the partner record.
func (s *SyncService) ApplyEvent(ctx context.Context, evt domain.AccountStatusEvent) (domain.Outcome, error) {
	var outcome domain.Outcome

	err := s.store.WithinStatusTx(ctx, func(tx store.StatusTx) error {
		fresh, err := tx.TryMarkProcessed(ctx, evt)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = domain.OutcomeDuplicate
			return nil
		}

		outcome, err = s.project(ctx, tx, evt)
		if err != nil {
			return err
		}
		return tx.RecordOutcome(ctx, evt.EventID, outcome)
	})
	if err != nil {
		return domain.OutcomeStorageFailure, fmt.Errorf("%w: %v", domain.ErrTransientStorage, err)
	}

	switch outcome {
	case domain.OutcomeUnknownAccount:
		log.Printf("level=warn component=sync msg=\"event for unlinked account\" event_id=%s account_id=%s", evt.EventID, evt.ExternalAccountID)
	case domain.OutcomeStale:
		log.Printf("level=info component=sync msg=\"stale event skipped\" event_id=%s account_id=%s event_at=%s", evt.EventID, evt.ExternalAccountID, evt.EventTimestamp.Format(time.RFC3339))
	}
	return outcome, nil
}

func (s *SyncService) project(ctx context.Context, tx store.StatusTx, evt domain.AccountStatusEvent) (domain.Outcome, error) {
	record, err := tx.FindByExternalID(ctx, evt.ExternalAccountID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return domain.OutcomeUnknownAccount, nil
	}
	if record.IsStale(evt) {
		return domain.OutcomeStale, nil
	}

	next := record.Project(evt, s.now())
	if err := tx.UpsertStatus(ctx, next); err != nil {
		return "", err
	}

	if routingKey, changed := statusChangeRoutingKey(*record, next); changed {
		message := domain.PartnerPaymentStatusChangedEvent{
			PartnerID:                  next.PartnerID,
			OwnerUserID:                next.OwnerUserID,
			StripeAccountID:            next.ExternalAccountID,
			ChargesEnabled:             next.ChargesEnabled,
			PayoutsEnabled:             next.PayoutsEnabled,
			DetailsSubmitted:           next.DetailsSubmitted,
			OnboardingComplete:         next.OnboardingComplete,
			PreviousOnboardingComplete: record.OnboardingComplete,
			SourceEventID:              evt.EventID,
			OccurredAt:                 next.UpdatedAt,
		}
		if err := tx.EnqueueStatusChange(ctx, store.StatusChangeMessage{Exchange: s.exchange, RoutingKey: routingKey, Event: message}); err != nil {
			return "", err
		}
	}
	return domain.OutcomeProjected, nil
}

// statusChangeRoutingKey picks the routing key for a projection, if anything changed.
func statusChangeRoutingKey(previous, next domain.PartnerAccountRecord) (string, bool) {
	if previous.SameFlags(next) {
		return "", false
	}
	if next.OnboardingComplete && !previous.OnboardingComplete {
		return domain.RoutingKeyOnboardingCompleted, true
	}
	return domain.RoutingKeyPaymentStatusChanged, true
}
