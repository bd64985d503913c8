package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kilolab/partner-payments-service/internal/domain"
)

// PartnerLinkStore creates partner records for newly linked accounts.
type PartnerLinkStore interface {
	CreatePartnerAccount(ctx context.Context, link domain.PartnerAccountLinkedEvent) (bool, error)
}

// AccountReconciler refreshes a single account from the provider.
type AccountReconciler interface {
	ReconcileAccount(ctx context.Context, externalAccountID string) (domain.Outcome, error)
}

// PartnerLinkConsumer handles partner.stripe_account.linked events.
type PartnerLinkConsumer struct {
	store      PartnerLinkStore
	reconciler AccountReconciler
}

// NewPartnerLinkConsumer creates a consumer. reconciler may be nil, in which case
// the initial flags are left for the first webhook to fill in.
func NewPartnerLinkConsumer(store PartnerLinkStore, reconciler AccountReconciler) *PartnerLinkConsumer {
	return &PartnerLinkConsumer{store: store, reconciler: reconciler}
}

// HandleMessage returns true when the message should be acknowledged.
func (c *PartnerLinkConsumer) HandleMessage(body []byte) bool {
	var event domain.PartnerAccountLinkedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=link_consumer msg=\"invalid payload\" err=%v", err)
		return true // malformed, cannot be retried
	}
	if reason := validateLinkEvent(event); reason != "" {
		log.Printf("level=error component=link_consumer msg=\"rejected link event\" reason=%q partner_id=%s account_id=%s", reason, event.PartnerID, event.StripeAccountID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := c.store.CreatePartnerAccount(ctx, event)
	if err != nil {
		log.Printf("level=error component=link_consumer msg=\"create partner account failed\" partner_id=%s account_id=%s err=%v", event.PartnerID, event.StripeAccountID, err)
		return false
	}
	if !created {
		log.Printf("level=info component=link_consumer msg=\"account already linked\" partner_id=%s account_id=%s", event.PartnerID, event.StripeAccountID)
		return true
	}
	log.Printf("level=info component=link_consumer msg=\"partner account linked\" partner_id=%s account_id=%s", event.PartnerID, event.StripeAccountID)

	if c.reconciler != nil {
		if _, err := c.reconciler.ReconcileAccount(ctx, event.StripeAccountID); err != nil {
			log.Printf("level=warn component=link_consumer msg=\"initial reconcile failed\" account_id=%s err=%v", event.StripeAccountID, err)
		}
	}
	return true
}

func validateLinkEvent(event domain.PartnerAccountLinkedEvent) string {
	if _, err := uuid.Parse(strings.TrimSpace(event.PartnerID)); err != nil {
		return "partner_id must be a uuid"
	}
	if owner := strings.TrimSpace(event.OwnerUserID); owner != "" {
		if _, err := uuid.Parse(owner); err != nil {
			return "owner_user_id must be a uuid"
		}
	}
	if !strings.HasPrefix(strings.TrimSpace(event.StripeAccountID), "acct_") {
		return "stripe_account_id must be a connected account id"
	}
	return ""
}
