package domain

import "time"

// Routing keys on the shared events exchange.
const (
	RoutingKeyPaymentStatusChanged = "partner.payment_status.changed"
	RoutingKeyOnboardingCompleted  = "partner.onboarding.completed"
	RoutingKeyStripeAccountLinked  = "partner.stripe_account.linked"
)

// PartnerPaymentStatusChangedEvent is published after a projection changes a partner's flags.
// Email and push consumers use it to tell the partner they can start accepting orders.
type PartnerPaymentStatusChangedEvent struct {
	PartnerID                  string    `json:"partner_id"`
	OwnerUserID                string    `json:"owner_user_id,omitempty"`
	StripeAccountID            string    `json:"stripe_account_id"`
	ChargesEnabled             bool      `json:"charges_enabled"`
	PayoutsEnabled             bool      `json:"payouts_enabled"`
	DetailsSubmitted           bool      `json:"details_submitted"`
	OnboardingComplete         bool      `json:"onboarding_complete"`
	PreviousOnboardingComplete bool      `json:"previous_onboarding_complete"`
	SourceEventID              string    `json:"source_event_id"`
	OccurredAt                 time.Time `json:"occurred_at"`
}

// PartnerAccountLinkedEvent is consumed from the onboarding flow once a connected
// account has been created for a partner.
type PartnerAccountLinkedEvent struct {
	PartnerID       string `json:"partner_id"`
	OwnerUserID     string `json:"owner_user_id"`
	StripeAccountID string `json:"stripe_account_id"`
}
