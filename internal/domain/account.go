/**
 * @description
 * Domain models for the Stripe Connect account-status synchronization. A partner
 * pressing shop is linked to exactly one connected account; Stripe notifies us
 * asynchronously when that account's capability flags change.
 *
 * @notes
 * - onboarding_complete is never written on its own. It is always derived from
 *   details_submitted and charges_enabled when an event is projected.
 */
package domain

import "time"

// AccountStatusEvent is the provider-agnostic form of an account notification.
type AccountStatusEvent struct {
	EventID           string
	EventType         string
	ExternalAccountID string
	ChargesEnabled    bool
	PayoutsEnabled    bool
	DetailsSubmitted  bool
	// EventTimestamp is when the provider generated the event, used for ordering.
	EventTimestamp time.Time
	// ReceivedAt is when signature verification succeeded.
	ReceivedAt time.Time
}

// PartnerAccountRecord is the locally persisted payment readiness of a partner.
type PartnerAccountRecord struct {
	PartnerID          string     `json:"partner_id"`
	OwnerUserID        string     `json:"owner_user_id,omitempty"`
	ExternalAccountID  string     `json:"stripe_account_id"`
	ChargesEnabled     bool       `json:"charges_enabled"`
	PayoutsEnabled     bool       `json:"payouts_enabled"`
	DetailsSubmitted   bool       `json:"details_submitted"`
	OnboardingComplete bool       `json:"onboarding_complete"`
	LastEventID        *string    `json:"-"`
	LastEventAt        *time.Time `json:"last_event_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AccountSnapshot is the live state of a connected account fetched from the provider.
type AccountSnapshot struct {
	ExternalAccountID string
	ChargesEnabled    bool
	PayoutsEnabled    bool
	DetailsSubmitted  bool
}

// OnboardingComplete derives onboarding completion from the raw capability flags.
func OnboardingComplete(detailsSubmitted, chargesEnabled bool) bool {
	return detailsSubmitted && chargesEnabled
}

// IsStale reports whether evt was generated before the last event applied to r.
// Events sharing a timestamp with the stored one are not stale.
func (r PartnerAccountRecord) IsStale(evt AccountStatusEvent) bool {
	if r.LastEventAt == nil || evt.EventTimestamp.IsZero() {
		return false
	}
	return evt.EventTimestamp.Before(*r.LastEventAt)
}

// Project returns a copy of r with the flags of evt applied.
func (r PartnerAccountRecord) Project(evt AccountStatusEvent, now time.Time) PartnerAccountRecord {
	next := r
	next.ChargesEnabled = evt.ChargesEnabled
	next.PayoutsEnabled = evt.PayoutsEnabled
	next.DetailsSubmitted = evt.DetailsSubmitted
	next.OnboardingComplete = OnboardingComplete(evt.DetailsSubmitted, evt.ChargesEnabled)

	eventID := evt.EventID
	next.LastEventID = &eventID
	if !evt.EventTimestamp.IsZero() {
		ts := evt.EventTimestamp.UTC()
		next.LastEventAt = &ts
	}
	next.UpdatedAt = now.UTC()
	return next
}

// SameFlags reports whether both records carry identical capability flags.
func (r PartnerAccountRecord) SameFlags(other PartnerAccountRecord) bool {
	return r.ChargesEnabled == other.ChargesEnabled &&
		r.PayoutsEnabled == other.PayoutsEnabled &&
		r.DetailsSubmitted == other.DetailsSubmitted
}
