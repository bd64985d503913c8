package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/stripe/stripe-go/v82"
)

// EventKind is the closed set of provider event types this service acts on.
type EventKind int

const (
	// EventKindUnrecognized covers every type we acknowledge and drop.
	EventKindUnrecognized EventKind = iota
	EventKindAccountUpdated
	EventKindAccountDeauthorized
)

func (k EventKind) String() string {
	switch k {
	case EventKindAccountUpdated:
		return "account.updated"
	case EventKindAccountDeauthorized:
		return "account.application.deauthorized"
	default:
		return "unrecognized"
	}
}

// ClassifyEvent maps a provider event type onto an EventKind.
func ClassifyEvent(eventType string) EventKind {
	switch strings.TrimSpace(eventType) {
	case "account.updated":
		return EventKindAccountUpdated
	case "account.application.deauthorized":
		return EventKindAccountDeauthorized
	default:
		return EventKindUnrecognized
	}
}

// accountObject is the subset of a connected account object we require.
// Pointer fields let absent or null values fail closed.
type accountObject struct {
	ID               *string `json:"id"`
	ChargesEnabled   *bool   `json:"charges_enabled"`
	PayoutsEnabled   *bool   `json:"payouts_enabled"`
	DetailsSubmitted *bool   `json:"details_submitted"`
}

// NormalizeEvent converts a verified provider event into an AccountStatusEvent.
// Unrecognized kinds return EventKindUnrecognized with no error.
func NormalizeEvent(raw stripe.Event, receivedAt time.Time) (domain.AccountStatusEvent, EventKind, error) {
	kind := ClassifyEvent(string(raw.Type))
	if kind == EventKindUnrecognized {
		return domain.AccountStatusEvent{}, kind, nil
	}

	eventID := strings.TrimSpace(raw.ID)
	if eventID == "" {
		return domain.AccountStatusEvent{}, kind, fmt.Errorf("%w: event id is missing", domain.ErrMalformedEvent)
	}
	if raw.Created <= 0 {
		return domain.AccountStatusEvent{}, kind, fmt.Errorf("%w: event %s has no creation time", domain.ErrMalformedEvent, eventID)
	}

	evt := domain.AccountStatusEvent{
		EventID:        eventID,
		EventType:      kind.String(),
		EventTimestamp: time.Unix(raw.Created, 0).UTC(),
		ReceivedAt:     receivedAt.UTC(),
	}

	switch kind {
	case EventKindAccountUpdated:
		obj, err := decodeAccountObject(raw)
		if err != nil {
			return domain.AccountStatusEvent{}, kind, fmt.Errorf("%w: event %s: %v", domain.ErrMalformedEvent, eventID, err)
		}
		evt.ExternalAccountID = strings.TrimSpace(*obj.ID)
		evt.ChargesEnabled = *obj.ChargesEnabled
		evt.PayoutsEnabled = *obj.PayoutsEnabled
		evt.DetailsSubmitted = *obj.DetailsSubmitted
	case EventKindAccountDeauthorized:
		// The platform lost access to the account; nothing can be charged or paid out.
		evt.ExternalAccountID = strings.TrimSpace(raw.Account)
	}

	if evt.ExternalAccountID == "" {
		return domain.AccountStatusEvent{}, kind, fmt.Errorf("%w: event %s has no account id", domain.ErrMalformedEvent, eventID)
	}
	return evt, kind, nil
}

func decodeAccountObject(raw stripe.Event) (accountObject, error) {
	var obj accountObject
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return obj, fmt.Errorf("data.object is missing")
	}
	if err := json.Unmarshal(raw.Data.Raw, &obj); err != nil {
		return obj, fmt.Errorf("decode data.object: %v", err)
	}

	var missing []string
	if obj.ID == nil || strings.TrimSpace(*obj.ID) == "" {
		missing = append(missing, "id")
	}
	if obj.ChargesEnabled == nil {
		missing = append(missing, "charges_enabled")
	}
	if obj.PayoutsEnabled == nil {
		missing = append(missing, "payouts_enabled")
	}
	if obj.DetailsSubmitted == nil {
		missing = append(missing, "details_submitted")
	}
	if len(missing) > 0 {
		return obj, fmt.Errorf("data.object missing %s", strings.Join(missing, ", "))
	}
	return obj, nil
}
