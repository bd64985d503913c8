/**
 * @description
 * Storage contracts for the partner-payments-service. The status transaction
 * (StatusTx) is the unit inside which the idempotency ledger write and the
 * partner record update happen together.
 */
package store

import (
	"context"
	"time"

	"github.com/kilolab/partner-payments-service/internal/domain"
)

// StatusTx exposes the operations that must commit or roll back together.
type StatusTx interface {
	// TryMarkProcessed records the event id and reports whether it was unseen.
	TryMarkProcessed(ctx context.Context, evt domain.AccountStatusEvent) (bool, error)
	// RecordOutcome stores how a ledgered event was handled.
	RecordOutcome(ctx context.Context, eventID string, outcome domain.Outcome) error
	// FindByExternalID returns the record locked for update, or nil when absent.
	FindByExternalID(ctx context.Context, externalAccountID string) (*domain.PartnerAccountRecord, error)
	// UpsertStatus overwrites the flags and projection metadata of an existing record.
	UpsertStatus(ctx context.Context, record domain.PartnerAccountRecord) error
	// EnqueueStatusChange writes an outbox row for asynchronous publishing.
	// A second row for the same source event and routing key is ignored.
	EnqueueStatusChange(ctx context.Context, msg StatusChangeMessage) error
}

// StatusChangeMessage is the outbox row a projection writes when flags change.
type StatusChangeMessage struct {
	Exchange   string
	RoutingKey string
	Event      domain.PartnerPaymentStatusChangedEvent
}

// OutboxMessage is a claimed outbox row ready to be published.
type OutboxMessage struct {
	ID                int64
	Exchange          string
	RoutingKey        string
	SourceEventID     string
	ExternalAccountID string
	Payload           []byte
	Attempts          int
}

// MessageID identifies the broker message so consumers can drop redeliveries.
func (m OutboxMessage) MessageID() string {
	return m.SourceEventID + ":" + m.RoutingKey
}

// Repository is the full storage surface used by the service.
type Repository interface {
	WithinStatusTx(ctx context.Context, fn func(tx StatusTx) error) error

	CreatePartnerAccount(ctx context.Context, link domain.PartnerAccountLinkedEvent) (bool, error)
	GetPartnerAccountByOwner(ctx context.Context, ownerUserID string) (*domain.PartnerAccountRecord, error)
	GetPartnerAccountByExternalID(ctx context.Context, externalAccountID string) (*domain.PartnerAccountRecord, error)
	ListStaleIncompleteAccounts(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PartnerAccountRecord, error)
	TouchPartnerAccount(ctx context.Context, externalAccountID string, at time.Time) error
	PruneProcessedEvents(ctx context.Context, processedBefore time.Time) (int64, error)

	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) (dead bool, err error)
}
