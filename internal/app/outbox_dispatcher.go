package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/kilolab/partner-payments-service/internal/metrics"
	"github.com/kilolab/partner-payments-service/internal/store"
	"github.com/kilolab/partner-payments-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxStore is the part of the repository the dispatcher needs.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]store.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) (bool, error)
}

// PublisherFactory opens a new broker publisher.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher drains event_outbox rows onto the broker.
type OutboxDispatcher struct {
	repo                OutboxStore
	connect             PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
}

func NewOutboxDispatcher(repo OutboxStore, connect PublisherFactory) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		connect:             connect,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

// Run polls the outbox until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return err
	}

	published := make([]int64, 0, len(messages))
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			d.reschedule(ctx, message, err)
			continue
		}
		metrics.OutboxPublishTotal.WithLabelValues("published").Inc()
		published = append(published, message.ID)
	}

	// Unmarked rows are reclaimed once stale and published again, which
	// consumers absorb through the message id.
	if err := d.repo.MarkOutboxPublished(ctx, published); err != nil {
		log.Printf("level=error component=outbox msg=\"mark published failed\" count=%d err=%v", len(published), err)
	}
	return nil
}

func (d *OutboxDispatcher) reschedule(ctx context.Context, message store.OutboxMessage, publishErr error) {
	retryAfter := time.Duration(retryDelaySeconds(message.Attempts)) * time.Second
	dead, err := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, publishErr.Error())
	if err != nil {
		metrics.OutboxPublishTotal.WithLabelValues("failed").Inc()
		log.Printf("level=error component=outbox msg=\"mark failed\" id=%d err=%v", message.ID, err)
		return
	}
	if dead {
		metrics.OutboxPublishTotal.WithLabelValues("dead").Inc()
		log.Printf("level=error component=outbox msg=\"giving up on message\" id=%d routing_key=%s source_event_id=%s account_id=%s attempts=%d err=%v", message.ID, message.RoutingKey, message.SourceEventID, message.ExternalAccountID, message.Attempts, publishErr)
		return
	}
	metrics.OutboxPublishTotal.WithLabelValues("failed").Inc()
	log.Printf("level=warn component=outbox msg=\"publish failed\" id=%d routing_key=%s source_event_id=%s attempts=%d retry_after=%s err=%v", message.ID, message.RoutingKey, message.SourceEventID, message.Attempts, retryAfter, publishErr)
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.connect()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.Publish(ctx, message.Exchange, message.RoutingKey, message.MessageID(), json.RawMessage(message.Payload)); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
