package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kilolab/partner-payments-service/internal/store"
	"github.com/kilolab/partner-payments-service/pkg/rabbitmq"
)

type stubOutboxStore struct {
	messages   []store.OutboxMessage
	published  []int64
	markCalls  int
	failed     map[int64]time.Duration
	dead       bool
	staleAfter time.Duration
}

func (s *stubOutboxStore) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]store.OutboxMessage, error) {
	s.staleAfter = staleAfter
	claimed := s.messages
	s.messages = nil
	return claimed, nil
}

func (s *stubOutboxStore) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	s.markCalls++
	s.published = append(s.published, ids...)
	return nil
}

func (s *stubOutboxStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) (bool, error) {
	if s.failed == nil {
		s.failed = map[int64]time.Duration{}
	}
	s.failed[id] = retryAfter
	return s.dead, nil
}

type publishedMessage struct {
	exchange   string
	routingKey string
	messageID  string
	body       []byte
}

type stubPublisher struct {
	failKey string
	sent    []publishedMessage
	closed  int
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey, messageID string, body interface{}) error {
	if routingKey == p.failKey {
		return errors.New("channel/connection is not open")
	}
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, publishedMessage{exchange: exchange, routingKey: routingKey, messageID: messageID, body: blob})
	return nil
}

func (p *stubPublisher) Close() { p.closed++ }

func TestOutboxDispatcherPublishesAndMarks(t *testing.T) {
	repo := &stubOutboxStore{messages: []store.OutboxMessage{
		{ID: 1, Exchange: "kilolab.events", RoutingKey: "partner.onboarding.completed", SourceEventID: "evt_1", ExternalAccountID: "acct_A", Payload: []byte(`{"partner_id":"p1","onboarding_complete":true}`)},
		{ID: 2, Exchange: "kilolab.events", RoutingKey: "partner.payment_status.changed", SourceEventID: "evt_2", ExternalAccountID: "acct_B", Payload: []byte(`{"partner_id":"p2"}`), Attempts: 3},
		{ID: 3, Exchange: "kilolab.events", RoutingKey: "partner.onboarding.completed", SourceEventID: "evt_3", ExternalAccountID: "acct_C", Payload: []byte(`{"partner_id":"p3"}`)},
	}}
	publisher := &stubPublisher{failKey: "partner.payment_status.changed"}
	connects := 0
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		connects++
		return publisher, nil
	})

	if err := dispatcher.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce: %v", err)
	}

	if len(publisher.sent) != 2 || string(publisher.sent[0].body) != `{"partner_id":"p1","onboarding_complete":true}` {
		t.Fatalf("expected payload forwarded verbatim, got %+v", publisher.sent)
	}
	if publisher.sent[0].messageID != "evt_1:partner.onboarding.completed" {
		t.Fatalf("expected message id derived from the source event, got %q", publisher.sent[0].messageID)
	}
	if repo.markCalls != 1 || len(repo.published) != 2 || repo.published[0] != 1 || repo.published[1] != 3 {
		t.Fatalf("expected messages 1 and 3 marked published in one call, got %v after %d calls", repo.published, repo.markCalls)
	}
	if repo.failed[2] != time.Duration(retryDelaySeconds(3))*time.Second {
		t.Fatalf("expected message 2 rescheduled after %ds, got %v", retryDelaySeconds(3), repo.failed)
	}
	if repo.staleAfter != defaultStaleProcessing {
		t.Fatalf("expected stale processing window %v, got %v", defaultStaleProcessing, repo.staleAfter)
	}
	if publisher.closed != 1 {
		t.Fatalf("expected producer to be dropped after a publish failure, closed=%d", publisher.closed)
	}
	if connects != 2 {
		t.Fatalf("expected a reconnect after the failed publish, got %d connects", connects)
	}
}

func TestOutboxDispatcherConnectFailureReschedules(t *testing.T) {
	repo := &stubOutboxStore{messages: []store.OutboxMessage{{ID: 7, Exchange: "kilolab.events", RoutingKey: "partner.onboarding.completed", SourceEventID: "evt_7", ExternalAccountID: "acct_A", Payload: []byte(`{}`)}}}
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	if err := dispatcher.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce: %v", err)
	}
	if _, ok := repo.failed[7]; !ok {
		t.Fatal("expected message to be marked failed when broker is unreachable")
	}
	if len(repo.published) != 0 {
		t.Fatalf("expected nothing marked published, got %v", repo.published)
	}
}

func TestOutboxDispatcherParksExhaustedMessage(t *testing.T) {
	repo := &stubOutboxStore{
		messages: []store.OutboxMessage{{ID: 9, Exchange: "kilolab.events", RoutingKey: "partner.payment_status.changed", SourceEventID: "evt_9", ExternalAccountID: "acct_A", Payload: []byte(`{}`), Attempts: 12}},
		dead:     true,
	}
	publisher := &stubPublisher{failKey: "partner.payment_status.changed"}
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return publisher, nil })

	if err := dispatcher.flushOnce(context.Background()); err != nil {
		t.Fatalf("flushOnce: %v", err)
	}
	if repo.failed[9] != 256*time.Second {
		t.Fatalf("expected failure recorded with capped delay, got %v", repo.failed)
	}
	if len(repo.published) != 0 {
		t.Fatalf("expected exhausted message not marked published, got %v", repo.published)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 4, want: 16},
		{attempt: 8, want: 256},
		{attempt: 20, want: 256},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %d, got %d", tt.attempt, tt.want, got)
		}
	}
}
