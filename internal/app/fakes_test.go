package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/kilolab/partner-payments-service/internal/store"
)

type ledgerEntry struct {
	eventType string
	accountID string
	outcome   domain.Outcome
}

type outboxEntry struct {
	exchange      string
	routingKey    string
	sourceEventID string
	payload       []byte
}

// memoryStore is a transactional in-memory stand-in for the Postgres repository.
// Each WithinStatusTx works on a copy that is swapped in only on success.
type memoryStore struct {
	mu       sync.Mutex
	records  map[string]domain.PartnerAccountRecord
	ledger   map[string]ledgerEntry
	outbox   []outboxEntry
	failOn   string
	failErr  error
	txCalled int
}

func newMemoryStore(records ...domain.PartnerAccountRecord) *memoryStore {
	s := &memoryStore{
		records: map[string]domain.PartnerAccountRecord{},
		ledger:  map[string]ledgerEntry{},
	}
	for _, record := range records {
		s.records[record.ExternalAccountID] = record
	}
	return s
}

func (s *memoryStore) WithinStatusTx(ctx context.Context, fn func(tx store.StatusTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCalled++

	tx := &memoryTx{
		parent:  s,
		records: make(map[string]domain.PartnerAccountRecord, len(s.records)),
		ledger:  make(map[string]ledgerEntry, len(s.ledger)),
		outbox:  append([]outboxEntry(nil), s.outbox...),
	}
	for k, v := range s.records {
		tx.records[k] = v
	}
	for k, v := range s.ledger {
		tx.ledger[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}
	s.records = tx.records
	s.ledger = tx.ledger
	s.outbox = tx.outbox
	return nil
}

func (s *memoryStore) record(id string) (domain.PartnerAccountRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *memoryStore) ledgerSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func (s *memoryStore) outboxMessages() []outboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outboxEntry(nil), s.outbox...)
}

type memoryTx struct {
	parent  *memoryStore
	records map[string]domain.PartnerAccountRecord
	ledger  map[string]ledgerEntry
	outbox  []outboxEntry
}

func (t *memoryTx) fail(op string) error {
	if t.parent.failOn == op {
		if t.parent.failErr != nil {
			return t.parent.failErr
		}
		return errors.New("connection reset by peer")
	}
	return nil
}

func (t *memoryTx) TryMarkProcessed(ctx context.Context, evt domain.AccountStatusEvent) (bool, error) {
	if err := t.fail("mark"); err != nil {
		return false, err
	}
	if _, seen := t.ledger[evt.EventID]; seen {
		return false, nil
	}
	t.ledger[evt.EventID] = ledgerEntry{eventType: evt.EventType, accountID: evt.ExternalAccountID, outcome: "received"}
	return true, nil
}

func (t *memoryTx) RecordOutcome(ctx context.Context, eventID string, outcome domain.Outcome) error {
	if err := t.fail("outcome"); err != nil {
		return err
	}
	entry := t.ledger[eventID]
	entry.outcome = outcome
	t.ledger[eventID] = entry
	return nil
}

func (t *memoryTx) FindByExternalID(ctx context.Context, externalAccountID string) (*domain.PartnerAccountRecord, error) {
	if err := t.fail("find"); err != nil {
		return nil, err
	}
	record, ok := t.records[externalAccountID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (t *memoryTx) UpsertStatus(ctx context.Context, record domain.PartnerAccountRecord) error {
	if err := t.fail("upsert"); err != nil {
		return err
	}
	if _, ok := t.records[record.ExternalAccountID]; !ok {
		return errors.New("no row updated")
	}
	record.OnboardingComplete = domain.OnboardingComplete(record.DetailsSubmitted, record.ChargesEnabled)
	t.records[record.ExternalAccountID] = record
	return nil
}

func (t *memoryTx) EnqueueStatusChange(ctx context.Context, msg store.StatusChangeMessage) error {
	if err := t.fail("enqueue"); err != nil {
		return err
	}
	for _, existing := range t.outbox {
		if existing.sourceEventID == msg.Event.SourceEventID && existing.routingKey == msg.RoutingKey {
			return nil
		}
	}
	blob, err := json.Marshal(msg.Event)
	if err != nil {
		return err
	}
	t.outbox = append(t.outbox, outboxEntry{
		exchange:      msg.Exchange,
		routingKey:    msg.RoutingKey,
		sourceEventID: msg.Event.SourceEventID,
		payload:       blob,
	})
	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
