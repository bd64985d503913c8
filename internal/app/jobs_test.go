package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kilolab/partner-payments-service/internal/config"
)

type sweeperStub struct {
	called    bool
	projected int
	err       error
}

func (s *sweeperStub) ReconcileStaleAccounts(ctx context.Context) (int, error) {
	s.called = true
	return s.projected, s.err
}

type prunerStub struct {
	before time.Time
	called bool
	err    error
}

func (s *prunerStub) PruneProcessedEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	s.called = true
	s.before = processedBefore
	return 3, s.err
}

func newTestJobs(sweeper StaleAccountSweeper, pruner LedgerPruner, cfg config.Config) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(sweeper, pruner, logger, cfg)
}

func TestReconcileStaleAccountsJobRunsSweep(t *testing.T) {
	sweeper := &sweeperStub{projected: 2}
	jobs := newTestJobs(sweeper, &prunerStub{}, config.Config{})

	jobs.ReconcileStaleAccounts()

	if !sweeper.called {
		t.Fatal("expected reconcile sweep to run")
	}
}

func TestReconcileStaleAccountsJobSurvivesErrors(t *testing.T) {
	sweeper := &sweeperStub{err: errors.New("stripe unavailable")}
	jobs := newTestJobs(sweeper, &prunerStub{}, config.Config{})

	jobs.ReconcileStaleAccounts()

	if !sweeper.called {
		t.Fatal("expected reconcile sweep to run")
	}
}

func TestPruneProcessedEventsUsesRetentionWindow(t *testing.T) {
	now := time.Date(2026, 4, 30, 3, 30, 0, 0, time.UTC)
	pruner := &prunerStub{}
	jobs := newTestJobs(&sweeperStub{}, pruner, config.Config{LedgerRetentionDays: 30})
	jobs.now = fixedClock(now)

	jobs.PruneProcessedEvents()

	if !pruner.called {
		t.Fatal("expected prune to run")
	}
	if want := now.AddDate(0, 0, -30); !pruner.before.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, pruner.before)
	}
}

func TestPruneProcessedEventsNeverGoesBelowMinimumRetention(t *testing.T) {
	now := time.Date(2026, 4, 30, 3, 30, 0, 0, time.UTC)
	pruner := &prunerStub{}
	jobs := newTestJobs(&sweeperStub{}, pruner, config.Config{LedgerRetentionDays: 1})
	jobs.now = fixedClock(now)

	jobs.PruneProcessedEvents()

	if want := now.AddDate(0, 0, -7); !pruner.before.Equal(want) {
		t.Fatalf("expected cutoff clamped to %v, got %v", want, pruner.before)
	}
}
