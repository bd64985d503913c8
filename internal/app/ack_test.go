package app

import (
	"net/http"
	"testing"

	"github.com/kilolab/partner-payments-service/internal/domain"
)

func TestAcknowledgeStatus(t *testing.T) {
	tests := []struct {
		outcome domain.Outcome
		want    int
	}{
		{outcome: domain.OutcomeProjected, want: http.StatusOK},
		{outcome: domain.OutcomeDuplicate, want: http.StatusOK},
		{outcome: domain.OutcomeIgnored, want: http.StatusOK},
		{outcome: domain.OutcomeUnknownAccount, want: http.StatusOK},
		{outcome: domain.OutcomeStale, want: http.StatusOK},
		{outcome: domain.OutcomeInvalidSignature, want: http.StatusBadRequest},
		{outcome: domain.OutcomeMalformed, want: http.StatusBadRequest},
		{outcome: domain.OutcomeStorageFailure, want: http.StatusServiceUnavailable},
		{outcome: domain.Outcome("bogus"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := AcknowledgeStatus(tt.outcome); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
