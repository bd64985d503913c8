package app

import (
	"net/http"

	"github.com/kilolab/partner-payments-service/internal/domain"
)

// AcknowledgeStatus maps a handling outcome onto the HTTP status returned to the provider.
// Any 2xx tells the provider the notification was delivered; anything else is retried.
func AcknowledgeStatus(outcome domain.Outcome) int {
	switch outcome {
	case domain.OutcomeProjected,
		domain.OutcomeDuplicate,
		domain.OutcomeIgnored,
		domain.OutcomeUnknownAccount,
		domain.OutcomeStale:
		return http.StatusOK
	case domain.OutcomeInvalidSignature, domain.OutcomeMalformed:
		return http.StatusBadRequest
	case domain.OutcomeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
