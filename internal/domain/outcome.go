package domain

import "errors"

// Outcome classifies how a single inbound notification was handled.
type Outcome string

const (
	OutcomeProjected        Outcome = "projected"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeUnknownAccount   Outcome = "unknown_account"
	OutcomeStale            Outcome = "stale"
	OutcomeInvalidSignature Outcome = "invalid_signature"
	OutcomeMalformed        Outcome = "malformed"
	OutcomeStorageFailure   Outcome = "storage_failure"
)

var (
	// ErrInvalidSignature is returned when a notification fails authenticity checks.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent is returned when a recognized event lacks required fields.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrTransientStorage wraps storage failures that are worth retrying.
	ErrTransientStorage = errors.New("transient storage failure")
	// ErrAccountNotFound is returned when no local or remote account matches an id.
	ErrAccountNotFound = errors.New("partner account not found")
)
