/**
 * @description
 * Signature verification for inbound Stripe notifications. The signature is
 * computed over the exact raw request bytes, so callers must pass the body
 * before any JSON decoding.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v82/webhook: HMAC-SHA256 signature and timestamp tolerance checks.
 */
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultSignatureTolerance matches the provider's recommended replay window.
const DefaultSignatureTolerance = 5 * time.Minute

// SignatureVerifier authenticates webhook payloads against one or more endpoint secrets.
type SignatureVerifier struct {
	secrets   []string
	tolerance time.Duration
}

// NewSignatureVerifier creates a verifier. At least one non-empty secret is required.
func NewSignatureVerifier(secrets []string, tolerance time.Duration) (*SignatureVerifier, error) {
	cleaned := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if s := strings.TrimSpace(secret); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("at least one webhook signing secret is required")
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &SignatureVerifier{secrets: cleaned, tolerance: tolerance}, nil
}

// Verify checks the signature header against every configured secret and
// decodes the envelope once a secret matches.
func (v *SignatureVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", domain.ErrInvalidSignature)
	}

	var lastErr error
	for _, secret := range v.secrets {
		err := webhook.ValidatePayloadWithTolerance(payload, header, secret, v.tolerance)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		// Header format and timestamp problems do not depend on the secret.
		if errors.Is(err, webhook.ErrInvalidHeader) || errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrTooOld) {
			break
		}
	}
	if lastErr != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, lastErr)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: decode envelope: %v", domain.ErrMalformedEvent, err)
	}
	return event, nil
}
