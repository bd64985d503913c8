/**
 * @description
 * HTTP entry point for Stripe Connect webhooks. The handler only deals with
 * transport concerns: it bounds and buffers the raw body, hands it to the sync
 * service together with the Stripe-Signature header and translates the outcome
 * into the status code Stripe uses to decide whether to redeliver.
 *
 * @notes
 * - The raw body must reach signature verification byte for byte, so it is
 *   never decoded or re-encoded before that.
 * - Processing runs on a context detached from the client connection so an
 *   aborted request cannot roll back a projection halfway through.
 */
package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/kilolab/partner-payments-service/internal/app"
	"github.com/kilolab/partner-payments-service/internal/metrics"
)

const (
	stripeSignatureHeader  = "Stripe-Signature"
	maxWebhookBodyBytes    = 1 << 20
	defaultWebhookDeadline = 8 * time.Second
)

// NotificationProcessor runs a raw notification through verification and projection.
type NotificationProcessor interface {
	HandleNotification(ctx context.Context, payload []byte, signatureHeader string) app.Result
}

// WebhookHandler processes incoming Stripe webhooks.
type WebhookHandler struct {
	processor NotificationProcessor
	timeout   time.Duration
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(processor NotificationProcessor, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = defaultWebhookDeadline
	}
	return &WebhookHandler{processor: processor, timeout: timeout}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id,omitempty"`
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Printf("level=warn component=webhook request_id=%s msg=\"payload too large\" limit=%d", requestID, tooLarge.Limit)
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Printf("level=warn component=webhook request_id=%s msg=\"cannot read body\" err=%v", requestID, err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	result := h.processor.HandleNotification(ctx, body, r.Header.Get(stripeSignatureHeader))
	status := app.AcknowledgeStatus(result.Outcome)
	elapsed := time.Since(startTime)
	metrics.RecordWebhook(result.EventType, string(result.Outcome), elapsed.Seconds())

	if result.Err != nil {
		log.Printf("level=warn component=webhook request_id=%s event_id=%s event_type=%s account_id=%s outcome=%s status=%d duration_ms=%d err=%v",
			requestID, result.EventID, result.EventType, result.AccountID, result.Outcome, status, elapsed.Milliseconds(), result.Err)
	} else {
		log.Printf("level=info component=webhook request_id=%s event_id=%s event_type=%s account_id=%s outcome=%s status=%d duration_ms=%d",
			requestID, result.EventID, result.EventType, result.AccountID, result.Outcome, status, elapsed.Milliseconds())
	}

	respondWithJSON(w, status, webhookResponse{
		Received: status == http.StatusOK,
		Outcome:  string(result.Outcome),
		EventID:  result.EventID,
	})
}
