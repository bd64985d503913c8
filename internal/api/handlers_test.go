package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kilolab/partner-payments-service/internal/app"
	"github.com/kilolab/partner-payments-service/internal/domain"
)

type stubPartnerReader struct {
	record *domain.PartnerAccountRecord
	err    error
	gotID  string
}

func (s *stubPartnerReader) GetPartnerAccountByOwner(ctx context.Context, ownerUserID string) (*domain.PartnerAccountRecord, error) {
	s.gotID = ownerUserID
	return s.record, s.err
}

type stubReconciler struct {
	outcome domain.Outcome
	err     error
	gotID   string
}

func (s *stubReconciler) ReconcileAccount(ctx context.Context, externalAccountID string) (domain.Outcome, error) {
	s.gotID = externalAccountID
	return s.outcome, s.err
}

type stubLimiter struct {
	limit    int
	count    int
	err      error
	subjects []string
}

func (s *stubLimiter) Allow(ctx context.Context, subject string) (app.RateLimitDecision, error) {
	s.count++
	s.subjects = append(s.subjects, subject)
	if s.err != nil {
		return app.RateLimitDecision{}, s.err
	}
	if s.count > s.limit {
		return app.RateLimitDecision{RetryAfter: 41500 * time.Millisecond}, nil
	}
	return app.RateLimitDecision{Allowed: true, Remaining: s.limit - s.count}, nil
}

const testInternalKey = "internal-key"

func newTestRouter(reader PartnerReader, reconciler AccountReconciler, limiter RateLimiter) http.Handler {
	webhook := NewWebhookHandler(&stubProcessor{}, time.Second)
	return NewRouter(webhook, NewHandler(reader, reconciler), limiter, RouterConfig{
		AllowedOrigins:      []string{"https://kilolab.fr"},
		SupabaseJWTSecret:   testJWTSecret,
		SupabaseJWTAudience: "authenticated",
		InternalAPIKey:      testInternalKey,
	})
}

func authedRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), validClaims()))
	return req
}

func TestGetPaymentStatus(t *testing.T) {
	reader := &stubPartnerReader{record: &domain.PartnerAccountRecord{
		PartnerID:          "6c1f4ad2-1d3b-4b8e-9a43-1f1b2a6de001",
		ExternalAccountID:  "acct_A",
		ChargesEnabled:     true,
		PayoutsEnabled:     true,
		DetailsSubmitted:   true,
		OnboardingComplete: true,
	}}
	router := newTestRouter(reader, &stubReconciler{}, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodGet, "/partners/me/payment-status"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if reader.gotID != validClaims().Subject {
		t.Fatalf("expected lookup by token subject, got %q", reader.gotID)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["onboarding_complete"] != true || body["can_accept_orders"] != true || body["stripe_account_id"] != "acct_A" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, leaked := body["last_event_id"]; leaked {
		t.Fatal("last event id must not be exposed")
	}
}

func TestGetPaymentStatusNotLinked(t *testing.T) {
	router := newTestRouter(&stubPartnerReader{}, &stubReconciler{}, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(t, http.MethodGet, "/partners/me/payment-status"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetPaymentStatusRequiresAuth(t *testing.T) {
	router := newTestRouter(&stubPartnerReader{}, &stubReconciler{}, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/partners/me/payment-status", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestGetPaymentStatusRateLimited(t *testing.T) {
	limiter := &stubLimiter{limit: 2}
	router := newTestRouter(&stubPartnerReader{record: &domain.PartnerAccountRecord{}}, &stubReconciler{}, limiter)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		router.ServeHTTP(last, authedRequest(t, http.MethodGet, "/partners/me/payment-status"))
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After header, got %q", last.Header().Get("Retry-After"))
	}
	if limiter.subjects[0] != validClaims().Subject {
		t.Fatalf("expected limiting by token subject, got %q", limiter.subjects[0])
	}
}

func TestGetPaymentStatusLimiterFailureAllowsRequest(t *testing.T) {
	limiter := &stubLimiter{limit: 1, err: errors.New("redis: connection refused")}
	router := newTestRouter(&stubPartnerReader{record: &domain.PartnerAccountRecord{}}, &stubReconciler{}, limiter)

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authedRequest(t, http.MethodGet, "/partners/me/payment-status"))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
}

func TestReconcileEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		outcome domain.Outcome
		err     error
		want    int
	}{
		{name: "projected", path: "/internal/partners/acct_A/reconcile", outcome: domain.OutcomeProjected, want: http.StatusOK},
		{name: "bad id", path: "/internal/partners/cus_1/reconcile", want: http.StatusBadRequest},
		{name: "missing at stripe", path: "/internal/partners/acct_A/reconcile", err: fmt.Errorf("%w: acct_A", domain.ErrAccountNotFound), want: http.StatusNotFound},
		{name: "storage down", path: "/internal/partners/acct_A/reconcile", err: fmt.Errorf("%w: timeout", domain.ErrTransientStorage), want: http.StatusServiceUnavailable},
		{name: "stripe down", path: "/internal/partners/acct_A/reconcile", err: errors.New("stripe: 500"), want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reconciler := &stubReconciler{outcome: tt.outcome, err: tt.err}
			router := newTestRouter(&stubPartnerReader{}, reconciler, nil)
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.Header.Set("X-Internal-API-Key", testInternalKey)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want == http.StatusOK && reconciler.gotID != "acct_A" {
				t.Fatalf("expected account id from path, got %q", reconciler.gotID)
			}
		})
	}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router := newTestRouter(&stubPartnerReader{}, &stubReconciler{}, nil)

	for _, path := range []string{"/health", "/metrics"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestRouterWebhookRoute(t *testing.T) {
	router := newTestRouter(&stubPartnerReader{}, &stubReconciler{}, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on webhook route, got %d", rr.Code)
	}
}

func TestPaymentStatusPreflightFromAllowedOrigin(t *testing.T) {
	router := newTestRouter(&stubPartnerReader{}, &stubReconciler{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/partners/me/payment-status", nil)
	req.Header.Set("Origin", "https://kilolab.fr")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "authorization")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected preflight to succeed, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://kilolab.fr" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials allowed, got %q", got)
	}
}

func TestPaymentStatusPreflightFromUnknownOrigin(t *testing.T) {
	router := newTestRouter(&stubPartnerReader{}, &stubReconciler{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/partners/me/payment-status", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin for unknown origin, got %q", got)
	}
}

func TestPaymentStatusResponseCarriesCORSHeaders(t *testing.T) {
	reader := &stubPartnerReader{record: &domain.PartnerAccountRecord{ExternalAccountID: "acct_A"}}
	router := newTestRouter(reader, &stubReconciler{}, &stubLimiter{limit: 5})
	req := authedRequest(t, http.MethodGet, "/partners/me/payment-status")
	req.Header.Set("Origin", "https://kilolab.fr")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://kilolab.fr" {
		t.Fatalf("expected allow-origin on the actual response, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Fatalf("expected remaining budget header, got %q", got)
	}
}
