package api

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/kilolab/partner-payments-service/internal/app"
)

// RateLimiter decides whether one more request from subject is admitted.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (app.RateLimitDecision, error)
}

// UserRateLimitMiddleware applies limiter to the authenticated user.
// Requests are let through if the limiter itself fails.
func UserRateLimitMiddleware(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserFromContext(r.Context())
			if limiter == nil || !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), userID)
			if err != nil {
				log.Printf("level=warn component=rate_limit msg=\"limiter unavailable, allowing request\" err=%v", err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}
