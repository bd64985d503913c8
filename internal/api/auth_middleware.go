/**
 * @description
 * Authentication middleware for the partner-payments-service.
 * Partner-facing routes accept Supabase session JWTs (HS256, signed with the
 * project JWT secret). Internal routes are protected by a shared API key.
 */
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDContextKey contextKey = "userID"

// SupabaseAuthMiddleware validates Supabase JWTs and injects the user ID into context.
func SupabaseAuthMiddleware(jwtSecret, audience string) func(http.Handler) http.Handler {
	secret := []byte(strings.TrimSpace(jwtSecret))
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if aud := strings.TrimSpace(audience); aud != "" {
		options = append(options, jwt.WithAudience(aud))
	}
	parser := jwt.NewParser(options...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				http.Error(w, "Authentication is not configured", http.StatusServiceUnavailable)
				return
			}

			tokenString, ok := bearerToken(strings.TrimSpace(r.Header.Get("Authorization")))
			if !ok {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			userID, err := validateToken(parser, secret, tokenString)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateToken(parser *jwt.Parser, secret []byte, tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}
	token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("token validation failed")
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", errors.New("subject claim missing")
	}
	return sub, nil
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}

	return token, true
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// Routes behind it are disabled entirely when no key is configured.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	required := []byte(strings.TrimSpace(requiredKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}

			provided := []byte(r.Header.Get("X-Internal-API-Key"))
			if subtle.ConstantTimeCompare(provided, required) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext retrieves the authenticated user ID from the request context.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok && userID != ""
}
