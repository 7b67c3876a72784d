// ABOUTME: HTTP middleware enforcing bearer credentials on API endpoints.
// ABOUTME: Accepts a signed JWT or a static key checked against its bcrypt hash.

package auth

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey struct{}

// Subject returns the authenticated subject stored in the request context,
// or the empty string for unauthenticated contexts.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}

// withSubject records the authenticated subject in the context.
func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKey{}, subject)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware authenticates requests with either a valid JWT (when verifier is
// non-nil) or the static API key matched against apiKeyHash (bcrypt, when
// non-empty). Missing or invalid credentials get a 401 JSON error.
func Middleware(verifier TokenVerifier, apiKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}

			if verifier != nil {
				if subject, err := verifier.Verify(token); err == nil {
					next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), subject)))
					return
				}
			}

			if apiKeyHash != "" {
				if bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(token)) == nil {
					next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), "api-key")))
					return
				}
			}

			unauthorized(w, "invalid token")
		})
	}
}

// HashKey produces the bcrypt hash of a static API key for storage in config.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
