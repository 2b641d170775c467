// Package auth resolves the calling principal. Primary session
// authentication happens upstream; the gateway forwards the verified
// identity in the X-User-ID header.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is used to store user information in the request context
type ContextKey string

const (
	// UserIDKey is the context key for storing the user ID
	UserIDKey ContextKey = "user_id"
	// UserIDHeader carries the identity verified by the gateway.
	UserIDHeader = "X-User-ID"
)

var ErrNotAuthenticated = errors.New("user not authenticated")

// Identity stores the forwarded principal, if any, in the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID != "" {
			r = r.WithContext(WithUserID(r.Context(), userID))
		}

		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects requests that carry no principal.
func RequireUser(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := GetUserID(r.Context()); err != nil {
				log.Debug("rejected unauthenticated request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":401,"message":"User not authenticated"}` + "\n"))

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID extracts the user ID from the request context
func GetUserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(UserIDKey).(string)
	if !ok || userID == "" {
		return "", ErrNotAuthenticated
	}

	return userID, nil
}
