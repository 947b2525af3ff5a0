package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	headerUserID        = "X-User-ID"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "brokers.rest.correlation_id"
	contextKeyUserID        contextKey = "brokers.rest.user_id"
)

// CorrelationID middleware accepts a caller-provided correlation id or
// mints one, and always echoes it back on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get(headerCorrelationID))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, correlationID)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Identity resolves the caller from the X-User-ID header set by the
// upstream auth gateway. Requests without it are rejected before any
// handler runs.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(headerUserID))
		if userID == "" {
			writeErrorMessage(w, r, http.StatusUnauthorized, "BROKER_AUTH_INVALID_CREDENTIALS", "missing user identity")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(contextKeyCorrelationID).(string)
	return value
}

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(contextKeyUserID).(string)
	return value
}
