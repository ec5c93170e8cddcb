// Package middleware provides HTTP middleware components for the Punk Records API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// Correlation IDs are 8 random bytes rendered as 16 hex characters.
const correlationIDBytes = 8

type correlationIDKey struct{}

// CorrelationID tags every request with an identifier that follows it through
// logs and error responses. A caller-supplied X-Correlation-ID is honoured so
// satellites can stitch their own traces across the gateway; otherwise one is
// generated. The ID is echoed back in the response header either way.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = newCorrelationID()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the request's correlation ID, or "unknown" when
// called outside the middleware chain (background goroutines, tests).
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

func newCorrelationID() string {
	buf := make([]byte, correlationIDBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; here a
		// nanosecond timestamp is enough, the ID only links log lines.
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}

	return hex.EncodeToString(buf)
}
