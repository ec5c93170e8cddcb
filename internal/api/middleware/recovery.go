// Package middleware provides HTTP middleware components for the Punk Records API.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery turns a downstream panic into a 500 problem response instead of a
// dropped connection. The panic value and stack land in the log under the
// request's correlation ID; the client sees only a generic detail.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				correlationID := GetCorrelationID(r.Context())

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("panic", rec),
					slog.String("stack_trace", string(debug.Stack())),
				)

				err := writeRFC7807Error(w, r, http.StatusInternalServerError,
					"An unexpected error occurred while processing the request", correlationID)
				if err != nil {
					logger.Error("Failed to encode error response",
						slog.Any("error", err),
						slog.String("correlation_id", correlationID),
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
