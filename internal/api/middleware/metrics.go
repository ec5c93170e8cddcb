// Package middleware provides HTTP middleware components for the Punk Records API.
package middleware

import (
	"net/http"
	"time"

	"github.com/clawderpunk/punk-records/internal/observability"
)

// HTTPMetrics creates a middleware that records request counts and latency
// in the Prometheus registry.
//
// Workspace-scoped paths are normalized to their route pattern so workspace
// IDs don't blow up label cardinality.
func HTTPMetrics(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			metrics.ObserveHTTPRequest(r.Method, normalizeRoute(r.URL.Path), rw.statusCode, time.Since(start))
		})
	}
}

// normalizeRoute collapses workspace-scoped paths to their route pattern.
func normalizeRoute(path string) string {
	for _, prefix := range workspaceScopedPrefixes {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			return prefix + "{workspace_id}"
		}
	}

	return path
}
