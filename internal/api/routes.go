// Package api provides the HTTP API server for the Punk Records service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawderpunk/punk-records/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"
)

type (
	// HealthStatus represents the health check response structure.
	// Component fields report "ok", "error", or "disabled".
	HealthStatus struct {
		Status    string `json:"status"`
		Postgres  string `json:"postgres"`
		Kafka     string `json:"kafka"`
		Uptime    string `json:"uptime,omitempty"`
		Timestamp string `json:"timestamp"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "GET /ping")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public endpoints: probes and scrapers authenticate with nothing
	publicRoutes := []Route{
		{"GET /ping", s.handlePing},      // K8s liveness probe
		{"GET /health", s.handleHealth},  // Component health: postgres + kafka
		{"/", s.handleNotFound},          // Catch-all handler for 404 responses
	}

	if s.metrics != nil {
		publicRoutes = append(publicRoutes, Route{"GET /metrics", s.metrics.Handler().ServeHTTP})
	}

	s.registerPublicRoutes(mux, publicRoutes...)

	// Event log
	mux.HandleFunc("POST /events", s.handlePostEvent)
	mux.HandleFunc("GET /events", s.handleGetEvents)

	// Read side
	mux.HandleFunc("GET /context/{workspace_id}", s.handleGetContext)
	mux.HandleFunc("GET /memory/{workspace_id}", s.handleGetMemory)

	// Operations
	mux.HandleFunc("POST /replay/{workspace_id}", s.handleReplay)
}

// registerPublicRoutes registers HTTP routes that bypass authentication.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check and metrics endpoints that
// need to be accessible without authentication (e.g., K8s probes, Prometheus).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		// Go 1.22+ method-based routing uses "GET /path" format
		// But r.URL.Path is just "/path" (no method prefix)
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("pong"))
	if err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth reports component health: healthy only when the event log
// database and the backbone are both reachable. Returns 503 when degraded so
// orchestrators stop routing traffic here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	postgres := "ok"
	if err := s.db.HealthCheck(ctx); err != nil {
		postgres = "error"

		s.logger.Error("Postgres health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	kafka := "disabled"

	if s.producer != nil {
		kafka = "ok"
		if err := s.producer.CheckHealth(ctx); err != nil {
			kafka = "error"

			s.logger.Error("Kafka health check failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)
		}
	}

	status := "healthy"
	statusCode := http.StatusOK

	if postgres == "error" || kafka == "error" {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:    status,
		Postgres:  postgres,
		Kafka:     kafka,
		Uptime:    uptime,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	s.writeJSON(w, r, statusCode, health)
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}

// writeJSON marshals v and writes it with the given status code. Marshal
// failures become a 500 before any headers are sent.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		// Headers already sent, log only
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
