// Package middleware provides HTTP middleware components for the Punk Records API.
package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// publicEndpoints defines public endpoints that bypass authentication.
// These endpoints are accessible without a bearer token (e.g., K8s health
// probes, Prometheus scrapers).
//
// Security note: Only health check and metrics endpoints should be in this map.
// Never add business logic endpoints to this bypass list.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup for health check endpoints.
//
// Security Warning: Never register business logic endpoints as public.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/ping")
//	middleware.RegisterPublicEndpoint("/health")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}
)

// Authentication error types for granular error handling.
var (
	// ErrMissingToken is returned when no bearer token is provided.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for malformed or unrecognised tokens.
	// Generic error prevents enumeration attacks.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// extractBearerToken extracts the token from the Authorization header.
//
// Returns (token, true) if found and valid, ("", false) otherwise.
//
// Security considerations:
// - Rejects tokens containing newlines (header injection prevention)
// - Trims whitespace from tokens
// - Case-sensitive "Bearer " prefix check.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	// Check for "Bearer " prefix (note the space)
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	return validateToken(strings.TrimPrefix(authHeader, "Bearer "))
}

// validateToken validates and cleans a bearer token value.
// Returns (cleanedToken, true) if valid, ("", false) otherwise.
//
// Validation rules:
// - Rejects tokens containing newlines (\r or \n) for header injection prevention
// - Trims leading/trailing whitespace
// - Rejects empty tokens after trimming.
func validateToken(token string) (string, bool) {
	// Security: Reject tokens containing newlines (header injection prevention)
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)

	if token == "" {
		return "", false
	}

	return token, true
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling standard errors.Is() and errors.As() behavior.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// Timing attack prevention: Perform dummy bcrypt comparison
// to maintain constant time.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// BearerAuth validates requests against a single service token.
//
// The configured token is bcrypt-hashed at construction; only the hash is
// kept in memory, and each request pays the same bcrypt comparison cost
// whether the presented token is right or wrong.
type BearerAuth struct {
	tokenHash []byte
	logger    *slog.Logger
}

// NewBearerAuth creates a BearerAuth middleware from the configured token.
func NewBearerAuth(token string, logger *slog.Logger) (*BearerAuth, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("bearer auth requires a non-empty token")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash bearer token: %w", err)
	}

	return &BearerAuth{tokenHash: hash, logger: logger}, nil
}

// authenticateRequest compares the presented token against the configured hash.
// Returns an AuthError on failure.
//
// Security considerations:
// - Dummy bcrypt comparison keeps timing constant when no token is presented
// - Generic error messages prevent token probing.
func (a *BearerAuth) authenticateRequest(token string) error {
	if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err != nil {
		return &AuthError{
			Type:    ErrInvalidToken,
			Message: "Invalid or missing bearer token",
		}
	}

	return nil
}

// Authenticate creates the authentication middleware.
//
// The middleware:
// - Skips paths registered via RegisterPublicEndpoint
// - Extracts the token from the Authorization: Bearer header
// - Compares it against the configured token hash
// - Returns RFC 7807 compliant error responses on failure.
func (a *BearerAuth) Authenticate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check if this path bypasses authentication (public endpoints)
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			token, found := extractBearerToken(r)
			if !found {
				performDummyBcryptComparison()

				writeAuthError(w, r, a.logger, &AuthError{
					Type:    ErrMissingToken,
					Message: "Missing bearer token",
				})

				return
			}

			if err := a.authenticateRequest(token); err != nil {
				writeAuthError(w, r, a.logger, err)

				return
			}

			a.logger.Debug("bearer token authenticated",
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
// It maps authentication errors to appropriate HTTP status codes and logs the failure.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	// Map authentication error to HTTP status code
	var statusCode int

	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch {
		case errors.Is(authErr.Type, ErrMissingToken):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrInvalidToken):
			statusCode = http.StatusUnauthorized
		default:
			statusCode = http.StatusUnauthorized
		}
	} else {
		// Fallback for unexpected errors
		statusCode = http.StatusUnauthorized
	}

	// Log authentication failure (no sensitive data)
	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := err.Error()
	// Write RFC 7807 compliant error response
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.Any("error", err),
		)

		// Fallback to plain text if writeRFC7807Error fails
		http.Error(w, detail, statusCode)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without importing the api package.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	// Map status code to title
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	case http.StatusInternalServerError:
		title = "Internal Server Error"
	default:
		title = "Authentication Failed"
	}

	// Create RFC 7807 problem detail
	problem := map[string]interface{}{
		"type":           fmt.Sprintf("https://clawderpunk.io/problems/%d", statusCode),
		"title":          title,
		"status":         statusCode,
		"detail":         detail,
		"instance":       r.URL.Path,
		"correlation_id": correlationID,
	}

	// Set proper content type and status code
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	// Write response
	return json.NewEncoder(w).Encode(problem)
}
