// Package middleware provides HTTP middleware components for the Punk Records API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig is satisfied by api.CORSConfig; the interface keeps this package
// from importing the api package.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS sets cross-origin headers for the workspace console and answers
// preflight requests with 204 before they reach the mux.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applyCORSHeaders(w.Header(), r, config)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func applyCORSHeaders(h http.Header, r *http.Request, config CORSConfig) {
	if origin := resolveAllowedOrigin(r, config.GetAllowedOrigins()); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}

	if methods := config.GetAllowedMethods(); len(methods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	}

	if headers := config.GetAllowedHeaders(); len(headers) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	}

	if maxAge := config.GetMaxAge(); maxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	}
}

// resolveAllowedOrigin returns the value for Access-Control-Allow-Origin:
// "*" when the wildcard is configured, the request's own Origin when it is on
// the allow list, and "" (header omitted) otherwise.
func resolveAllowedOrigin(r *http.Request, allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}

	if len(allowed) == 1 && allowed[0] == "*" {
		return "*"
	}

	origin := r.Header.Get("Origin")
	for _, candidate := range allowed {
		if origin == candidate {
			return origin
		}
	}

	return ""
}
