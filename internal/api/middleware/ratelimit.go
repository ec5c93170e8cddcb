// Package middleware provides HTTP middleware components for the Punk Records API.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxWorkspaces              int     = 10000
	defaultGlobalRPS           int     = 100
	defaultWorkspaceRPS        int     = 50
	defaultUnscopedRPS         int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node deployment)
	// or distributed stores like Redis (multi-node deployment).
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// For workspace-scoped requests, workspaceID identifies the workspace.
		// For requests outside a workspace scope, workspaceID is empty string.
		Allow(workspaceID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-workspace limit (applied to workspace-scoped requests)
	// 3. Unscoped limit (applied to requests without a workspace ID)
	//
	// Uses token bucket algorithm with configurable burst capacity.
	// Memory cleanup runs periodically to prevent unbounded growth:
	// workspaces idle longer than IdleTimeout are removed.
	//
	// Suitable for single-node deployments.
	InMemoryRateLimiter struct {
		global        *rate.Limiter
		perWorkspace  map[string]*workspaceLimiter
		unscoped      *rate.Limiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}

		// Configuration (stored for creating new workspace limiters and cleanup)
		workspaceRPS    int
		workspaceBurst  int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxWorkspaces   int
	}

	// workspaceLimiter tracks rate limit state for a single workspace.
	// Includes last access time for memory cleanup.
	workspaceLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with three-tier limits.
//
// Burst capacity is computed automatically as 2 × rate unless overridden in config.
// Cleanup runs periodically to prevent unbounded memory growth.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS:    100,
//	    WorkspaceRPS: 50,
//	    UnscopedRPS:  10,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	// Compute burst capacities (use override if provided, otherwise 2 × rate)
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	workspaceBurst := computeBurstCapacity(config.WorkspaceRPS, config.WorkspaceBurst)
	unscopedBurst := computeBurstCapacity(config.UnscopedRPS, config.UnscopedBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perWorkspace:    make(map[string]*workspaceLimiter),
		unscoped:        rate.NewLimiter(rate.Limit(config.UnscopedRPS), unscopedBurst),
		done:            make(chan struct{}),
		workspaceRPS:    config.WorkspaceRPS,
		workspaceBurst:  workspaceBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxWorkspaces:   config.MaxWorkspaces,
	}

	// Start background cleanup goroutine
	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
//
// If burstOverride is 0, computes burst automatically as 2 × rate.
// If burstOverride > 0, uses the override value.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
//
// Rate limiting is enforced in two tiers:
// 1. Global limit (all requests)
// 2. Per-workspace limit OR unscoped limit
//
// Parameters:
//   - workspaceID: empty string for requests outside a workspace scope
func (rl *InMemoryRateLimiter) Allow(workspaceID string) bool {
	// Tier 1: Check global limit first (fail fast)
	if !rl.global.Allow() {
		return false
	}

	// Tier 2: Check workspace-specific or unscoped limit
	if workspaceID == "" {
		return rl.unscoped.Allow()
	}

	rl.mu.RLock()
	wl, ok := rl.perWorkspace[workspaceID]
	rl.mu.RUnlock()

	if !ok {
		// Lazy initialization: create limiter for this workspace
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if wl, ok = rl.perWorkspace[workspaceID]; !ok {
			wl = &workspaceLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.workspaceRPS), rl.workspaceBurst),
				lastAccess: time.Now(),
			}

			rl.perWorkspace[workspaceID] = wl

			// Operational monitoring: warn when approaching the max workspaces
			// limit so operators can spot workspace ID proliferation early
			currentCount := len(rl.perWorkspace)
			threshold := int(float64(rl.maxWorkspaces) * thresholdMultiplier) // 80% threshold

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max workspaces limit",
					"current_workspaces", currentCount,
					"max_workspaces", rl.maxWorkspaces,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate workspace ID proliferation or increase max_workspaces limit")
			}
		}

		rl.mu.Unlock()
	}

	// Update last access time (for cleanup)
	wl.mu.Lock()
	wl.lastAccess = time.Now()
	wl.mu.Unlock()

	return wl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
// Must be called when the InMemoryRateLimiter is no longer needed.
//
// Note: Close() is not part of the RateLimiter interface to allow
// implementations that don't require cleanup. Use type assertion
// if cleanup is needed:
//
//	if closer, ok := limiter.(io.Closer); ok {
//	    closer.Close()
//	}
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup starts a background goroutine that periodically removes
// stale workspace limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	// Use config values if set, otherwise use defaults
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes workspace limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	// Use config value if set, otherwise use default
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for workspaceID, wl := range rl.perWorkspace {
		wl.mu.Lock()
		lastAccess := wl.lastAccess
		wl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perWorkspace, workspaceID)
		}
	}
}

// workspaceScopedPrefixes are the route prefixes whose next path segment is a
// workspace ID.
var workspaceScopedPrefixes = []string{"/context/", "/memory/", "/replay/"} //nolint: gochecknoglobals

// WorkspaceFromPath extracts the workspace ID from workspace-scoped paths.
// Returns empty string for paths outside a workspace scope.
func WorkspaceFromPath(path string) string {
	for _, prefix := range workspaceScopedPrefixes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}

		workspaceID := strings.TrimPrefix(path, prefix)
		if i := strings.IndexByte(workspaceID, '/'); i >= 0 {
			workspaceID = workspaceID[:i]
		}

		return workspaceID
	}

	return ""
}

// RateLimit returns a middleware that enforces rate limits on incoming requests.
//
// Rate limiting is applied in tiers:
//  1. Global limit (all requests)
//  2. Per-workspace limit (workspace-scoped paths) OR unscoped limit
//
// When a request exceeds the rate limit, the middleware returns a 429 (Too Many Requests)
// response with RFC 7807 error format.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Workspace-scoped paths get their own limiter tier; everything
			// else shares the unscoped bucket
			workspaceID := WorkspaceFromPath(r.URL.Path)

			if !limiter.Allow(workspaceID) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					// Fallback to plain text if writeRFC7807Error fails
					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
