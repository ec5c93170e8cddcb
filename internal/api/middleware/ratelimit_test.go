package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const testWorkspace = "ws-main"

// TestRateLimiter_GlobalLimitEnforced verifies that the global rate limit
// is enforced across all requests regardless of workspace ID.
func TestRateLimiter_GlobalLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Create limiter: 10 RPS global, 50 RPS workspace (global is more restrictive)
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:    10,
		GlobalBurst:  10, // use override value
		WorkspaceRPS: 50,
		UnscopedRPS:  2,
	})
	defer rl.Close()

	// Global limit (10) should be hit before workspace limit (50)
	successCount := 0

	for i := 0; i < 11; i++ {
		if rl.Allow(testWorkspace) {
			successCount++
		}
	}

	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_WorkspaceLimitEnforced verifies that per-workspace rate
// limits are enforced independently from the global limit.
func TestRateLimiter_WorkspaceLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:      100,
		WorkspaceRPS:   5,
		WorkspaceBurst: 5, // use override value
		UnscopedRPS:    2,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 6; i++ {
		if rl.Allow(testWorkspace) {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("expected 5 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_WorkspacesLimitedIndependently verifies that one busy
// workspace does not consume another workspace's budget.
func TestRateLimiter_WorkspacesLimitedIndependently(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:      100,
		WorkspaceRPS:   2,
		WorkspaceBurst: 2,
		UnscopedRPS:    2,
	})
	defer rl.Close()

	// Exhaust the first workspace's budget
	for i := 0; i < 3; i++ {
		rl.Allow("ws-busy")
	}

	if !rl.Allow("ws-quiet") {
		t.Error("expected a fresh workspace to have its own budget")
	}
}

// TestRateLimiter_UnscopedLimitEnforced verifies that requests without a
// workspace ID are rate limited separately.
func TestRateLimiter_UnscopedLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:     100,
		WorkspaceRPS:  50,
		UnscopedRPS:   2,
		UnscopedBurst: 2, // use override value
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 3; i++ {
		if rl.Allow("") {
			successCount++
		}
	}

	if successCount != 2 {
		t.Errorf("expected 2 successful requests, got %d", successCount)
	}
}

func TestComputeBurstCapacity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := computeBurstCapacity(100, 0); got != 200 {
		t.Errorf("expected auto-computed burst 200, got %d", got)
	}

	if got := computeBurstCapacity(100, 500); got != 500 {
		t.Errorf("expected override burst 500, got %d", got)
	}
}

func TestWorkspaceFromPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		path string
		want string
	}{
		{"/context/ws-main", "ws-main"},
		{"/memory/ws-main", "ws-main"},
		{"/replay/ws-main", "ws-main"},
		{"/context/ws-main/extra", "ws-main"},
		{"/events", ""},
		{"/health", ""},
		{"/context", ""},
		{"/", ""},
	}

	for _, tt := range tests {
		if got := WorkspaceFromPath(tt.path); got != tt.want {
			t.Errorf("WorkspaceFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// TestRateLimitMiddleware_Returns429 verifies the middleware returns an
// RFC 7807 response once the limiter denies a request.
func TestRateLimitMiddleware_Returns429(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		WorkspaceRPS: 1,
		UnscopedRPS:  1,
	})
	defer rl.Close()

	handler := RateLimit(rl, discardLogger())(okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/events", nil))

	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/events", nil))

	if second.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", second.Code)
	}

	if got := second.Header().Get("Content-Type"); got != "application/problem+json" {
		t.Errorf("expected problem+json content type, got %q", got)
	}
}
