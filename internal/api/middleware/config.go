// Package middleware provides HTTP middleware components for the Punk Records API.
package middleware

import (
	"time"

	"github.com/clawderpunk/punk-records/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-workspace: Applied to workspace-scoped requests
//   - Unscoped: Applied to requests without a workspace ID
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS    int // Default: 100
	WorkspaceRPS int // Default: 50
	UnscopedRPS  int // Default: 10

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate) using computeBurstCapacity()
	GlobalBurst    int // Default: 0 (computed as 2 × GlobalRPS = 200)
	WorkspaceBurst int // Default: 0 (computed as 2 × WorkspaceRPS = 100)
	UnscopedBurst  int // Default: 0 (computed as 2 × UnscopedRPS = 20)

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxWorkspaces   int           // Default: 10,000
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes workspaces idle >1 hour
// Default max workspaces: 10,000 (prevents unbounded memory growth).
func LoadConfig() *Config {
	return &Config{
		// Rate limits
		GlobalRPS:    config.GetEnvInt("PUNK_RECORDS_GLOBAL_RPS", defaultGlobalRPS),
		WorkspaceRPS: config.GetEnvInt("PUNK_RECORDS_WORKSPACE_RPS", defaultWorkspaceRPS),
		UnscopedRPS:  config.GetEnvInt("PUNK_RECORDS_UNSCOPED_RPS", defaultUnscopedRPS),

		// Burst overrides (0 = auto-compute)
		GlobalBurst:    config.GetEnvInt("PUNK_RECORDS_GLOBAL_BURST", 0),
		WorkspaceBurst: config.GetEnvInt("PUNK_RECORDS_WORKSPACE_BURST", 0),
		UnscopedBurst:  config.GetEnvInt("PUNK_RECORDS_UNSCOPED_BURST", 0),

		// Cleanup configuration
		CleanupInterval: config.GetEnvDuration(
			"PUNK_RECORDS_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout:   config.GetEnvDuration("PUNK_RECORDS_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxWorkspaces: config.GetEnvInt("PUNK_RECORDS_RATE_LIMIT_MAX_WORKSPACES", maxWorkspaces),
	}
}
