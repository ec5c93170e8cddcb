// Package api provides the HTTP API server for the Punk Records service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawderpunk/punk-records/internal/api/middleware"
	"github.com/clawderpunk/punk-records/internal/contextpack"
	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/memory"
	"github.com/clawderpunk/punk-records/internal/observability"
	"github.com/clawderpunk/punk-records/internal/projection"
	"github.com/clawderpunk/punk-records/internal/storage"
)

type (
	// EventPublisher publishes accepted envelopes to the backbone and reports
	// backbone reachability.
	EventPublisher interface {
		SendEvent(ctx context.Context, env *event.Envelope) error
		CheckHealth(ctx context.Context) error
	}

	// EventQuerier is the paginated read slice of the event log.
	EventQuerier interface {
		Query(ctx context.Context, params storage.QueryParams) ([]event.Envelope, error)
		Count(ctx context.Context, params storage.QueryParams) (int, error)
	}

	// MemoryReader lists memory entries for the console surface.
	MemoryReader interface {
		GetEntries(ctx context.Context, workspaceID string, filter storage.EntryFilter) ([]memory.Entry, error)
	}

	// Replayer rebuilds a workspace projection from the event log.
	Replayer interface {
		Replay(ctx context.Context, workspaceID string) (*projection.ReplayResult, error)
	}

	// ContextAssembler builds context packs.
	ContextAssembler interface {
		Assemble(ctx context.Context, req contextpack.Request) (*contextpack.Pack, error)
	}

	// HealthChecker reports storage reachability.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies carries the runtime collaborators injected into the server.
	// Configuration (what) stays in ServerConfig; dependencies (how) live here.
	//
	// Producer, Metrics, and RateLimiter may be nil; the corresponding
	// capability is disabled.
	Dependencies struct {
		DB          HealthChecker
		Producer    EventPublisher
		Events      EventQuerier
		Entries     MemoryReader
		Engine      Replayer
		Assembler   ContextAssembler
		Metrics     *observability.Metrics
		RateLimiter middleware.RateLimiter
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		db          HealthChecker
		producer    EventPublisher
		events      EventQuerier
		entries     MemoryReader
		engine      Replayer
		assembler   ContextAssembler
		metrics     *observability.Metrics
		rateLimiter middleware.RateLimiter
	}
)

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
func NewServer(cfg *ServerConfig, deps *Dependencies) (*Server, error) {
	// Create structured logger with configured log level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// Create base HTTP mux
	mux := http.NewServeMux()

	// Create server instance for route setup
	server := &Server{
		logger:      logger,
		config:      cfg,
		db:          deps.DB,
		producer:    deps.Producer,
		events:      deps.Events,
		entries:     deps.Entries,
		engine:      deps.Engine,
		assembler:   deps.Assembler,
		metrics:     deps.Metrics,
		rateLimiter: deps.RateLimiter,
	}

	// Set up all API routes
	server.setupRoutes(mux)

	// Bearer auth fails closed: a missing token is a startup error unless
	// dev mode explicitly opts into an unauthenticated local surface.
	var auth *middleware.BearerAuth

	switch {
	case cfg.APIToken != "":
		var err error

		auth, err = middleware.NewBearerAuth(cfg.APIToken, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure bearer authentication: %w", err)
		}

		logger.Info("Bearer token authentication middleware enabled")
	case cfg.DevMode:
		logger.Warn("PUNK_RECORDS_DEV_MODE=true - authentication middleware disabled")
	default:
		return nil, ErrMissingAPIToken
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. BearerAuth - reject unauthenticated requests early (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. HTTPMetrics - count only legitimate traffic (optional)
	//   6. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   7. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithBearerAuth(auth),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithHTTPMetrics(deps.Metrics),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("Starting Punk Records API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	// Attempt graceful shutdown of HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.rateLimiter != nil {
		s.logger.Info("Closing rate limiter")

		if limiter, ok := s.rateLimiter.(interface{ Close() }); ok {
			limiter.Close()
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
