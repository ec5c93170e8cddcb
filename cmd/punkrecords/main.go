// Package main provides the Punk Records workspace memory service.
//
// One process carries the whole pipeline: the HTTP gateway publishes
// envelopes to the Kafka backbone, the consumer folds them into the
// Postgres event log and memory projection, and the read side serves
// context packs assembled from both.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clawderpunk/punk-records/internal/api"
	"github.com/clawderpunk/punk-records/internal/api/middleware"
	"github.com/clawderpunk/punk-records/internal/contextpack"
	"github.com/clawderpunk/punk-records/internal/kafka"
	"github.com/clawderpunk/punk-records/internal/observability"
	"github.com/clawderpunk/punk-records/internal/projection"
	"github.com/clawderpunk/punk-records/internal/storage"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "punk-records"
)

const consumerStopTimeout = 10 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Punk Records service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("workspace_rps", middlewareConfig.WorkspaceRPS),
		slog.Int("unscoped_rps", middlewareConfig.UnscopedRPS),
	)

	// Storage: Postgres event log and memory projection
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	metrics := observability.NewMetrics()

	eventStore := storage.NewEventStore(dbConn, logger)
	memoryStore := storage.NewMemoryStore(dbConn, logger)

	// Kafka backbone
	kafkaConfig, err := kafka.LoadConfig()
	if err != nil {
		logger.Error("Invalid Kafka configuration", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	producer := kafka.NewProducer(kafkaConfig, metrics, logger)

	defer func() {
		_ = producer.Close()
	}()

	logger.Info("Kafka producer initialized",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic", kafkaConfig.Topic),
	)

	// Projection engine: synthetic promotions round-trip through the backbone
	engine := projection.NewEngine(eventStore, memoryStore, producer, logger)

	consumer := kafka.NewConsumer(kafkaConfig, eventStore, engine, metrics, logger)
	consumer.Start()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), consumerStopTimeout)
		defer cancel()

		if err := consumer.Stop(ctx); err != nil {
			logger.Error("Failed to stop consumer cleanly", slog.String("error", err.Error()))
		}
	}()

	// Read side
	assembler := contextpack.NewAssembler(memoryStore, eventStore)

	server, err := api.NewServer(serverConfig, &api.Dependencies{
		DB:          dbConn,
		Producer:    producer,
		Events:      eventStore,
		Entries:     memoryStore,
		Engine:      engine,
		Assembler:   assembler,
		Metrics:     metrics,
		RateLimiter: rateLimiter,
	})
	if err != nil {
		logger.Error("Failed to create server", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Punk Records service stopped")
}
