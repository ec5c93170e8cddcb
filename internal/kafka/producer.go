package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/observability"
)

const (
	producerBatchTimeout = 10 * time.Millisecond
	healthCheckTimeout   = 5 * time.Second
)

// Producer publishes event envelopes to the backbone topic.
//
// Messages are keyed by workspace_id so all events of one workspace land
// on the same partition and keep their relative order.
type Producer struct {
	writer  *kafkago.Writer
	brokers []string
	topic   string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewProducer creates a Producer for the configured backbone topic.
func NewProducer(cfg *Config, metrics *observability.Metrics, logger *slog.Logger) *Producer {
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: producerBatchTimeout,
	}

	return &Producer{
		writer:  writer,
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		metrics: metrics,
		logger:  logger,
	}
}

// SendEvent publishes a validated envelope to the backbone and waits for
// broker acknowledgement from all replicas.
func (p *Producer) SendEvent(ctx context.Context, env *event.Envelope) error {
	value, err := env.ToWire()
	if err != nil {
		p.metrics.ObserveProducedEvent(p.topic, observability.ResultError)

		return fmt.Errorf("failed to encode envelope %s: %w", env.EventID, err)
	}

	msg := kafkago.Message{
		Key:   env.Key(),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.ObserveProducedEvent(p.topic, observability.ResultError)

		return fmt.Errorf("failed to publish event %s: %w", env.EventID, err)
	}

	p.metrics.ObserveProducedEvent(p.topic, observability.ResultSuccess)

	p.logger.Debug("event published",
		"event_id", env.EventID.String(),
		"workspace_id", env.WorkspaceID,
		"type", string(env.Type),
	)

	return nil
}

// CheckHealth verifies the backbone is reachable and the topic has at
// least one partition.
func (p *Producer) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	conn, err := kafkago.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial broker %s: %w", p.brokers[0], err)
	}
	defer func() {
		_ = conn.Close()
	}()

	partitions, err := conn.ReadPartitions(p.topic)
	if err != nil {
		return fmt.Errorf("failed to read partitions for topic %s: %w", p.topic, err)
	}

	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", p.topic)
	}

	return nil
}

// Close flushes pending messages and releases the writer.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}

	return nil
}
