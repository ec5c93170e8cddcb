// Package kafka provides the event backbone transport for Punk Records.
//
// Every envelope accepted by the API is published to a single topic and
// consumed back by the projection loop, so durability and ordering per
// workspace come from Kafka rather than from in-process state.
package kafka

import (
	"fmt"

	"github.com/clawderpunk/punk-records/internal/config"
)

// Default backbone settings, overridable via environment.
const (
	DefaultBrokers       = "localhost:9092"
	DefaultTopic         = "clawderpunk.events.v1"
	DefaultConsumerGroup = "punk-records"
)

// Config holds Kafka connection settings for both producer and consumer.
type Config struct {
	// Brokers is the list of bootstrap broker addresses.
	Brokers []string

	// Topic is the backbone topic all envelopes flow through.
	Topic string

	// ConsumerGroup identifies the projection consumer group.
	ConsumerGroup string
}

// LoadConfig loads Kafka configuration from environment variables.
//
// Environment variables:
//   - KAFKA_BROKERS: comma-separated broker list (default: localhost:9092)
//   - KAFKA_TOPIC: backbone topic (default: clawderpunk.events.v1)
//   - KAFKA_CONSUMER_GROUP: consumer group id (default: punk-records)
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", DefaultBrokers)),
		Topic:         config.GetEnvStr("KAFKA_TOPIC", DefaultTopic),
		ConsumerGroup: config.GetEnvStr("KAFKA_CONSUMER_GROUP", DefaultConsumerGroup),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS cannot be empty")
	}

	if c.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC cannot be empty")
	}

	if c.ConsumerGroup == "" {
		return fmt.Errorf("KAFKA_CONSUMER_GROUP cannot be empty")
	}

	return nil
}
