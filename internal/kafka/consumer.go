package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/observability"
)

const (
	consumerMinBytes      = 1
	consumerMaxBytes      = 10e6
	consumerMaxWait       = 500 * time.Millisecond
	consumerRetryBackoff  = time.Second
	consumerCommitTimeout = 5 * time.Second
)

type (
	// EventPersister appends envelopes to the durable event log.
	// The boolean result reports whether the event was newly inserted
	// or was a redelivered duplicate.
	EventPersister interface {
		Persist(ctx context.Context, env *event.Envelope) (bool, error)
	}

	// Projector folds a persisted envelope into the derived memory state.
	Projector interface {
		Process(ctx context.Context, env *event.Envelope) error
	}

	// Consumer reads envelopes from the backbone topic and drives the
	// persist-then-project pipeline with explicit offset commits.
	//
	// Offsets are committed only after an event is durably persisted and
	// projected, so a crash replays the tail; the idempotent event log
	// absorbs the redelivery.
	Consumer struct {
		reader  *kafkago.Reader
		events  EventPersister
		engine  Projector
		metrics *observability.Metrics
		logger  *slog.Logger
		topic   string

		cancel   context.CancelFunc
		done     chan struct{}
		stopOnce sync.Once

		// commitFn is swappable in tests; production wiring commits
		// through the group reader.
		commitFn func(ctx context.Context, msg kafkago.Message) error
	}
)

// NewConsumer creates a Consumer for the configured backbone topic.
func NewConsumer(
	cfg *Config,
	events EventPersister,
	engine Projector,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    consumerMinBytes,
		MaxBytes:    consumerMaxBytes,
		MaxWait:     consumerMaxWait,
		StartOffset: kafkago.FirstOffset,
	})

	c := &Consumer{
		reader:  reader,
		events:  events,
		engine:  engine,
		metrics: metrics,
		logger:  logger,
		topic:   cfg.Topic,
		done:    make(chan struct{}),
	}
	c.commitFn = func(ctx context.Context, msg kafkago.Message) error {
		return reader.CommitMessages(ctx, msg)
	}

	return c
}

// Start launches the consume loop in a background goroutine.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.run(ctx)

	c.logger.Info("kafka consumer started", "topic", c.topic)
}

// Stop cancels the consume loop, waits for it to drain and closes the
// reader. Safe to call more than once.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error

	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		select {
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if closeErr := c.reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}

		c.logger.Info("kafka consumer stopped", "topic", c.topic)
	})

	return err
}

// run is the consume loop. It exits when ctx is canceled.
func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}

			c.logger.Error("failed to fetch message", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(consumerRetryBackoff):
				continue
			}
		}

		c.handleMessage(ctx, msg)
	}
}

// handleMessage runs one message through decode, persist and project.
//
// Commit policy: malformed messages are committed and skipped (they will
// never become valid), persist and projection failures are NOT committed
// so the message is redelivered and retried.
func (c *Consumer) handleMessage(ctx context.Context, msg kafkago.Message) {
	env, err := event.FromWire(msg.Value)
	if err != nil {
		c.metrics.ObserveConsumedEvent(c.topic, observability.ResultMalformed)
		c.logger.Warn("skipping malformed event",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)

		c.commit(ctx, msg)

		return
	}

	inserted, err := c.events.Persist(ctx, env)
	if err != nil {
		c.metrics.ObserveConsumedEvent(c.topic, observability.ResultPersistError)
		c.logger.Error("failed to persist event",
			"error", err,
			"event_id", env.EventID.String(),
		)

		return
	}

	if inserted {
		c.metrics.ObserveConsumedEvent(c.topic, observability.ResultPersisted)
	} else {
		c.metrics.ObserveConsumedEvent(c.topic, observability.ResultDuplicate)
	}

	// Duplicates are projected too: projection handlers are idempotent
	// and the cursor may be behind the log after a partial failure.
	if err := c.engine.Process(ctx, env); err != nil {
		c.metrics.ObserveConsumedEvent(c.topic, observability.ResultProjectionError)
		c.logger.Error("failed to project event",
			"error", err,
			"event_id", env.EventID.String(),
			"type", string(env.Type),
		)

		return
	}

	c.metrics.ObserveConsumedEvent(c.topic, observability.ResultProjected)

	c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafkago.Message) {
	commitCtx, cancel := context.WithTimeout(ctx, consumerCommitTimeout)
	defer cancel()

	if err := c.commitFn(commitCtx, msg); err != nil {
		c.logger.Error("failed to commit offset",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
	}
}
