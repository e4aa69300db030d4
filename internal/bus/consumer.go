// Package bus provides the Redis Streams transport for lifecycle events.
// Delivery is at least once and unordered across records; handlers are
// expected to be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/metrics"
)

const (
	blockDuration    = 5 * time.Second
	claimIdleTimeout = 30 * time.Second
	batchSize        = 10
)

// Handler processes one decoded lifecycle event. A returned error leaves the
// message unacked so the bus redelivers it.
type Handler interface {
	HandleEvent(ctx context.Context, env events.Envelope) error
}

// Consumer reads lifecycle events from the Redis stream.
type Consumer struct {
	client     *redis.Client
	consumerID string
	handler    Handler
	metrics    *metrics.Metrics
	log        logger.Logger
	shutdownCh chan struct{}
}

// NewConsumer creates a new event consumer.
// Returns nil if client is nil.
func NewConsumer(client *redis.Client, consumerID string, handler Handler, m *metrics.Metrics, log logger.Logger) *Consumer {
	if client == nil {
		return nil
	}
	if consumerID == "" {
		consumerID = generateConsumerID()
	}
	return &Consumer{
		client:     client,
		consumerID: consumerID,
		handler:    handler,
		metrics:    m,
		log:        log,
		shutdownCh: make(chan struct{}),
	}
}

// generateConsumerID creates a unique consumer identifier.
func generateConsumerID() string {
	const uuidPrefixLength = 8
	return fmt.Sprintf("orchestrator-%s", uuid.New().String()[:uuidPrefixLength])
}

// Start begins consuming events from the stream.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	c.log.Info("starting lifecycle event consumer",
		logger.String("consumer_id", c.consumerID),
		logger.String("group", events.ConsumerGroup),
	)

	go c.consumeLoop(ctx)
	go c.claimAbandonedLoop(ctx)

	return nil
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	close(c.shutdownCh)
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownCh:
			return
		default:
			c.readAndProcess(ctx)
		}
	}
}

func (c *Consumer) readAndProcess(ctx context.Context) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    events.ConsumerGroup,
		Consumer: c.consumerID,
		Streams:  []string{events.LifecycleStream, ">"},
		Count:    batchSize,
		Block:    blockDuration,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("failed to read from stream", logger.Error(err))
		time.Sleep(time.Second)
		return
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) {
	eventData, ok := msg.Values["event"].(string)
	if !ok {
		c.log.Error("invalid message format", logger.String("stream_id", msg.ID))
		c.metrics.MalformedEvents.Inc()
		c.ackMessage(ctx, msg.ID)
		return
	}

	var env events.Envelope
	if err := json.Unmarshal([]byte(eventData), &env); err != nil {
		// Retry cannot help a payload that does not parse; drop it.
		c.log.Error("failed to unmarshal event",
			logger.String("stream_id", msg.ID),
			logger.Error(err),
		)
		c.metrics.MalformedEvents.Inc()
		c.ackMessage(ctx, msg.ID)
		return
	}

	c.metrics.EventsConsumed.WithLabelValues(string(env.EventType)).Inc()

	if err := c.handler.HandleEvent(ctx, env); err != nil {
		c.log.Error("failed to handle event",
			logger.String("event_type", string(env.EventType)),
			logger.String("event_id", env.EventID.String()),
			logger.Error(err),
		)
		c.metrics.EventsFailed.WithLabelValues(string(env.EventType)).Inc()
		return // Don't ACK - will be redelivered
	}

	c.ackMessage(ctx, msg.ID)

	c.log.Debug("processed event",
		logger.String("event_type", string(env.EventType)),
		logger.String("event_id", env.EventID.String()),
		logger.String("stream_id", msg.ID),
	)
}

func (c *Consumer) ackMessage(ctx context.Context, streamID string) {
	if err := c.client.XAck(ctx, events.LifecycleStream, events.ConsumerGroup, streamID).Err(); err != nil {
		c.log.Error("failed to ACK message",
			logger.String("stream_id", streamID),
			logger.Error(err),
		)
	}
}

func (c *Consumer) claimAbandonedLoop(ctx context.Context) {
	ticker := time.NewTicker(claimIdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownCh:
			return
		case <-ticker.C:
			c.claimAbandonedMessages(ctx)
		}
	}
}

func (c *Consumer) claimAbandonedMessages(ctx context.Context) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   events.LifecycleStream,
		Group:    events.ConsumerGroup,
		Consumer: c.consumerID,
		MinIdle:  claimIdleTimeout,
		Count:    batchSize,
	}).Result()

	if err != nil {
		c.log.Error("failed to auto-claim messages", logger.Error(err))
		return
	}

	for _, msg := range messages {
		c.log.Info("claimed abandoned message", logger.String("stream_id", msg.ID))
		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) ensureConsumerGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, events.LifecycleStream, events.ConsumerGroup, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return err
	}
	return nil
}

func isGroupExistsError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
