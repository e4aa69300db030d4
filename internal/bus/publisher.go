package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
)

const publishTimeout = 10 * time.Second

// Publisher writes outbound orchestrator messages to Redis.
// Initiations and completion notices go to streams so downstream workers get
// consumer-group semantics; progress broadcasts are fire-and-forget Pub/Sub.
type Publisher struct {
	client *redis.Client
	log    logger.Logger
}

// NewPublisher creates a new outbound publisher.
func NewPublisher(client *redis.Client, log logger.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

// PublishInitiation tells the category auditors to begin work on a page
// audit. Failures propagate so the triggering event is redelivered.
func (p *Publisher) PublishInitiation(ctx context.Context, msg events.AuditInitiation) error {
	return p.addToStream(ctx, events.InitiationStream, msg)
}

// PublishCompletion publishes a completion notice for downstream
// notification. The caller guarantees at-most-once by gating on the record's
// terminal transition.
func (p *Publisher) PublishCompletion(ctx context.Context, msg events.CompletionNotice) error {
	return p.addToStream(ctx, events.CompletionStream, msg)
}

// BroadcastProgress publishes a UI-facing progress update. Delivery failures
// are logged, never surfaced: a lost broadcast costs a stale progress bar,
// not correctness.
func (p *Publisher) BroadcastProgress(ctx context.Context, msg events.ProgressBroadcast) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to marshal progress broadcast", logger.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.client.Publish(pubCtx, events.ProgressChannel, payload).Err(); err != nil {
		p.log.Warn("failed to broadcast progress",
			logger.Int64("audit_record_id", msg.AuditRecordID),
			logger.Error(err),
		)
	}
}

func (p *Publisher) addToStream(ctx context.Context, stream string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", stream, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.client.XAdd(pubCtx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"event": string(payload)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", stream, err)
	}
	return nil
}

// PublishLifecycleEvent appends an inbound-format envelope to the lifecycle
// stream. Used by the HTTP ingress to feed pushed envelopes through the same
// consumption path the bus uses.
func (p *Publisher) PublishLifecycleEvent(ctx context.Context, env events.Envelope) error {
	return p.addToStream(ctx, events.LifecycleStream, env)
}
