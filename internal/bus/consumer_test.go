package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/north-cloud/audit-orchestrator/internal/bus"
	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/metrics"
)

// recordingHandler captures envelopes and fails on demand.
type recordingHandler struct {
	mu       sync.Mutex
	received []events.Envelope
	failWith error
}

func (h *recordingHandler) HandleEvent(_ context.Context, env events.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, env)
	return h.failWith
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func addLifecycleEvent(t *testing.T, client *redis.Client, env events.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: events.LifecycleStream,
		Values: map[string]any{"event": string(raw)},
	}).Err())
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), events.LifecycleStream, events.ConsumerGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func startConsumer(t *testing.T, client *redis.Client, handler bus.Handler) {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	consumer := bus.NewConsumer(client, "test-consumer", handler, m, logger.NewNopLogger())
	require.NotNil(t, consumer)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() {
		consumer.Stop()
		cancel()
	})
}

func TestConsumerProcessesAndAcks(t *testing.T) {
	client := newTestRedis(t)
	handler := &recordingHandler{}
	startConsumer(t, client, handler)

	env, err := events.NewEnvelope(events.CategoryProgress, 1, events.CategoryProgressPayload{
		AuditRecordID: 11,
		Progress:      0.5,
	})
	require.NoError(t, err)
	addLifecycleEvent(t, client, env)

	require.Eventually(t, func() bool { return handler.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, env.EventID, handler.received[0].EventID)

	assert.Eventually(t, func() bool { return pendingCount(t, client) == 0 }, 5*time.Second, 10*time.Millisecond,
		"handled message should be acked")
}

func TestConsumerLeavesFailedMessagePending(t *testing.T) {
	client := newTestRedis(t)
	handler := &recordingHandler{failWith: errors.New("store unavailable")}
	startConsumer(t, client, handler)

	env, err := events.NewEnvelope(events.CategoryProgress, 1, events.CategoryProgressPayload{AuditRecordID: 11})
	require.NoError(t, err)
	addLifecycleEvent(t, client, env)

	require.Eventually(t, func() bool { return handler.count() >= 1 }, 5*time.Second, 10*time.Millisecond)

	// No ack on failure, so the entry stays on the pending list for
	// redelivery or claim by another consumer.
	assert.Equal(t, int64(1), pendingCount(t, client))
}

func TestConsumerDropsMalformedMessage(t *testing.T) {
	client := newTestRedis(t)
	handler := &recordingHandler{}
	startConsumer(t, client, handler)

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: events.LifecycleStream,
		Values: map[string]any{"event": "not-json"},
	}).Err())

	assert.Eventually(t, func() bool { return pendingCount(t, client) == 0 }, 5*time.Second, 10*time.Millisecond,
		"malformed message should be acked away")
	assert.Zero(t, handler.count())
}

func TestNewConsumerNilClient(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	assert.Nil(t, bus.NewConsumer(nil, "", &recordingHandler{}, m, logger.NewNopLogger()))
}
