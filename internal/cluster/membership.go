// Package cluster tracks the liveness of peer orchestrator instances over a
// Redis Pub/Sub channel. Membership is observability only: no correctness
// decision depends on it.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/north-cloud/audit-orchestrator/internal/logger"
)

// Channel is the Pub/Sub channel carrying membership heartbeats.
const Channel = "orchestrator-membership"

// defaultHeartbeatInterval applies when no interval is configured. A peer
// stays live for three missed heartbeats before it is reaped.
const (
	defaultHeartbeatInterval = 10 * time.Second
	missedHeartbeatsToReap   = 3
)

// PeerEventType marks a peer joining or leaving.
type PeerEventType string

const (
	PeerUp   PeerEventType = "PEER_UP"
	PeerDown PeerEventType = "PEER_DOWN"
)

// PeerEvent notifies subscribers of a peer liveness change.
type PeerEvent struct {
	Type       PeerEventType
	InstanceID string
}

// heartbeat is the wire format published on the membership channel.
type heartbeat struct {
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
	Leaving    bool      `json:"leaving,omitempty"`
}

// Membership heartbeats on behalf of this instance and watches for peers.
type Membership struct {
	client     *redis.Client
	instanceID string
	interval   time.Duration
	livePeers  prometheus.Gauge
	log        logger.Logger

	mu          sync.Mutex
	peers       map[string]time.Time
	subscribers map[string]chan PeerEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMembership creates a membership tracker for this instance heartbeating
// at the given interval (zero or negative means the default).
// Returns nil if client is nil, and every method on a nil Membership is a
// no-op, so tests can run without a cluster.
func NewMembership(client *redis.Client, interval time.Duration, livePeers prometheus.Gauge, log logger.Logger) *Membership {
	if client == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	const uuidPrefixLength = 8
	return &Membership{
		client:      client,
		instanceID:  fmt.Sprintf("orchestrator-%s", uuid.New().String()[:uuidPrefixLength]),
		interval:    interval,
		livePeers:   livePeers,
		log:         log,
		peers:       make(map[string]time.Time),
		subscribers: make(map[string]chan PeerEvent),
		stopCh:      make(chan struct{}),
	}
}

// InstanceID returns this instance's cluster identity.
func (m *Membership) InstanceID() string {
	if m == nil {
		return ""
	}
	return m.instanceID
}

// Start begins heartbeating and watching the membership channel.
func (m *Membership) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	sub := m.client.Subscribe(ctx, Channel)
	// Force the subscription to be established before heartbeating starts.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to membership channel: %w", err)
	}

	m.wg.Add(2)
	go m.heartbeatLoop(ctx)
	go m.watchLoop(ctx, sub)

	m.log.Info("cluster membership started",
		logger.String("instance_id", m.instanceID),
		logger.Duration("heartbeat_interval", m.interval),
	)
	return nil
}

// Stop announces departure and shuts down the loops.
func (m *Membership) Stop() {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.publish(ctx, heartbeat{InstanceID: m.instanceID, Timestamp: time.Now().UTC(), Leaving: true})

	close(m.stopCh)
	m.wg.Wait()
}

// Subscribe registers a named listener for peer liveness events. The channel
// is buffered; events overflowing the buffer are dropped.
func (m *Membership) Subscribe(name string) <-chan PeerEvent {
	if m == nil {
		return nil
	}
	const subscriberBuffer = 16
	ch := make(chan PeerEvent, subscriberBuffer)
	m.mu.Lock()
	m.subscribers[name] = ch
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a named listener.
func (m *Membership) Unsubscribe(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.subscribers, name)
	m.mu.Unlock()
}

func (m *Membership) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.publish(ctx, heartbeat{InstanceID: m.instanceID, Timestamp: time.Now().UTC()})

	for {
		select {
		case <-ticker.C:
			m.publish(ctx, heartbeat{InstanceID: m.instanceID, Timestamp: time.Now().UTC()})
			m.reapStalePeers()
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Membership) publish(ctx context.Context, hb heartbeat) {
	payload, err := json.Marshal(hb)
	if err != nil {
		m.log.Error("failed to marshal heartbeat", logger.Error(err))
		return
	}
	if err := m.client.Publish(ctx, Channel, payload).Err(); err != nil {
		m.log.Warn("failed to publish heartbeat", logger.Error(err))
	}
}

func (m *Membership) watchLoop(ctx context.Context, sub *redis.PubSub) {
	defer m.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleHeartbeat([]byte(msg.Payload))
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Membership) handleHeartbeat(payload []byte) {
	var hb heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		m.log.Warn("malformed heartbeat on membership channel", logger.Error(err))
		return
	}
	if hb.InstanceID == m.instanceID {
		return
	}

	m.mu.Lock()
	_, known := m.peers[hb.InstanceID]
	if hb.Leaving {
		delete(m.peers, hb.InstanceID)
	} else {
		m.peers[hb.InstanceID] = hb.Timestamp
	}
	count := len(m.peers)
	m.mu.Unlock()

	if m.livePeers != nil {
		m.livePeers.Set(float64(count))
	}

	switch {
	case hb.Leaving && known:
		m.notify(PeerEvent{Type: PeerDown, InstanceID: hb.InstanceID})
	case !hb.Leaving && !known:
		m.notify(PeerEvent{Type: PeerUp, InstanceID: hb.InstanceID})
	}
}

func (m *Membership) reapStalePeers() {
	cutoff := time.Now().UTC().Add(-missedHeartbeatsToReap * m.interval)

	m.mu.Lock()
	var expired []string
	for id, seen := range m.peers {
		if seen.Before(cutoff) {
			expired = append(expired, id)
			delete(m.peers, id)
		}
	}
	count := len(m.peers)
	m.mu.Unlock()

	if m.livePeers != nil {
		m.livePeers.Set(float64(count))
	}
	for _, id := range expired {
		m.log.Warn("peer heartbeat expired", logger.String("instance_id", id))
		m.notify(PeerEvent{Type: PeerDown, InstanceID: id})
	}
}

func (m *Membership) notify(evt PeerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
			// Subscriber is not draining; liveness events are advisory.
		}
	}
}
