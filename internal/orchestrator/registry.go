package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/north-cloud/audit-orchestrator/internal/cluster"
	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/metrics"
)

const (
	sessionIdleTimeout = 10 * time.Minute
	reapInterval       = time.Minute
)

// Engine routes inbound lifecycle events to per-audit sessions. Events for
// the same audit context land on the same session and are handled in order;
// unrelated audits proceed concurrently on their own sessions.
type Engine struct {
	store      RecordStore
	lookups    Lookups
	outbound   Outbound
	membership *cluster.Membership
	metrics    *metrics.Metrics
	log        logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewEngine builds the engine. Call Start before feeding it events.
func NewEngine(
	store RecordStore,
	lookups Lookups,
	outbound Outbound,
	membership *cluster.Membership,
	m *metrics.Metrics,
	log logger.Logger,
) *Engine {
	return &Engine{
		store:      store,
		lookups:    lookups,
		outbound:   outbound,
		membership: membership,
		metrics:    m,
		log:        log,
		sessions:   make(map[string]*Session),
	}
}

// Start launches the idle-session reaper.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.cancelRun = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.reapLoop()
}

// Stop tears down every session and halts the reaper. Events arriving after
// Stop are rejected and left for redelivery.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	live := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, s := range live {
		s.stop()
	}
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.wg.Wait()
}

// HandleEvent implements the bus handler. The returned error drives the ack
// decision upstream: nil acks the message, non-nil leaves it for redelivery.
func (e *Engine) HandleEvent(ctx context.Context, env events.Envelope) error {
	key, ok := sessionKey(env)
	if !ok {
		e.log.Error("dropping event with undecodable payload",
			logger.String("event_type", string(env.EventType)),
			logger.String("event_id", env.EventID.String()),
		)
		e.metrics.MalformedEvents.Inc()
		return nil
	}

	sess, err := e.sessionFor(key)
	if err != nil {
		return err
	}
	return sess.Handle(ctx, env)
}

// sessionFor returns the live session for key, creating one on first use.
func (e *Engine) sessionFor(key string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, ErrSessionStopped
	}
	if sess, ok := e.sessions[key]; ok {
		return sess, nil
	}

	sess := newSession(key, e.store, e.lookups, e.outbound, e.membership, e.metrics, e.log)
	sess.start(e.runCtx)
	e.sessions[key] = sess
	e.log.Debug("session created", logger.String("session", key))
	return sess, nil
}

// reapLoop retires sessions with no traffic for sessionIdleTimeout. Their
// memoized lookups are cheap to rebuild if the audit wakes back up.
func (e *Engine) reapLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.reapIdleSessions()
		case <-e.runCtx.Done():
			return
		}
	}
}

func (e *Engine) reapIdleSessions() {
	cutoff := time.Now().Add(-sessionIdleTimeout)

	e.mu.Lock()
	var idle []*Session
	for key, sess := range e.sessions {
		if sess.idleSince().Before(cutoff) {
			idle = append(idle, sess)
			delete(e.sessions, key)
		}
	}
	e.mu.Unlock()

	for _, sess := range idle {
		sess.stop()
		e.log.Debug("idle session retired", logger.String("session", sess.key))
	}
}

// sessionKey derives the routing key from the envelope so all events for one
// audit context serialize on one session. Domain-scoped events share the
// domain audit's session; standalone page audits get their own.
func sessionKey(env events.Envelope) (string, bool) {
	switch env.EventType {
	case events.PageBuilt, events.DomainPageBuilt, events.SinglePageBuilt:
		var p events.PageBuiltPayload
		if err := env.DecodePayload(&p); err != nil {
			return "", false
		}
		if p.EnclosingAuditID != domain.NotApplicable {
			return fmt.Sprintf("domain-audit:%d", p.EnclosingAuditID), true
		}
		return fmt.Sprintf("page:%d", p.PageID), true

	case events.DataExtractionComplete:
		var p events.DataExtractionPayload
		if err := env.DecodePayload(&p); err != nil {
			return "", false
		}
		return fmt.Sprintf("record:%d", p.AuditRecordID), true

	case events.CategoryProgress:
		var p events.CategoryProgressPayload
		if err := env.DecodePayload(&p); err != nil {
			return "", false
		}
		return fmt.Sprintf("record:%d", p.AuditRecordID), true

	case events.AuditErrorReported:
		var p events.AuditErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return "", false
		}
		return fmt.Sprintf("record:%d", p.AuditRecordID), true

	case events.SubscriptionExceeded:
		var p events.SubscriptionExceededPayload
		if err := env.DecodePayload(&p); err != nil {
			return "", false
		}
		return fmt.Sprintf("domain-audit:%d", p.DomainAuditID), true

	default:
		// Unknown types still get a session so the drop is logged with
		// session context rather than silently here.
		return fmt.Sprintf("account:%d", env.AccountID), true
	}
}
