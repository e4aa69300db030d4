package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/north-cloud/audit-orchestrator/internal/cluster"
	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/metrics"
)

// ErrSessionStopped is returned when an event is dispatched to a session that
// has been torn down. The bus treats it as retryable; a fresh session picks
// the event up on redelivery.
var ErrSessionStopped = errors.New("session stopped")

const inboxSize = 64

// ask pairs an inbound event with the channel its handling outcome is
// reported on.
type ask struct {
	ctx   context.Context
	env   events.Envelope
	reply chan error
}

// Session is the long-lived orchestration unit for one audit run. It drains
// a private inbox in a single goroutine, so session-local state (the memoized
// account and domain) needs no locking. It holds no authoritative state:
// every durable decision is re-derivable from the store.
type Session struct {
	key        string
	store      RecordStore
	lookups    Lookups
	outbound   Outbound
	membership *cluster.Membership
	metrics    *metrics.Metrics
	log        logger.Logger

	// Memoized for the session's lifetime; a new session always re-fetches.
	account      *domain.Account
	domainEntity *domain.Domain

	inbox  chan ask
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	lastActive time.Time
}

func newSession(
	key string,
	store RecordStore,
	lookups Lookups,
	outbound Outbound,
	membership *cluster.Membership,
	m *metrics.Metrics,
	log logger.Logger,
) *Session {
	return &Session{
		key:        key,
		store:      store,
		lookups:    lookups,
		outbound:   outbound,
		membership: membership,
		metrics:    m,
		log:        log.With(logger.String("session", key)),
		inbox:      make(chan ask, inboxSize),
		stopCh:     make(chan struct{}),
		lastActive: time.Now(),
	}
}

// start launches the session's processing goroutine.
func (s *Session) start(ctx context.Context) {
	s.metrics.ActiveSessions.Inc()
	s.wg.Add(1)
	go s.run(ctx)
}

// stop tears the session down. In-flight downstream messages already
// published are not recalled.
func (s *Session) stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.metrics.ActiveSessions.Dec()
}

// Handle enqueues an event and waits for its outcome, so the caller's ack
// decision tracks the actual handling result.
func (s *Session) Handle(ctx context.Context, env events.Envelope) error {
	a := ask{ctx: ctx, env: env, reply: make(chan error, 1)}

	select {
	case s.inbox <- a:
	case <-s.stopCh:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-a.reply:
		return err
	case <-s.stopCh:
		// The loop can exit with this ask still queued. Report the stop
		// as retryable; the bus redelivers to a fresh session.
		select {
		case err := <-a.reply:
			return err
		default:
			return ErrSessionStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleSince reports when the session last handled an event.
func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	peerCh := s.membership.Subscribe("session:" + s.key)
	defer s.membership.Unsubscribe("session:" + s.key)

	for {
		select {
		case a := <-s.inbox:
			s.touch()
			a.reply <- s.dispatch(a.ctx, a.env)
		case evt, ok := <-peerCh:
			if ok {
				s.log.Debug("peer liveness changed",
					logger.String("peer", evt.InstanceID),
					logger.String("change", string(evt.Type)),
				)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one event to its handler. A panic in a handler is
// converted to an error so one poisoned message cannot take down the
// session's processing of subsequent messages.
func (s *Session) dispatch(ctx context.Context, env events.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", env.EventType, r)
		}
	}()

	switch env.EventType {
	case events.PageBuilt, events.DomainPageBuilt, events.SinglePageBuilt:
		var p events.PageBuiltPayload
		if decodeErr := env.DecodePayload(&p); decodeErr != nil {
			return s.dropMalformed(env, decodeErr)
		}
		return s.handlePageBuilt(ctx, env.AccountID, p)

	case events.DataExtractionComplete:
		var p events.DataExtractionPayload
		if decodeErr := env.DecodePayload(&p); decodeErr != nil {
			return s.dropMalformed(env, decodeErr)
		}
		return s.handleDataExtraction(ctx, env.AccountID, p)

	case events.CategoryProgress:
		var p events.CategoryProgressPayload
		if decodeErr := env.DecodePayload(&p); decodeErr != nil {
			return s.dropMalformed(env, decodeErr)
		}
		return s.handleCategoryProgress(ctx, env.AccountID, p)

	case events.AuditErrorReported:
		var p events.AuditErrorPayload
		if decodeErr := env.DecodePayload(&p); decodeErr != nil {
			return s.dropMalformed(env, decodeErr)
		}
		return s.handleAuditError(ctx, env.AccountID, p)

	case events.SubscriptionExceeded:
		var p events.SubscriptionExceededPayload
		if decodeErr := env.DecodePayload(&p); decodeErr != nil {
			return s.dropMalformed(env, decodeErr)
		}
		return s.handleSubscriptionExceeded(ctx, env.AccountID, p)

	default:
		s.log.Warn("unknown event type", logger.String("event_type", string(env.EventType)))
		return nil
	}
}

// dropMalformed logs and swallows an undecodable payload; redelivery cannot
// fix a message that does not parse.
func (s *Session) dropMalformed(env events.Envelope, decodeErr error) error {
	s.log.Error("dropping malformed event",
		logger.String("event_type", string(env.EventType)),
		logger.String("event_id", env.EventID.String()),
		logger.Error(decodeErr),
	)
	s.metrics.MalformedEvents.Inc()
	return nil
}

// accountFor returns the account, memoized for the session lifetime.
func (s *Session) accountFor(ctx context.Context, id int64) (*domain.Account, error) {
	if s.account != nil && s.account.ID == id {
		return s.account, nil
	}
	acct, err := s.lookups.FindAccountByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("look up account %d: %w", id, err)
	}
	s.account = acct
	return acct, nil
}

// domainFor returns the domain, memoized for the session lifetime.
func (s *Session) domainFor(ctx context.Context, id int64) (*domain.Domain, error) {
	if s.domainEntity != nil && s.domainEntity.ID == id {
		return s.domainEntity, nil
	}
	d, err := s.lookups.FindDomainByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("look up domain %d: %w", id, err)
	}
	s.domainEntity = d
	return d, nil
}

// cachedDomainID returns the memoized domain's id, or domain.NotApplicable
// when no domain has been seen this session.
func (s *Session) cachedDomainID() int64 {
	if s.domainEntity == nil {
		return domain.NotApplicable
	}
	return s.domainEntity.ID
}
