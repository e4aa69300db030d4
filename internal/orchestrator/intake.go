package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/subscription"
)

// handlePageBuilt catalogs a freshly built page and kicks off its audit.
// Redeliveries are absorbed by the dedup lookup, so a page yields at most
// one page audit record and one initiation.
func (s *Session) handlePageBuilt(ctx context.Context, accountID int64, p events.PageBuiltPayload) error {
	log := s.log.With(
		logger.Int64("page_id", p.PageID),
		logger.Int64("enclosing_audit_id", p.EnclosingAuditID),
	)

	existing, err := s.store.FindPageAuditForPage(ctx, p.EnclosingAuditID, p.PageID)
	if err == nil {
		log.Debug("page already cataloged", logger.Int64("audit_record_id", existing.ID))
		s.metrics.DuplicatesSuppressed.Inc()
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("dedup lookup for page %d: %w", p.PageID, err)
	}

	page, err := s.lookups.FindPageStateByID(ctx, p.PageID)
	if err != nil {
		// A PAGE_BUILT event implies the page row exists; a miss here is
		// read lag and a redelivery can find it.
		return fmt.Errorf("look up page %d: %w", p.PageID, err)
	}
	if !page.Landable {
		log.Info("skipping non-landable page", logger.String("url", page.URL))
		s.metrics.NotLandableSkipped.Inc()
		return nil
	}

	domainMode := p.EnclosingAuditID != domain.NotApplicable

	acct, err := s.accountFor(ctx, accountID)
	if err != nil {
		return err
	}
	if domainMode {
		audited, err := s.store.CountChildPageAudits(ctx, p.EnclosingAuditID)
		if err != nil {
			return fmt.Errorf("count audited pages for domain audit %d: %w", p.EnclosingAuditID, err)
		}
		if subscription.HasExceededPageLimit(acct.SubscriptionPlan, audited) {
			log.Info("page limit reached, not starting audit",
				logger.String("plan", string(acct.SubscriptionPlan)),
				logger.Int("audited_pages", audited),
			)
			s.metrics.QuotaDenials.Inc()
			return s.flagQuotaExceeded(ctx, accountID, p.EnclosingAuditID)
		}
	}

	names := domain.DefaultAuditNames()
	if domainMode {
		parent, err := s.store.FindByID(ctx, p.EnclosingAuditID)
		if err != nil {
			return fmt.Errorf("look up domain audit %d: %w", p.EnclosingAuditID, err)
		}
		if len(parent.AuditNames) > 0 {
			names = parent.AuditNames
		}
	}

	if p.DomainID != domain.NotApplicable {
		if _, err := s.domainFor(ctx, p.DomainID); err != nil {
			return err
		}
	}

	rec := domain.NewPageAuditRecord(page.URL, page.ID, names)
	if domainMode {
		// The back-reference must land in the same write as the insert, so a
		// failure after this point still leaves a row the dedup lookup finds
		// on redelivery.
		rec.DomainAuditID = &p.EnclosingAuditID
	}
	rec, err = s.store.Save(ctx, rec)
	if err != nil {
		return fmt.Errorf("save page audit for page %d: %w", p.PageID, err)
	}
	if domainMode {
		if err := s.store.LinkPageAuditToDomainAudit(ctx, p.EnclosingAuditID, rec.ID); err != nil {
			return fmt.Errorf("link page audit %d to domain audit %d: %w", rec.ID, p.EnclosingAuditID, err)
		}
	}

	init := events.AuditInitiation{
		AccountID:     accountID,
		PageAuditID:   rec.ID,
		PageID:        page.ID,
		DomainID:      p.DomainID,
		DomainAuditID: p.EnclosingAuditID,
		URL:           page.URL,
		AuditNames:    names,
	}
	if err := s.outbound.PublishInitiation(ctx, init); err != nil {
		return fmt.Errorf("publish initiation for page audit %d: %w", rec.ID, err)
	}

	s.outbound.BroadcastProgress(ctx, events.ProgressBroadcast{
		AccountID:     accountID,
		AuditRecordID: rec.ID,
		Progress:      rec.DataExtractionProgress,
		Message:       "Starting new page audit for " + page.URL,
	})

	s.metrics.PageAuditsStarted.Inc()
	log.Info("page audit started",
		logger.Int64("audit_record_id", rec.ID),
		logger.String("url", page.URL),
	)
	return nil
}

// flagQuotaExceeded marks a domain audit as quota limited and immediately
// re-checks it for completion, since no further children will arrive.
func (s *Session) flagQuotaExceeded(ctx context.Context, accountID, domainAuditID int64) error {
	if err := s.store.SetQuotaExceeded(ctx, domainAuditID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("quota flag for unknown domain audit", logger.Int64("domain_audit_id", domainAuditID))
			return nil
		}
		return fmt.Errorf("flag quota exceeded on domain audit %d: %w", domainAuditID, err)
	}
	return s.checkDomainCompletion(ctx, accountID, domainAuditID)
}
