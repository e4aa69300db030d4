package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/events"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/progress"
)

// handleDataExtraction applies an extraction progress report. The reserved
// sentinel payload (domain and page ids both unset) means extraction finished
// for the record as a whole, which can complete a quota-limited domain audit
// or a page audit whose categories already wrapped up.
func (s *Session) handleDataExtraction(ctx context.Context, accountID int64, p events.DataExtractionPayload) error {
	prog := p.Progress
	msg := p.Message
	if p.IsCompletionSignal() {
		prog = 1.0
		if msg == "" {
			msg = "Data extraction complete"
		}
	}

	if err := s.store.SetDataExtractionProgress(ctx, p.AuditRecordID, prog, msg); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("extraction progress for unknown record", logger.Int64("audit_record_id", p.AuditRecordID))
			return nil
		}
		return fmt.Errorf("set extraction progress on record %d: %w", p.AuditRecordID, err)
	}

	rec, err := s.store.FindByID(ctx, p.AuditRecordID)
	if err != nil {
		return fmt.Errorf("reload record %d: %w", p.AuditRecordID, err)
	}

	s.outbound.BroadcastProgress(ctx, events.ProgressBroadcast{
		AccountID:     accountID,
		AuditRecordID: rec.ID,
		Progress:      progress.OverallProgress(rec),
		Message:       msg,
	})

	if !p.IsCompletionSignal() {
		return nil
	}
	if rec.IsDomainAudit() {
		return s.checkDomainCompletion(ctx, accountID, rec.ID)
	}
	return s.tryCompletePageAudit(ctx, accountID, rec)
}

// handleCategoryProgress merges one category's progress into a record and
// checks whether the record, and possibly its enclosing domain audit, is done.
func (s *Session) handleCategoryProgress(ctx context.Context, accountID int64, p events.CategoryProgressPayload) error {
	if err := s.store.UpdateCategoryProgress(ctx, p.AuditRecordID, p.Category, p.Progress, p.Message); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("category progress for unknown record",
				logger.Int64("audit_record_id", p.AuditRecordID),
				logger.String("category", string(p.Category)),
			)
			return nil
		}
		return fmt.Errorf("update %s progress on record %d: %w", p.Category, p.AuditRecordID, err)
	}

	rec, err := s.store.FindByID(ctx, p.AuditRecordID)
	if err != nil {
		return fmt.Errorf("reload record %d: %w", p.AuditRecordID, err)
	}

	s.outbound.BroadcastProgress(ctx, events.ProgressBroadcast{
		AccountID:     accountID,
		AuditRecordID: rec.ID,
		Progress:      progress.OverallProgress(rec),
		Message:       p.Message,
	})

	if rec.IsDomainAudit() {
		return s.checkDomainCompletion(ctx, accountID, rec.ID)
	}
	return s.tryCompletePageAudit(ctx, accountID, rec)
}

// handleAuditError moves a record to its error terminal state. The failing
// category's message is kept so the UI can surface what went wrong. An
// errored child still counts as settled for its domain audit.
func (s *Session) handleAuditError(ctx context.Context, accountID int64, p events.AuditErrorPayload) error {
	if err := s.store.UpdateCategoryProgress(ctx, p.AuditRecordID, p.Category, p.Progress, p.ErrorMessage); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("error report for unknown record", logger.Int64("audit_record_id", p.AuditRecordID))
			return nil
		}
		return fmt.Errorf("record %s failure on record %d: %w", p.Category, p.AuditRecordID, err)
	}

	transitioned, err := s.store.MarkErrored(ctx, p.AuditRecordID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark record %d errored: %w", p.AuditRecordID, err)
	}
	if !transitioned {
		s.log.Debug("record already terminal, error report ignored",
			logger.Int64("audit_record_id", p.AuditRecordID))
		return nil
	}

	s.metrics.AuditsErrored.Inc()
	s.log.Warn("audit errored",
		logger.Int64("audit_record_id", p.AuditRecordID),
		logger.String("category", string(p.Category)),
		logger.String("error", p.ErrorMessage),
	)

	s.outbound.BroadcastProgress(ctx, events.ProgressBroadcast{
		AccountID:     accountID,
		AuditRecordID: p.AuditRecordID,
		Progress:      1.0,
		Message:       p.ErrorMessage,
	})

	rec, err := s.store.FindByID(ctx, p.AuditRecordID)
	if err != nil {
		return fmt.Errorf("reload record %d: %w", p.AuditRecordID, err)
	}
	if rec.IsPageAudit() && rec.DomainAuditID != nil {
		return s.checkDomainCompletion(ctx, accountID, *rec.DomainAuditID)
	}
	return nil
}

// handleSubscriptionExceeded caps a domain audit: no new children will be
// admitted, and the audit completes once the already admitted ones settle.
func (s *Session) handleSubscriptionExceeded(ctx context.Context, accountID int64, p events.SubscriptionExceededPayload) error {
	return s.flagQuotaExceeded(ctx, accountID, p.DomainAuditID)
}

// tryCompletePageAudit completes a page audit when extraction and every
// required category report full progress. The store transition is
// conditional, so concurrent deliveries race to a single winner and the
// completion notice goes out at most once.
func (s *Session) tryCompletePageAudit(ctx context.Context, accountID int64, rec *domain.AuditRecord) error {
	if !progress.IsPageAuditComplete(rec) {
		return nil
	}

	transitioned, err := s.store.MarkComplete(ctx, rec.ID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark page audit %d complete: %w", rec.ID, err)
	}
	if transitioned {
		s.metrics.PageAuditsCompleted.Inc()
		s.log.Info("page audit complete",
			logger.Int64("audit_record_id", rec.ID),
			logger.String("url", rec.URL),
		)
		if err := s.outbound.PublishCompletion(ctx, events.CompletionNotice{
			AccountID:     accountID,
			AuditRecordID: rec.ID,
			URL:           rec.URL,
			DomainID:      s.cachedDomainID(),
		}); err != nil {
			s.log.Error("publish page completion", logger.Int64("audit_record_id", rec.ID), logger.Error(err))
		}
		s.outbound.BroadcastProgress(ctx, events.ProgressBroadcast{
			AccountID:     accountID,
			AuditRecordID: rec.ID,
			Progress:      1.0,
			Message:       "Audit complete for " + rec.URL,
		})
	}

	if rec.DomainAuditID != nil {
		return s.checkDomainCompletion(ctx, accountID, *rec.DomainAuditID)
	}
	return nil
}

// checkDomainCompletion completes a domain audit once its own extraction has
// settled (finished, or cut short by the quota flag) and every child page
// audit reached a terminal state.
func (s *Session) checkDomainCompletion(ctx context.Context, accountID, domainAuditID int64) error {
	rec, err := s.store.FindByID(ctx, domainAuditID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("completion check for unknown domain audit", logger.Int64("domain_audit_id", domainAuditID))
			return nil
		}
		return fmt.Errorf("reload domain audit %d: %w", domainAuditID, err)
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	children, err := s.store.ListChildPageAudits(ctx, domainAuditID)
	if err != nil {
		return fmt.Errorf("list children of domain audit %d: %w", domainAuditID, err)
	}
	if !progress.IsDomainAuditComplete(rec, children) {
		return nil
	}

	transitioned, err := s.store.MarkComplete(ctx, domainAuditID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark domain audit %d complete: %w", domainAuditID, err)
	}
	if !transitioned {
		return nil
	}

	s.metrics.DomainAuditsCompleted.Inc()
	s.log.Info("domain audit complete",
		logger.Int64("audit_record_id", domainAuditID),
		logger.Int("pages", len(children)),
	)
	if err := s.outbound.PublishCompletion(ctx, events.CompletionNotice{
		AccountID:     accountID,
		AuditRecordID: domainAuditID,
		URL:           rec.URL,
		DomainID:      s.cachedDomainID(),
	}); err != nil {
		s.log.Error("publish domain completion", logger.Int64("audit_record_id", domainAuditID), logger.Error(err))
	}
	s.outbound.BroadcastProgress(ctx, events.ProgressBroadcast{
		AccountID:     accountID,
		AuditRecordID: domainAuditID,
		Progress:      1.0,
		Message:       "Domain audit complete",
	})
	return nil
}
