// Package orchestrator contains the audit orchestration engine: event
// ingestion and dispatch, per-audit sessions, progress aggregation and
// completion detection.
package orchestrator

import (
	"context"
	"time"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/events"
)

// RecordStore is the audit record store adapter the engine drives.
// Implemented by store.AuditRecordRepository.
type RecordStore interface {
	FindByID(ctx context.Context, id int64) (*domain.AuditRecord, error)
	FindPageAuditForPage(ctx context.Context, domainAuditID, pageID int64) (*domain.AuditRecord, error)
	Save(ctx context.Context, rec *domain.AuditRecord) (*domain.AuditRecord, error)
	LinkPageAuditToDomainAudit(ctx context.Context, domainAuditID, pageAuditID int64) error
	ListChildPageAudits(ctx context.Context, domainAuditID int64) ([]domain.AuditRecord, error)
	CountChildPageAudits(ctx context.Context, domainAuditID int64) (int, error)
	UpdateCategoryProgress(ctx context.Context, id int64, cat domain.AuditCategory, prog float64, message string) error
	SetDataExtractionProgress(ctx context.Context, id int64, prog float64, message string) error
	SetQuotaExceeded(ctx context.Context, id int64) error
	MarkComplete(ctx context.Context, id int64, endTime time.Time) (bool, error)
	MarkErrored(ctx context.Context, id int64, endTime time.Time) (bool, error)
}

// Lookups reads the reference entities the engine consults but never
// mutates. Implemented by store.LookupRepository.
type Lookups interface {
	FindAccountByID(ctx context.Context, id int64) (*domain.Account, error)
	FindDomainByID(ctx context.Context, id int64) (*domain.Domain, error)
	FindPageStateByID(ctx context.Context, id int64) (*domain.PageState, error)
}

// Outbound publishes the engine's downstream messages.
// Implemented by bus.Publisher.
type Outbound interface {
	PublishInitiation(ctx context.Context, msg events.AuditInitiation) error
	PublishCompletion(ctx context.Context, msg events.CompletionNotice) error
	BroadcastProgress(ctx context.Context, msg events.ProgressBroadcast)
}
