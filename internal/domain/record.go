package domain

import "time"

// RecordKind discriminates the audit record variants.
type RecordKind string

const (
	// KindPageAudit is an audit of a single page.
	KindPageAudit RecordKind = "page"
	// KindDomainAudit is an audit spanning every page of a domain.
	KindDomainAudit RecordKind = "domain"
)

// NotApplicable is the sentinel id carried by bus messages when an id field
// does not apply, e.g. the domain id on a single-page audit or the reserved
// ids on a data-extraction-complete signal.
const NotApplicable int64 = -1

// CategoryProgress holds one category's progress fraction and its
// human-readable status message.
type CategoryProgress struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

// AuditRecord tracks the progress and status of auditing one page or one
// domain. The Kind field discriminates the variant; page-only and domain-only
// fields are meaningful only on the matching arm.
type AuditRecord struct {
	ID        int64
	Kind      RecordKind
	Status    ExecutionStatus
	StartTime time.Time
	EndTime   *time.Time

	CategoryProgress       map[AuditCategory]CategoryProgress
	DataExtractionProgress float64
	DataExtractionMessage  string

	// Checklist of audits to run, propagated from the domain audit to the
	// page audits created under it.
	AuditNames []AuditName

	// Page audit fields.
	URL           string
	PageID        int64
	DomainAuditID *int64

	// Domain audit fields.
	TotalPages    int
	QuotaExceeded bool
}

// NewPageAuditRecord creates a page audit record in its initial state:
// BUILDING_PAGE, data extraction barely started, every category waiting.
func NewPageAuditRecord(url string, pageID int64, names []AuditName) *AuditRecord {
	if len(names) == 0 {
		names = DefaultAuditNames()
	}
	rec := &AuditRecord{
		Kind:                   KindPageAudit,
		Status:                 StatusBuildingPage,
		StartTime:              time.Now().UTC(),
		CategoryProgress:       make(map[AuditCategory]CategoryProgress),
		DataExtractionProgress: 1.0 / 50.0,
		DataExtractionMessage:  "Creating page record for " + url,
		AuditNames:             names,
		URL:                    url,
		PageID:                 pageID,
	}
	for _, cat := range AllCategories() {
		rec.CategoryProgress[cat] = CategoryProgress{
			Progress: 0.0,
			Message:  "Waiting for data extraction ...",
		}
	}
	return rec
}

// NewDomainAuditRecord creates a domain audit record in its initial state.
func NewDomainAuditRecord(names []AuditName) *AuditRecord {
	if len(names) == 0 {
		names = DefaultAuditNames()
	}
	rec := &AuditRecord{
		Kind:             KindDomainAudit,
		Status:           StatusDataExtracting,
		StartTime:        time.Now().UTC(),
		CategoryProgress: make(map[AuditCategory]CategoryProgress),
		AuditNames:       names,
	}
	for _, cat := range AllCategories() {
		rec.CategoryProgress[cat] = CategoryProgress{Progress: 0.0}
	}
	return rec
}

// IsPageAudit reports whether the record is the page variant.
func (r *AuditRecord) IsPageAudit() bool {
	return r.Kind == KindPageAudit
}

// IsDomainAudit reports whether the record is the domain variant.
func (r *AuditRecord) IsDomainAudit() bool {
	return r.Kind == KindDomainAudit
}

// ProgressFor returns the stored progress for a category, zero-valued when
// the category has never reported.
func (r *AuditRecord) ProgressFor(cat AuditCategory) CategoryProgress {
	if r.CategoryProgress == nil {
		return CategoryProgress{}
	}
	return r.CategoryProgress[cat]
}
