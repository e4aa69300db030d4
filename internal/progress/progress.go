// Package progress implements progress aggregation and the page/domain
// completion predicates.
package progress

import "github.com/north-cloud/audit-orchestrator/internal/domain"

// complete is the progress fraction at which a signal counts as finished.
const complete = 1.0

// MergeCategoryProgress folds an incoming category update into the record.
// Progress is clamped non-decreasing per category, so a reordered redelivery
// cannot roll a record backwards. The message is updated whenever the
// incoming progress is accepted.
func MergeCategoryProgress(rec *domain.AuditRecord, cat domain.AuditCategory, incoming float64, message string) {
	if rec.CategoryProgress == nil {
		rec.CategoryProgress = make(map[domain.AuditCategory]domain.CategoryProgress)
	}
	current := rec.CategoryProgress[cat]
	if incoming < current.Progress {
		return
	}
	rec.CategoryProgress[cat] = domain.CategoryProgress{
		Progress: incoming,
		Message:  message,
	}
}

// RequiredCategories maps a checklist of audit names to the set of categories
// whose progress gates page completion.
func RequiredCategories(names []domain.AuditName) map[domain.AuditCategory]bool {
	required := make(map[domain.AuditCategory]bool, len(names))
	for _, name := range names {
		required[name.Category()] = true
	}
	return required
}

// IsPageAuditComplete reports whether a page audit record has every required
// progress signal at 1.0: data extraction finished and every category implied
// by the record's checklist fully reported.
func IsPageAuditComplete(rec *domain.AuditRecord) bool {
	if !rec.IsPageAudit() {
		return false
	}
	if rec.DataExtractionProgress < complete {
		return false
	}
	for cat := range RequiredCategories(rec.AuditNames) {
		if rec.ProgressFor(cat).Progress < complete {
			return false
		}
	}
	return true
}

// IsDomainAuditComplete reports whether a domain audit record is finished:
// every currently-known child page audit is terminal, and either the domain's
// own data extraction reached 1.0 (no more pages are expected) or the quota
// gate stopped new pages from starting. Children are re-queried by the caller
// on every check, so a child added after the others finish delays completion.
func IsDomainAuditComplete(rec *domain.AuditRecord, children []domain.AuditRecord) bool {
	if !rec.IsDomainAudit() {
		return false
	}
	if rec.DataExtractionProgress < complete && !rec.QuotaExceeded {
		return false
	}
	for i := range children {
		if !children[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// OverallProgress averages data extraction and the required category
// fractions into one UI-facing number.
func OverallProgress(rec *domain.AuditRecord) float64 {
	required := RequiredCategories(rec.AuditNames)
	total := rec.DataExtractionProgress
	count := 1
	for cat := range required {
		total += rec.ProgressFor(cat).Progress
		count++
	}
	return total / float64(count)
}
