package progress_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/progress"
)

func TestMergeCategoryProgress(t *testing.T) {
	tests := []struct {
		name        string
		current     float64
		currentMsg  string
		incoming    float64
		incomingMsg string
		wantProg    float64
		wantMsg     string
	}{
		{"advance", 0.2, "checking links", 0.6, "checking titles", 0.6, "checking titles"},
		{"equal progress still updates message", 0.5, "old", 0.5, "new", 0.5, "new"},
		{"stale update ignored", 0.8, "almost done", 0.3, "late arrival", 0.8, "almost done"},
		{"first report", 0.0, "", 0.1, "starting", 0.1, "starting"},
		{"completion", 0.9, "", 1.0, "done", 1.0, "done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := domain.NewPageAuditRecord("https://example.com", 1, nil)
			rec.CategoryProgress[domain.CategoryContent] = domain.CategoryProgress{
				Progress: tt.current,
				Message:  tt.currentMsg,
			}

			progress.MergeCategoryProgress(rec, domain.CategoryContent, tt.incoming, tt.incomingMsg)

			got := rec.ProgressFor(domain.CategoryContent)
			assert.InDelta(t, tt.wantProg, got.Progress, 1e-9)
			assert.Equal(t, tt.wantMsg, got.Message)
		})
	}
}

func TestMergeCategoryProgressNilMap(t *testing.T) {
	rec := &domain.AuditRecord{Kind: domain.KindPageAudit}
	progress.MergeCategoryProgress(rec, domain.CategoryAesthetics, 0.4, "contrast check")
	assert.InDelta(t, 0.4, rec.ProgressFor(domain.CategoryAesthetics).Progress, 1e-9)
}

func TestRequiredCategories(t *testing.T) {
	required := progress.RequiredCategories([]domain.AuditName{
		domain.AuditAltText,
		domain.AuditParagraphing,
		domain.AuditLinks,
	})

	assert.Len(t, required, 2)
	assert.True(t, required[domain.CategoryContent])
	assert.True(t, required[domain.CategoryInfoArchitecture])
	assert.False(t, required[domain.CategoryAesthetics])
}

func completedPage() *domain.AuditRecord {
	rec := domain.NewPageAuditRecord("https://example.com", 1, nil)
	rec.DataExtractionProgress = 1.0
	for cat := range progress.RequiredCategories(rec.AuditNames) {
		rec.CategoryProgress[cat] = domain.CategoryProgress{Progress: 1.0, Message: "done"}
	}
	return rec
}

func TestIsPageAuditComplete(t *testing.T) {
	t.Run("all signals complete", func(t *testing.T) {
		assert.True(t, progress.IsPageAuditComplete(completedPage()))
	})

	t.Run("extraction unfinished", func(t *testing.T) {
		rec := completedPage()
		rec.DataExtractionProgress = 0.99
		assert.False(t, progress.IsPageAuditComplete(rec))
	})

	t.Run("one category unfinished", func(t *testing.T) {
		rec := completedPage()
		rec.CategoryProgress[domain.CategoryAesthetics] = domain.CategoryProgress{Progress: 0.7}
		assert.False(t, progress.IsPageAuditComplete(rec))
	})

	t.Run("unrequired category ignored", func(t *testing.T) {
		rec := completedPage()
		// Accessibility is not on the default checklist, so its progress
		// does not gate completion.
		rec.CategoryProgress[domain.CategoryAccessibility] = domain.CategoryProgress{Progress: 0.0}
		assert.True(t, progress.IsPageAuditComplete(rec))
	})

	t.Run("narrow checklist", func(t *testing.T) {
		rec := domain.NewPageAuditRecord("https://example.com", 1, []domain.AuditName{domain.AuditLinks})
		rec.DataExtractionProgress = 1.0
		rec.CategoryProgress[domain.CategoryInfoArchitecture] = domain.CategoryProgress{Progress: 1.0}
		assert.True(t, progress.IsPageAuditComplete(rec))
	})

	t.Run("domain record never page complete", func(t *testing.T) {
		rec := domain.NewDomainAuditRecord(nil)
		rec.DataExtractionProgress = 1.0
		assert.False(t, progress.IsPageAuditComplete(rec))
	})
}

func terminalChild(status domain.ExecutionStatus) domain.AuditRecord {
	now := time.Now().UTC()
	return domain.AuditRecord{Kind: domain.KindPageAudit, Status: status, EndTime: &now}
}

func TestIsDomainAuditComplete(t *testing.T) {
	t.Run("extraction done and children settled", func(t *testing.T) {
		rec := domain.NewDomainAuditRecord(nil)
		rec.DataExtractionProgress = 1.0
		children := []domain.AuditRecord{
			terminalChild(domain.StatusComplete),
			terminalChild(domain.StatusError),
		}
		assert.True(t, progress.IsDomainAuditComplete(rec, children))
	})

	t.Run("extraction still running", func(t *testing.T) {
		rec := domain.NewDomainAuditRecord(nil)
		rec.DataExtractionProgress = 0.5
		assert.False(t, progress.IsDomainAuditComplete(rec, nil))
	})

	t.Run("quota exceeded substitutes for extraction", func(t *testing.T) {
		rec := domain.NewDomainAuditRecord(nil)
		rec.DataExtractionProgress = 0.5
		rec.QuotaExceeded = true
		children := []domain.AuditRecord{terminalChild(domain.StatusComplete)}
		assert.True(t, progress.IsDomainAuditComplete(rec, children))
	})

	t.Run("child still in flight", func(t *testing.T) {
		rec := domain.NewDomainAuditRecord(nil)
		rec.DataExtractionProgress = 1.0
		children := []domain.AuditRecord{
			terminalChild(domain.StatusComplete),
			{Kind: domain.KindPageAudit, Status: domain.StatusInProgress},
		}
		assert.False(t, progress.IsDomainAuditComplete(rec, children))
	})

	t.Run("no children yet", func(t *testing.T) {
		rec := domain.NewDomainAuditRecord(nil)
		rec.DataExtractionProgress = 1.0
		assert.True(t, progress.IsDomainAuditComplete(rec, nil))
	})

	t.Run("page record never domain complete", func(t *testing.T) {
		rec := domain.NewPageAuditRecord("https://example.com", 1, nil)
		rec.DataExtractionProgress = 1.0
		assert.False(t, progress.IsDomainAuditComplete(rec, nil))
	})
}

func TestOverallProgress(t *testing.T) {
	rec := domain.NewPageAuditRecord("https://example.com", 1, []domain.AuditName{
		domain.AuditAltText,
		domain.AuditLinks,
		domain.AuditTextBackgroundContrast,
	})
	rec.DataExtractionProgress = 1.0
	rec.CategoryProgress[domain.CategoryContent] = domain.CategoryProgress{Progress: 0.5}
	rec.CategoryProgress[domain.CategoryInfoArchitecture] = domain.CategoryProgress{Progress: 0.25}
	rec.CategoryProgress[domain.CategoryAesthetics] = domain.CategoryProgress{Progress: 0.25}

	// (1.0 + 0.5 + 0.25 + 0.25) / 4
	assert.InDelta(t, 0.5, progress.OverallProgress(rec), 1e-9)
}

func TestOverallProgressCompleted(t *testing.T) {
	assert.InDelta(t, 1.0, progress.OverallProgress(completedPage()), 1e-9)
}
