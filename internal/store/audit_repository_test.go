package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
	"github.com/north-cloud/audit-orchestrator/internal/store"
)

var auditColumns = []string{
	"id", "kind", "status", "start_time", "end_time",
	"category_progress", "data_extraction_progress", "data_extraction_message",
	"audit_names", "url", "page_id", "domain_audit_id", "total_pages", "quota_exceeded",
}

func pageAuditRow(id int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows(auditColumns).AddRow(
		id, "page", status, time.Now().UTC(), nil,
		[]byte(`{"CONTENT":{"progress":0.5,"message":"checking alt text"}}`),
		0.5, "extracting body text",
		"{ALT_TEXT,LINKS}", "https://example.com/about", int64(42), int64(7), 0, false,
	)
}

func newRepo(t *testing.T) (*store.AuditRecordRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewAuditRecordRepository(db), mock
}

func TestAuditRecordRepository_FindByID(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE id").
			WithArgs(int64(5)).
			WillReturnRows(pageAuditRow(5, "IN_PROGRESS"))

		rec, err := repo.FindByID(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), rec.ID)
		assert.Equal(t, domain.KindPageAudit, rec.Kind)
		assert.Equal(t, domain.StatusInProgress, rec.Status)
		assert.Equal(t, int64(42), rec.PageID)
		require.NotNil(t, rec.DomainAuditID)
		assert.Equal(t, int64(7), *rec.DomainAuditID)
		assert.Equal(t, []domain.AuditName{domain.AuditAltText, domain.AuditLinks}, rec.AuditNames)
		assert.InDelta(t, 0.5, rec.ProgressFor(domain.CategoryContent).Progress, 1e-9)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing record maps to not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE id").
			WithArgs(int64(99)).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.FindByID(ctx, 99)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRecordRepository_FindPageAuditForPage(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	t.Run("found under domain audit", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM audit_records").
			WithArgs(int64(7), int64(42)).
			WillReturnRows(pageAuditRow(5, "IN_PROGRESS"))

		rec, err := repo.FindPageAuditForPage(ctx, 7, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(5), rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no record", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM audit_records").
			WithArgs(domain.NotApplicable, int64(42)).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.FindPageAuditForPage(ctx, domain.NotApplicable, 42)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRecordRepository_FindPageAuditForURL(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	t.Run("found under domain audit", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM audit_records").
			WithArgs(int64(7), "https://example.com").
			WillReturnRows(pageAuditRow(5, "IN_PROGRESS"))

		rec, err := repo.FindPageAuditForURL(ctx, 7, "https://example.com")
		require.NoError(t, err)
		assert.Equal(t, int64(5), rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no record", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM audit_records").
			WithArgs(domain.NotApplicable, "https://example.com").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.FindPageAuditForURL(ctx, domain.NotApplicable, "https://example.com")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRecordRepository_SaveInsert(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	rec := domain.NewPageAuditRecord("https://example.com", 42, nil)

	mock.ExpectQuery("INSERT INTO audit_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	saved, err := repo.Save(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(11), saved.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordRepository_SaveInsertPersistsParentEdge(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	parentID := int64(7)
	rec := domain.NewPageAuditRecord("https://example.com", 42, nil)
	rec.DomainAuditID = &parentID

	mock.ExpectQuery("INSERT INTO audit_records").
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"https://example.com", int64(42), parentID,
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))

	saved, err := repo.Save(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(12), saved.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordRepository_SaveUpdate(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	rec := domain.NewPageAuditRecord("https://example.com", 42, nil)
	rec.ID = 11

	t.Run("updates existing row", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := repo.Save(ctx, rec)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("vanished row maps to not found", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := repo.Save(ctx, rec)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRecordRepository_LinkPageAuditToDomainAudit(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE audit_records").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.LinkPageAuditToDomainAudit(ctx, 7, 11)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordRepository_UpdateCategoryProgress(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	t.Run("progress accepted", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WithArgs(int64(5), "CONTENT", 0.75, "checking paragraphs").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateCategoryProgress(ctx, 5, domain.CategoryContent, 0.75, "checking paragraphs")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown record", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WithArgs(int64(99), "CONTENT", 0.75, "checking paragraphs").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateCategoryProgress(ctx, 99, domain.CategoryContent, 0.75, "checking paragraphs")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRecordRepository_SetDataExtractionProgress(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE audit_records").
		WithArgs(int64(5), 1.0, "Data extraction complete").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetDataExtractionProgress(ctx, 5, 1.0, "Data extraction complete")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordRepository_SetQuotaExceeded(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE audit_records SET quota_exceeded").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetQuotaExceeded(ctx, 7)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordRepository_MarkComplete(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()
	endTime := time.Now().UTC()

	t.Run("first transition wins", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WillReturnResult(sqlmock.NewResult(0, 1))

		transitioned, err := repo.MarkComplete(ctx, 5, endTime)
		require.NoError(t, err)
		assert.True(t, transitioned)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already terminal is a no-op", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WillReturnResult(sqlmock.NewResult(0, 0))

		transitioned, err := repo.MarkComplete(ctx, 5, endTime)
		require.NoError(t, err)
		assert.False(t, transitioned)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WillReturnError(sql.ErrConnDone)

		_, err := repo.MarkComplete(ctx, 5, endTime)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuditRecordRepository_MarkErrored(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()
	endTime := time.Now().UTC()

	t.Run("first transition wins", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WithArgs(int64(5), endTime).
			WillReturnResult(sqlmock.NewResult(0, 1))

		transitioned, err := repo.MarkErrored(ctx, 5, endTime)
		require.NoError(t, err)
		assert.True(t, transitioned)
	})

	t.Run("completed record stays completed", func(t *testing.T) {
		mock.ExpectExec("UPDATE audit_records").
			WithArgs(int64(5), endTime).
			WillReturnResult(sqlmock.NewResult(0, 0))

		transitioned, err := repo.MarkErrored(ctx, 5, endTime)
		require.NoError(t, err)
		assert.False(t, transitioned)
	})
}

func TestAuditRecordRepository_CountChildPageAudits(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT COUNT(.+) FROM audit_records").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountChildPageAudits(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordRepository_ListChildPageAudits(t *testing.T) {
	repo, mock := newRepo(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(auditColumns).
		AddRow(
			int64(5), "page", "COMPLETE", time.Now().UTC(), time.Now().UTC(),
			[]byte(`{}`), 1.0, "done",
			"{ALT_TEXT}", "https://example.com/a", int64(1), int64(7), 0, false,
		).
		AddRow(
			int64(6), "page", "IN_PROGRESS", time.Now().UTC(), nil,
			[]byte(`{}`), 0.2, "extracting",
			"{ALT_TEXT}", "https://example.com/b", int64(2), int64(7), 0, false,
		)

	mock.ExpectQuery("SELECT (.+) FROM audit_records").
		WithArgs(int64(7)).
		WillReturnRows(rows)

	children, err := repo.ListChildPageAudits(ctx, 7)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, domain.StatusComplete, children[0].Status)
	assert.NotNil(t, children[0].EndTime)
	assert.Equal(t, domain.StatusInProgress, children[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
