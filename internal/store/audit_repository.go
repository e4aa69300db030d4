package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
)

// auditSelectList is the column list for SELECT/RETURNING on audit_records
// (single source for schema changes)
const auditSelectList = `id, kind, status, start_time, end_time,
			category_progress, data_extraction_progress, data_extraction_message,
			audit_names, url, page_id, domain_audit_id, total_pages, quota_exceeded`

// AuditRecordRepository manages audit records in PostgreSQL.
// All methods surface store failures to the caller; retries are driven by bus
// redelivery, never inside the repository.
type AuditRecordRepository struct {
	db *sql.DB
}

// NewAuditRecordRepository creates a new repository
func NewAuditRecordRepository(db *sql.DB) *AuditRecordRepository {
	return &AuditRecordRepository{db: db}
}

// FindByID returns the audit record with the given id, or domain.ErrNotFound.
func (r *AuditRecordRepository) FindByID(ctx context.Context, id int64) (*domain.AuditRecord, error) {
	query := `SELECT ` + auditSelectList + ` FROM audit_records WHERE id = $1`

	rec, err := scanAuditRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find audit record %d: %w", id, err)
	}
	return rec, nil
}

// FindPageAuditForPage returns the page audit record for (domainAuditID,
// pageID), or domain.ErrNotFound. Pass domain.NotApplicable as domainAuditID
// to look up a page audit created outside any domain audit. This is the
// dedup query backing idempotent page intake.
func (r *AuditRecordRepository) FindPageAuditForPage(ctx context.Context, domainAuditID, pageID int64) (*domain.AuditRecord, error) {
	query := `SELECT ` + auditSelectList + `
		FROM audit_records
		WHERE kind = 'page' AND page_id = $2
		  AND ($1 < 0 AND domain_audit_id IS NULL OR domain_audit_id = $1)
		ORDER BY id
		LIMIT 1`

	rec, err := scanAuditRecord(r.db.QueryRowContext(ctx, query, domainAuditID, pageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find page audit for page %d: %w", pageID, err)
	}
	return rec, nil
}

// FindPageAuditForURL returns the page audit record for (domainAuditID, url),
// or domain.ErrNotFound.
func (r *AuditRecordRepository) FindPageAuditForURL(ctx context.Context, domainAuditID int64, url string) (*domain.AuditRecord, error) {
	query := `SELECT ` + auditSelectList + `
		FROM audit_records
		WHERE kind = 'page' AND url = $2
		  AND ($1 < 0 AND domain_audit_id IS NULL OR domain_audit_id = $1)
		ORDER BY id
		LIMIT 1`

	rec, err := scanAuditRecord(r.db.QueryRowContext(ctx, query, domainAuditID, url))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find page audit for url %s: %w", url, err)
	}
	return rec, nil
}

// Save upserts the record. A record with id 0 is inserted and returned with
// its store-assigned id; otherwise the full row is updated.
func (r *AuditRecordRepository) Save(ctx context.Context, rec *domain.AuditRecord) (*domain.AuditRecord, error) {
	catJSON, err := json.Marshal(rec.CategoryProgress)
	if err != nil {
		return nil, fmt.Errorf("marshal category progress: %w", err)
	}
	names := make([]string, len(rec.AuditNames))
	for i, n := range rec.AuditNames {
		names[i] = string(n)
	}
	var endTime sql.NullTime
	if rec.EndTime != nil {
		endTime = sql.NullTime{Time: *rec.EndTime, Valid: true}
	}
	var domainAuditID sql.NullInt64
	if rec.DomainAuditID != nil {
		domainAuditID = sql.NullInt64{Int64: *rec.DomainAuditID, Valid: true}
	}

	if rec.ID == 0 {
		query := `
			INSERT INTO audit_records (kind, status, start_time, end_time,
				category_progress, data_extraction_progress, data_extraction_message,
				audit_names, url, page_id, domain_audit_id, total_pages, quota_exceeded)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id`

		insertErr := r.db.QueryRowContext(ctx, query,
			string(rec.Kind), string(rec.Status), rec.StartTime, endTime,
			catJSON, rec.DataExtractionProgress, rec.DataExtractionMessage,
			pq.Array(names), rec.URL, rec.PageID, domainAuditID,
			rec.TotalPages, rec.QuotaExceeded,
		).Scan(&rec.ID)
		if insertErr != nil {
			return nil, fmt.Errorf("insert audit record: %w", insertErr)
		}
		return rec, nil
	}

	query := `
		UPDATE audit_records
		SET status = $2, end_time = $3, category_progress = $4,
		    data_extraction_progress = $5, data_extraction_message = $6,
		    audit_names = $7, url = $8, page_id = $9, domain_audit_id = $10,
		    total_pages = $11, quota_exceeded = $12
		WHERE id = $1`

	if execErr := r.execExpectOneRow(ctx, query,
		rec.ID, string(rec.Status), endTime, catJSON,
		rec.DataExtractionProgress, rec.DataExtractionMessage,
		pq.Array(names), rec.URL, rec.PageID, domainAuditID,
		rec.TotalPages, rec.QuotaExceeded,
	); execErr != nil {
		if errors.Is(execErr, domain.ErrNotFound) {
			return nil, execErr
		}
		return nil, fmt.Errorf("update audit record %d: %w", rec.ID, execErr)
	}
	return rec, nil
}

// LinkPageAuditToDomainAudit refreshes the parent's known page count from its
// linked children. The parent/child edge itself is written by Save, in the
// same statement that inserts the page row; the schema backs this up with a
// partial unique index on (domain_audit_id, page_id) for page rows, so a
// racing insert fails and the redelivered event lands on the dedup lookup.
func (r *AuditRecordRepository) LinkPageAuditToDomainAudit(ctx context.Context, domainAuditID, pageAuditID int64) error {
	countQuery := `
		UPDATE audit_records
		SET total_pages = (SELECT COUNT(*) FROM audit_records c WHERE c.domain_audit_id = $1)
		WHERE id = $1 AND kind = 'domain'`
	if _, err := r.db.ExecContext(ctx, countQuery, domainAuditID); err != nil {
		return fmt.Errorf("update page count for domain audit %d: %w", domainAuditID, err)
	}
	return nil
}

// ListChildPageAudits returns every page audit linked under the domain audit.
func (r *AuditRecordRepository) ListChildPageAudits(ctx context.Context, domainAuditID int64) ([]domain.AuditRecord, error) {
	query := `SELECT ` + auditSelectList + `
		FROM audit_records
		WHERE kind = 'page' AND domain_audit_id = $1
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, domainAuditID)
	if err != nil {
		return nil, fmt.Errorf("list child page audits: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		rec, scanErr := scanAuditRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan child page audit: %w", scanErr)
		}
		records = append(records, *rec)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate child page audits: %w", rowsErr)
	}
	return records, nil
}

// CountChildPageAudits returns how many page audits exist under the domain
// audit. This count feeds the quota gate.
func (r *AuditRecordRepository) CountChildPageAudits(ctx context.Context, domainAuditID int64) (int, error) {
	query := `SELECT COUNT(*) FROM audit_records WHERE kind = 'page' AND domain_audit_id = $1`

	var count int
	if err := r.db.QueryRowContext(ctx, query, domainAuditID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count child page audits: %w", err)
	}
	return count, nil
}

// UpdateCategoryProgress merges one category's progress into the record as a
// single conditional write. The stored fraction is clamped non-decreasing;
// the message is replaced only when the incoming fraction is accepted.
// Concurrent category workers updating the same record serialize here.
func (r *AuditRecordRepository) UpdateCategoryProgress(ctx context.Context, id int64, cat domain.AuditCategory, prog float64, message string) error {
	query := `
		UPDATE audit_records
		SET category_progress = jsonb_set(
			category_progress,
			ARRAY[$2],
			CASE
				WHEN COALESCE((category_progress->$2->>'progress')::float, 0) <= $3::float
					THEN jsonb_build_object('progress', $3::float, 'message', $4::text)
				ELSE category_progress->$2
			END)
		WHERE id = $1`
	if err := r.execExpectOneRow(ctx, query, id, string(cat), prog, message); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update category progress for %d: %w", id, err)
	}
	return nil
}

// SetDataExtractionProgress records data extraction progress, clamped
// non-decreasing like category progress.
func (r *AuditRecordRepository) SetDataExtractionProgress(ctx context.Context, id int64, prog float64, message string) error {
	query := `
		UPDATE audit_records
		SET data_extraction_progress = GREATEST(data_extraction_progress, $2),
		    data_extraction_message = CASE WHEN data_extraction_progress <= $2 THEN $3 ELSE data_extraction_message END
		WHERE id = $1`
	if err := r.execExpectOneRow(ctx, query, id, prog, message); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("set data extraction progress for %d: %w", id, err)
	}
	return nil
}

// SetQuotaExceeded flags a domain audit so the completion detector stops
// waiting for pages that were never started.
func (r *AuditRecordRepository) SetQuotaExceeded(ctx context.Context, id int64) error {
	query := `UPDATE audit_records SET quota_exceeded = TRUE WHERE id = $1 AND kind = 'domain'`
	if err := r.execExpectOneRow(ctx, query, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("set quota exceeded for %d: %w", id, err)
	}
	return nil
}

// MarkComplete transitions the record to COMPLETE exactly once. The guard on
// non-terminal status makes the transition idempotent under redelivery: only
// the write that actually flips the status returns true, and completion side
// effects hang off that return. Progress fractions are forced to 1.0 as part
// of the same write.
func (r *AuditRecordRepository) MarkComplete(ctx context.Context, id int64, endTime time.Time) (bool, error) {
	query := `
		UPDATE audit_records
		SET status = 'COMPLETE',
		    end_time = $2,
		    data_extraction_progress = 1.0,
		    category_progress = (
			SELECT COALESCE(jsonb_object_agg(key, jsonb_build_object('progress', 1.0, 'message', value->>'message')), '{}'::jsonb)
			FROM jsonb_each(category_progress)
		    )
		WHERE id = $1 AND status NOT IN ('COMPLETE', 'ERROR')`

	result, err := r.db.ExecContext(ctx, query, id, endTime)
	if err != nil {
		return false, fmt.Errorf("mark complete %d: %w", id, err)
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return false, fmt.Errorf("get affected rows: %w", rowsErr)
	}
	return rows == 1, nil
}

// MarkErrored transitions the record to ERROR exactly once, same shape as
// MarkComplete. A record already COMPLETE stays COMPLETE; a record that would
// otherwise complete stays ERROR, which is the tie-break.
func (r *AuditRecordRepository) MarkErrored(ctx context.Context, id int64, endTime time.Time) (bool, error) {
	query := `
		UPDATE audit_records
		SET status = 'ERROR', end_time = $2
		WHERE id = $1 AND status NOT IN ('COMPLETE', 'ERROR')`

	result, err := r.db.ExecContext(ctx, query, id, endTime)
	if err != nil {
		return false, fmt.Errorf("mark errored %d: %w", id, err)
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return false, fmt.Errorf("get affected rows: %w", rowsErr)
	}
	return rows == 1, nil
}

// execExpectOneRow runs an exec and returns domain.ErrNotFound when no row was affected
func (r *AuditRecordRepository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanAuditRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditRecord(row rowScanner) (*domain.AuditRecord, error) {
	var (
		rec           domain.AuditRecord
		kind          string
		status        string
		endTime       sql.NullTime
		catJSON       []byte
		names         []string
		domainAuditID sql.NullInt64
	)

	err := row.Scan(
		&rec.ID, &kind, &status, &rec.StartTime, &endTime,
		&catJSON, &rec.DataExtractionProgress, &rec.DataExtractionMessage,
		pq.Array(&names), &rec.URL, &rec.PageID, &domainAuditID,
		&rec.TotalPages, &rec.QuotaExceeded,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = domain.RecordKind(kind)
	rec.Status = domain.ExecutionStatus(status)
	if endTime.Valid {
		t := endTime.Time
		rec.EndTime = &t
	}
	if domainAuditID.Valid {
		id := domainAuditID.Int64
		rec.DomainAuditID = &id
	}
	if len(catJSON) > 0 {
		if unmarshalErr := json.Unmarshal(catJSON, &rec.CategoryProgress); unmarshalErr != nil {
			return nil, fmt.Errorf("decode category progress: %w", unmarshalErr)
		}
	}
	rec.AuditNames = make([]domain.AuditName, len(names))
	for i, n := range names {
		rec.AuditNames[i] = domain.AuditName(n)
	}
	return &rec, nil
}
