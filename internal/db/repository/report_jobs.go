package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"report-export/internal/domain"
)

var _ domain.ReportJobRepository = (*ReportJobRepo)(nil)

const jobColumns = `id, owner_id, report_type, format, filters_json, status, total_rows, processed_rows,
	progress_percent, current_section, retry_count, last_error, artifact_location, artifact_size,
	page_count, has_toc, cancelled, expired, checkpoint_json, as_of, created_at, updated_at,
	started_at, finished_at, expires_at`

// ReportJobRepo stores report export jobs in SQLite. Mutations go through the
// single-connection write pool so admission and state transitions serialize.
type ReportJobRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewReportJobRepo creates a ReportJobRepo. read may equal write.
func NewReportJobRepo(write, read *sql.DB) *ReportJobRepo {
	if read == nil {
		read = write
	}
	return &ReportJobRepo{write: write, read: read}
}

// CreateAdmitted counts the owner's queued and running jobs and, if below
// maxActive, inserts the job and its queue entry in the same transaction.
func (r *ReportJobRepo) CreateAdmitted(ctx context.Context, job *domain.ReportJob, maxActive, maxAttempts int) (*domain.ReportJob, error) {
	if job == nil {
		return nil, domain.ErrValidation("report job is required")
	}
	if job.ID == "" {
		job.ID = domain.NewID()
	}
	filtersJSON, err := json.Marshal(job.Filters)
	if err != nil {
		return nil, fmt.Errorf("marshal filters: %w", err)
	}

	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin admission: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	active, err := countActive(ctx, tx, job.OwnerID)
	if err != nil {
		return nil, err
	}
	if active >= maxActive {
		return nil, &domain.QuotaExceededError{Current: active, Max: maxActive}
	}

	now := job.CreatedAt.UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO report_jobs (id, owner_id, report_type, format, filters_json, status,
			processed_rows, progress_percent, current_section, retry_count, as_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, '', 0, ?, ?, ?)
	`, job.ID, job.OwnerID, string(job.ReportType), string(job.Format), string(filtersJSON),
		string(domain.JobQueued), job.AsOf.UTC(), now, now)
	if err != nil {
		return nil, mapDBError(err)
	}
	if err := insertQueueEntry(ctx, tx, job.ID, maxAttempts, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit admission: %w", err)
	}
	return r.GetByID(ctx, job.ID)
}

// GetByID returns a job by id.
func (r *ReportJobRepo) GetByID(ctx context.Context, id string) (*domain.ReportJob, error) {
	row := r.read.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if _, ok := err.(*domain.NotFoundError); ok {
			return nil, domain.ErrNotFound("export %q not found", id)
		}
		return nil, err
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, newest first.
func (r *ReportJobRepo) ListByOwner(ctx context.Context, ownerID string, page domain.PageRequest) ([]domain.ReportJob, int64, error) {
	var total int64
	if err := r.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM report_jobs WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := r.read.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM report_jobs
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, ownerID, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []domain.ReportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, total, rows.Err()
}

// Cancel marks a queued, running, or retry-pending job as failed with the
// cancellation reason. An unleased queue entry is removed; a leased one is
// left for the worker, which observes the flag between windows.
func (r *ReportJobRepo) Cancel(ctx context.Context, id string, now time.Time) (*domain.ReportJob, error) {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		status    string
		cancelled bool
		queued    bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT j.status, j.cancelled, EXISTS (SELECT 1 FROM export_queue q WHERE q.job_id = j.id)
		FROM report_jobs j WHERE j.id = ?
	`, id).Scan(&status, &cancelled, &queued)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound("export %q not found", id)
		}
		return nil, fmt.Errorf("load job for cancel: %w", err)
	}
	if cancelled {
		return r.getTx(ctx, tx, id, true)
	}
	switch domain.JobStatus(status) {
	case domain.JobQueued, domain.JobRunning:
	case domain.JobFailed:
		if !queued {
			return nil, domain.ErrConflict("export %q has already failed", id)
		}
	default:
		return nil, domain.ErrConflict("export %q has already completed", id)
	}

	now = now.UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = ?, cancelled = 1, last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND cancelled = 0 AND status IN ('queued', 'running', 'failed')
	`, string(domain.JobFailed), domain.CancelledReason, now, now, id); err != nil {
		return nil, mapDBError(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM export_queue WHERE job_id = ? AND leased_by IS NULL`, id); err != nil {
		return nil, mapDBError(err)
	}
	return r.getTx(ctx, tx, id, true)
}

// Requeue puts a permanently failed, non-cancelled job back on the queue,
// subject to the same admission check as creation.
func (r *ReportJobRepo) Requeue(ctx context.Context, id string, maxActive, maxAttempts int, now time.Time) (*domain.ReportJob, error) {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	job, err := r.getTx(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	var queued bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM export_queue WHERE job_id = ?)`, id).Scan(&queued); err != nil {
		return nil, fmt.Errorf("check queue: %w", err)
	}
	if job.Status != domain.JobFailed || job.Cancelled || queued {
		return nil, domain.ErrConflict("export %q cannot be retried in its current state", id)
	}

	active, err := countActive(ctx, tx, job.OwnerID)
	if err != nil {
		return nil, err
	}
	if active >= maxActive {
		return nil, &domain.QuotaExceededError{Current: active, Max: maxActive}
	}

	now = now.UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = ?, last_error = NULL, finished_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed' AND cancelled = 0
	`, string(domain.JobQueued), now, id); err != nil {
		return nil, mapDBError(err)
	}
	if err := insertQueueEntry(ctx, tx, id, maxAttempts, now); err != nil {
		return nil, err
	}
	return r.getTx(ctx, tx, id, true)
}

// Delete removes a terminal job and any leftover queue entry.
func (r *ReportJobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.write.ExecContext(ctx, `
		DELETE FROM report_jobs
		WHERE id = ? AND status IN ('completed', 'failed')
		  AND NOT EXISTS (SELECT 1 FROM export_queue WHERE job_id = ? AND leased_by IS NOT NULL)
	`, id, id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict("export %q is still in progress", id)
	}
	return nil
}

// MarkRunning moves a leased job to running. A fresh run resets progress and
// start time; a resumed run keeps both. Cancelled or completed jobs are
// rejected with a ConflictError.
func (r *ReportJobRepo) MarkRunning(ctx context.Context, id string, fresh bool, now time.Time) (*domain.ReportJob, error) {
	now = now.UTC()
	var (
		res sql.Result
		err error
	)
	if fresh {
		res, err = r.write.ExecContext(ctx, `
			UPDATE report_jobs
			SET status = 'running', started_at = ?, total_rows = NULL, processed_rows = 0,
			    progress_percent = 0, current_section = '', last_error = NULL, finished_at = NULL,
			    updated_at = ?
			WHERE id = ? AND cancelled = 0 AND status IN ('queued', 'running', 'failed')
		`, now, now, id)
	} else {
		res, err = r.write.ExecContext(ctx, `
			UPDATE report_jobs
			SET status = 'running', started_at = COALESCE(started_at, ?), last_error = NULL,
			    finished_at = NULL, updated_at = ?
			WHERE id = ? AND cancelled = 0 AND status IN ('queued', 'running', 'failed')
		`, now, now, id)
	}
	if err != nil {
		return nil, mapDBError(err)
	}
	if err := expectOne(res, "export %q is not runnable", id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// SetTotal records the row count from the first count pass.
func (r *ReportJobRepo) SetTotal(ctx context.Context, id string, total int64, now time.Time) error {
	res, err := r.write.ExecContext(ctx, `
		UPDATE report_jobs SET total_rows = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, total, now.UTC(), id)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "export %q is not running", id)
}

// UpdateProgress records processed rows, percent, and the section label.
// Progress never moves backwards while running: a redelivered run replaying
// windows past its last checkpoint leaves the stored values in place until
// it catches up.
func (r *ReportJobRepo) UpdateProgress(ctx context.Context, id string, processed int64, percent int, section string, now time.Time) error {
	res, err := r.write.ExecContext(ctx, `
		UPDATE report_jobs
		SET processed_rows = MAX(processed_rows, ?),
		    progress_percent = MAX(progress_percent, ?),
		    current_section = CASE WHEN ? >= processed_rows THEN ? ELSE current_section END,
		    updated_at = ?
		WHERE id = ? AND status = 'running' AND cancelled = 0
	`, processed, percent, processed, section, now.UTC(), id)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "export %q is not running", id)
}

// SaveCheckpoint overwrites the job's checkpoint. Failure checkpoints also
// increment retry_count.
func (r *ReportJobRepo) SaveCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage, failure bool, now time.Time) error {
	res, err := r.write.ExecContext(ctx, `
		UPDATE report_jobs
		SET checkpoint_json = ?, retry_count = retry_count + ?, updated_at = ?
		WHERE id = ?
	`, string(checkpoint), boolToInt(failure), now.UTC(), id)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "export %q not found", id)
}

// ClearCheckpoint drops the checkpoint so the next run starts fresh.
func (r *ReportJobRepo) ClearCheckpoint(ctx context.Context, id string, now time.Time) error {
	_, err := r.write.ExecContext(ctx, `
		UPDATE report_jobs SET checkpoint_json = NULL, updated_at = ? WHERE id = ?
	`, now.UTC(), id)
	return mapDBError(err)
}

// MarkCompleted transitions running → completed. It loses to a concurrent
// cancellation: if the job is no longer running a ConflictError is returned.
func (r *ReportJobRepo) MarkCompleted(ctx context.Context, id string, result domain.CompletedExport, now time.Time) error {
	now = now.UTC()
	res, err := r.write.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = 'completed', processed_rows = ?, progress_percent = 100, current_section = 'completed',
		    artifact_location = ?, artifact_size = ?, page_count = ?, has_toc = ?,
		    checkpoint_json = NULL, last_error = NULL, finished_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND cancelled = 0
	`, result.ProcessedRows, result.Location, result.SizeBytes, nullInt(result.PageCount),
		boolToInt(result.HasTOC), now, result.ExpiresAt.UTC(), now, id)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "export %q is no longer running", id)
}

// MarkFailed records a failure. Jobs cancelled by their owner keep the
// cancellation reason.
func (r *ReportJobRepo) MarkFailed(ctx context.Context, id, message string, now time.Time) error {
	now = now.UTC()
	_, err := r.write.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = 'failed', last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND cancelled = 0 AND status IN ('queued', 'running', 'failed')
	`, message, now, now, id)
	return mapDBError(err)
}

// IsCancelled reports whether the owner has cancelled the job.
func (r *ReportJobRepo) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := r.read.QueryRowContext(ctx, `SELECT cancelled FROM report_jobs WHERE id = ?`, id).Scan(&cancelled)
	if err != nil {
		return false, mapDBError(err)
	}
	return cancelled, nil
}

// ListExpirable returns completed jobs whose download TTL has elapsed but
// which have not been marked expired yet.
func (r *ReportJobRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.ReportJob, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM report_jobs
		WHERE status = 'completed' AND expired = 0 AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []domain.ReportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// MarkExpired flags a completed job's download as expired.
func (r *ReportJobRepo) MarkExpired(ctx context.Context, id string, now time.Time) error {
	_, err := r.write.ExecContext(ctx, `
		UPDATE report_jobs SET expired = 1, updated_at = ? WHERE id = ? AND status = 'completed'
	`, now.UTC(), id)
	return mapDBError(err)
}

func (r *ReportJobRepo) getTx(ctx context.Context, tx *sql.Tx, id string, commit bool) (*domain.ReportJob, error) {
	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE id = ?`, id))
	if err != nil {
		if _, ok := err.(*domain.NotFoundError); ok {
			return nil, domain.ErrNotFound("export %q not found", id)
		}
		return nil, err
	}
	if commit {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
	}
	return job, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countActive(ctx context.Context, q queryer, ownerID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM report_jobs WHERE owner_id = ? AND status IN ('queued', 'running')
	`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func insertQueueEntry(ctx context.Context, tx *sql.Tx, jobID string, maxAttempts int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO export_queue (job_id, attempts, max_attempts, run_after, created_at)
		VALUES (?, 0, ?, ?, ?)
	`, jobID, maxAttempts, now, now)
	if err != nil {
		return mapDBError(err)
	}
	return nil
}

func expectOne(res sql.Result, format string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict(format, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.ReportJob, error) {
	var (
		job                          domain.ReportJob
		reportType, format, status   string
		filtersJSON                  string
		totalRows, artifactSize      sql.NullInt64
		pageCount                    sql.NullInt64
		lastError, location, cpJSON  sql.NullString
		hasTOC, cancelled, expired   bool
		startedAt, finishedAt, expAt sql.NullTime
	)
	err := s.Scan(
		&job.ID, &job.OwnerID, &reportType, &format, &filtersJSON, &status, &totalRows,
		&job.ProcessedRows, &job.ProgressPercent, &job.CurrentSection, &job.RetryCount, &lastError,
		&location, &artifactSize, &pageCount, &hasTOC, &cancelled, &expired, &cpJSON,
		&job.AsOf, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt, &expAt,
	)
	if err != nil {
		return nil, mapDBError(err)
	}

	job.ReportType = domain.ReportType(reportType)
	job.Format = domain.Format(format)
	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(filtersJSON), &job.Filters); err != nil {
		return nil, fmt.Errorf("unmarshal filters: %w", err)
	}
	job.TotalRows = int64Ptr(totalRows)
	job.ArtifactSize = int64Ptr(artifactSize)
	job.PageCount = intPtr(pageCount)
	job.LastError = strPtr(lastError)
	job.ArtifactLocation = strPtr(location)
	job.HasTOC = hasTOC
	job.Cancelled = cancelled
	job.Expired = expired
	if cpJSON.Valid && cpJSON.String != "" {
		job.Checkpoint = json.RawMessage(cpJSON.String)
	}
	job.AsOf = job.AsOf.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.ExpiresAt = timePtr(expAt)
	return &job, nil
}
