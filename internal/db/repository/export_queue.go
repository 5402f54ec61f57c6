package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"report-export/internal/domain"
)

var _ domain.ExportQueue = (*ExportQueueRepo)(nil)

// ExportQueueRepo is the durable delivery queue for export jobs. Each entry
// is leased to one worker at a time; a lease that is not extended before it
// expires is reaped and the job is delivered again.
type ExportQueueRepo struct {
	db *sql.DB
}

// NewExportQueueRepo creates an ExportQueueRepo on the write pool.
func NewExportQueueRepo(db *sql.DB) *ExportQueueRepo {
	return &ExportQueueRepo{db: db}
}

// Lease claims the oldest due, unleased entry for workerID and increments its
// attempt count. It returns nil, nil when nothing is due.
func (r *ExportQueueRepo) Lease(ctx context.Context, workerID string, now time.Time, ttl time.Duration) (*domain.QueueEntry, error) {
	now = now.UTC()
	entry := domain.QueueEntry{LeasedBy: workerID}
	err := r.db.QueryRowContext(ctx, `
		UPDATE export_queue
		SET leased_by = ?, lease_expires_at = ?, attempts = attempts + 1
		WHERE job_id = (
			SELECT job_id FROM export_queue
			WHERE leased_by IS NULL AND run_after <= ?
			ORDER BY run_after, created_at, job_id
			LIMIT 1
		)
		RETURNING job_id, attempts, max_attempts
	`, workerID, now.Add(ttl), now).Scan(&entry.JobID, &entry.Attempts, &entry.MaxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease export: %w", err)
	}
	return &entry, nil
}

// Heartbeat extends a lease held by workerID. A ConflictError means the lease
// was lost to the reaper.
func (r *ExportQueueRepo) Heartbeat(ctx context.Context, jobID, workerID string, until time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_queue SET lease_expires_at = ? WHERE job_id = ? AND leased_by = ?
	`, until.UTC(), jobID, workerID)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "lease on export %q lost", jobID)
}

// Requeue releases the lease and schedules the next delivery at runAfter.
func (r *ExportQueueRepo) Requeue(ctx context.Context, jobID string, runAfter time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_queue SET leased_by = NULL, lease_expires_at = NULL, run_after = ?
		WHERE job_id = ?
	`, runAfter.UTC(), jobID)
	if err != nil {
		return mapDBError(err)
	}
	return expectOne(res, "export %q is not queued", jobID)
}

// Remove deletes the entry after a terminal outcome.
func (r *ExportQueueRepo) Remove(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM export_queue WHERE job_id = ?`, jobID)
	return mapDBError(err)
}

// ReapExpiredLeases releases leases whose holder stopped heartbeating.
func (r *ExportQueueRepo) ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_queue SET leased_by = NULL, lease_expires_at = NULL
		WHERE leased_by IS NOT NULL AND lease_expires_at < ?
	`, now.UTC())
	if err != nil {
		return 0, mapDBError(err)
	}
	return res.RowsAffected()
}

// Depth returns the number of queued entries, leased or not.
func (r *ExportQueueRepo) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
