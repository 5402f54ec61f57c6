package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-export/internal/db"
	"report-export/internal/domain"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newJob(owner string) *domain.ReportJob {
	return &domain.ReportJob{
		OwnerID:    owner,
		ReportType: domain.ReportDetail,
		Format:     domain.FormatXLSX,
		Filters:    domain.Filters{"date_from": "2026-01-01", "date_to": "2026-01-31"},
		AsOf:       t0,
		CreatedAt:  t0,
	}
}

func newRepos(t *testing.T) (*ReportJobRepo, *ExportQueueRepo) {
	t.Helper()
	w, r := db.OpenTestSQLite(t)
	return NewReportJobRepo(w, r), NewExportQueueRepo(w)
}

func TestReportJobRepo_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, queue := newRepos(t)

	created, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	assert.Equal(t, domain.JobQueued, created.Status)
	assert.Equal(t, int64(0), created.ProcessedRows)
	assert.Nil(t, created.TotalRows)
	assert.Equal(t, "2026-01-01", created.Filters.String("date_from"))
	assert.True(t, created.AsOf.Equal(t0))
	assert.False(t, created.HasCheckpoint())

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	_, err = jobs.GetByID(ctx, "missing")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestReportJobRepo_AdmissionRejectsAtCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	for i := 0; i < 5; i++ {
		_, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
		require.NoError(t, err)
	}

	_, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	var quota *domain.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 5, quota.Current)
	assert.Equal(t, 5, quota.Max)

	// Other owners are unaffected.
	_, err = jobs.CreateAdmitted(ctx, newJob("bob"), 5, 3)
	require.NoError(t, err)

	_, total, err := jobs.ListByOwner(ctx, "alice", domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestReportJobRepo_AdmissionConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	const attempts = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := jobs.CreateAdmitted(ctx, newJob("carol"), 5, 3)
			mu.Lock()
			defer mu.Unlock()
			var quota *domain.QuotaExceededError
			switch {
			case err == nil:
				admitted++
			case assert.ErrorAs(t, err, &quota):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, attempts-5, rejected)

	_, total, err := jobs.ListByOwner(ctx, "carol", domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestReportJobRepo_RunningLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)

	running, err := jobs.MarkRunning(ctx, job.ID, true, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	require.NoError(t, jobs.SetTotal(ctx, job.ID, 12500, t0))
	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 5000, 40, "chunk 1 of 3", t0))

	cp, err := domain.EncodeCheckpoint(domain.Checkpoint{ProcessedRows: 5000, Section: "chunk 1 of 3", WindowSize: 5000})
	require.NoError(t, err)
	require.NoError(t, jobs.SaveCheckpoint(ctx, job.ID, cp, false, t0))

	loaded, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.TotalRows)
	assert.Equal(t, int64(12500), *loaded.TotalRows)
	assert.Equal(t, int64(5000), loaded.ProcessedRows)
	assert.Equal(t, 40, loaded.ProgressPercent)
	assert.Equal(t, 0, loaded.RetryCount)
	assert.True(t, loaded.HasCheckpoint())

	pages := 12
	expires := t0.Add(24 * time.Hour)
	require.NoError(t, jobs.MarkCompleted(ctx, job.ID, domain.CompletedExport{
		Location: "file:///tmp/a.pdf", SizeBytes: 2048, PageCount: &pages, HasTOC: true,
		ProcessedRows: 12500, ExpiresAt: expires,
	}, t0.Add(time.Hour)))

	done, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.False(t, done.HasCheckpoint())
	require.NotNil(t, done.ArtifactSize)
	assert.Equal(t, int64(2048), *done.ArtifactSize)
	require.NotNil(t, done.PageCount)
	assert.Equal(t, 12, *done.PageCount)
	assert.True(t, done.HasTOC)
	require.NotNil(t, done.ExpiresAt)
	assert.True(t, done.ExpiresAt.Equal(expires))

	// Terminal jobs cannot be completed twice.
	err = jobs.MarkCompleted(ctx, job.ID, domain.CompletedExport{Location: "x"}, t0)
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestReportJobRepo_FailureCheckpointIncrementsRetryCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, job.ID, true, t0)
	require.NoError(t, err)

	cp := json.RawMessage(`{"version":1,"processed_rows":7500,"last_error":"boom"}`)
	require.NoError(t, jobs.SaveCheckpoint(ctx, job.ID, cp, true, t0))
	require.NoError(t, jobs.MarkFailed(ctx, job.ID, "boom", t0))

	loaded, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, loaded.Status)
	assert.Equal(t, 1, loaded.RetryCount)
	require.NotNil(t, loaded.LastError)
	assert.Equal(t, "boom", *loaded.LastError)

	// Resume keeps the start time and progress.
	resumed, err := jobs.MarkRunning(ctx, job.ID, false, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, resumed.Status)
	assert.Nil(t, resumed.LastError)
	require.NotNil(t, resumed.StartedAt)
	assert.True(t, resumed.StartedAt.Equal(t0))
}

func TestReportJobRepo_ProgressNeverDecreasesWhileRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, job.ID, true, t0)
	require.NoError(t, err)
	require.NoError(t, jobs.SetTotal(ctx, job.ID, 12500, t0))
	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 10000, 80, "chunk 2 of 3", t0))

	// A redelivered run resumes from an older checkpoint.
	_, err = jobs.MarkRunning(ctx, job.ID, false, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 5000, 40, "chunk 1 of 3", t0.Add(time.Minute)))

	loaded, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), loaded.ProcessedRows)
	assert.Equal(t, 80, loaded.ProgressPercent)
	assert.Equal(t, "chunk 2 of 3", loaded.CurrentSection)

	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 12500, 100, "chunk 3 of 3", t0.Add(2*time.Minute)))
	loaded, err = jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12500), loaded.ProcessedRows)
	assert.Equal(t, "chunk 3 of 3", loaded.CurrentSection)

	// A fresh run starts from zero again.
	_, err = jobs.MarkRunning(ctx, job.ID, true, t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 5000, 40, "chunk 1 of 3", t0.Add(3*time.Minute)))
	loaded, err = jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), loaded.ProcessedRows)
}

func TestReportJobRepo_CancelBeatsCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, queue := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)
	entry, err := queue.Lease(ctx, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	_, err = jobs.MarkRunning(ctx, job.ID, true, t0)
	require.NoError(t, err)

	cancelled, err := jobs.Cancel(ctx, job.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, cancelled.Status)
	assert.True(t, cancelled.Cancelled)
	require.NotNil(t, cancelled.LastError)
	assert.Equal(t, domain.CancelledReason, *cancelled.LastError)

	ok, err := jobs.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// The leased entry stays for the worker to clean up.
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	err = jobs.MarkCompleted(ctx, job.ID, domain.CompletedExport{Location: "x"}, t0)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, jobs.MarkFailed(ctx, job.ID, "late failure", t0))
	loaded, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CancelledReason, *loaded.LastError)

	_, err = jobs.MarkRunning(ctx, job.ID, false, t0)
	assert.ErrorAs(t, err, &conflict)
}

func TestReportJobRepo_CancelQueuedRemovesEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, queue := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)

	_, err = jobs.Cancel(ctx, job.ID, t0)
	require.NoError(t, err)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	// Cancelling again is idempotent.
	again, err := jobs.Cancel(ctx, job.ID, t0)
	require.NoError(t, err)
	assert.True(t, again.Cancelled)

	// A cancelled job frees its quota slot.
	for i := 0; i < 5; i++ {
		_, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
		require.NoError(t, err)
	}
}

func TestReportJobRepo_CancelCompletedConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, queue := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, job.ID, true, t0)
	require.NoError(t, err)
	require.NoError(t, jobs.MarkCompleted(ctx, job.ID, domain.CompletedExport{Location: "x", ExpiresAt: t0}, t0))
	require.NoError(t, queue.Remove(ctx, job.ID))

	_, err = jobs.Cancel(ctx, job.ID, t0)
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestReportJobRepo_RequeueFailedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, queue := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, job.ID, true, t0)
	require.NoError(t, err)
	require.NoError(t, jobs.MarkFailed(ctx, job.ID, "export failed after 3 attempts: disk full", t0))
	require.NoError(t, queue.Remove(ctx, job.ID))

	requeued, err := jobs.Requeue(ctx, job.ID, 5, 3, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, requeued.Status)
	assert.Nil(t, requeued.LastError)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Already queued.
	_, err = jobs.Requeue(ctx, job.ID, 5, 3, t0)
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestReportJobRepo_DeleteOnlyTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)

	err = jobs.Delete(ctx, job.ID)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = jobs.Cancel(ctx, job.ID, t0)
	require.NoError(t, err)
	require.NoError(t, jobs.Delete(ctx, job.ID))

	err = jobs.Delete(ctx, job.ID)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestReportJobRepo_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	job, err := jobs.CreateAdmitted(ctx, newJob("alice"), 5, 3)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, job.ID, true, t0)
	require.NoError(t, err)
	require.NoError(t, jobs.MarkCompleted(ctx, job.ID, domain.CompletedExport{
		Location: "x", ExpiresAt: t0.Add(24 * time.Hour),
	}, t0))

	due, err := jobs.ListExpirable(ctx, t0.Add(23*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = jobs.ListExpirable(ctx, t0.Add(25*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, jobs.MarkExpired(ctx, job.ID, t0.Add(25*time.Hour)))
	loaded, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Expired)

	due, err = jobs.ListExpirable(ctx, t0.Add(25*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestReportJobRepo_ListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	jobs, _ := newRepos(t)

	var ids []string
	for i := 0; i < 3; i++ {
		j := newJob("dave")
		j.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		created, err := jobs.CreateAdmitted(ctx, j, 5, 3)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	page, total, err := jobs.ListByOwner(ctx, "dave", domain.PageRequest{MaxResults: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	token := domain.NextPageToken(0, 2, total)
	rest, _, err := jobs.ListByOwner(ctx, "dave", domain.PageRequest{MaxResults: 2, PageToken: token})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)
}
