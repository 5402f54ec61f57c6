package export

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"report-export/internal/db"
	"report-export/internal/db/repository"
	"report-export/internal/domain"
	"report-export/internal/service/planner"
	"report-export/internal/service/render"
	"report-export/internal/service/rowsource"
	"report-export/internal/testutil"
)

var (
	created    = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
	orderStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	march      = domain.Filters{"date_from": "2026-03-01", "date_to": "2026-03-31"}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	jobs     *repository.ReportJobRepo
	queue    *repository.ExportQueueRepo
	rows     *testutil.FlakyRowSource
	store    *testutil.MemoryStore
	planners *planner.Registry
	engine   *Engine
	seed     *testutil.Seeder
	workDir  string
	write    *sql.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t)
	h := &harness{
		jobs:     repository.NewReportJobRepo(writeDB, readDB),
		queue:    repository.NewExportQueueRepo(writeDB),
		rows:     &testutil.FlakyRowSource{Inner: rowsource.New(readDB)},
		store:    testutil.NewMemoryStore(),
		planners: planner.NewRegistry(planner.Options{RowsPerPage: 20, TOCEntriesPerPage: 40}),
		seed:     testutil.NewSeeder(t, writeDB),
		workDir:  t.TempDir(),
		write:    writeDB,
	}
	h.engine = NewEngine(EngineDeps{
		Jobs:     h.jobs,
		Rows:     h.rows,
		Planners: h.planners,
		Store:    h.store,
		Pages:    render.PDFRenderer{RowsPerPage: 20, TOCEntriesPerPage: 40},
		Merger:   render.Merger{},
		Sheets:   render.XLSXWriter{Creator: "test"},
		Logger:   quietLogger(),
	}, EngineConfig{WorkDir: h.workDir})
	h.engine.SetClock(func() time.Time { return created.Add(time.Minute) })
	return h
}

func (h *harness) create(t *testing.T, rt domain.ReportType, format domain.Format, f domain.Filters) *domain.ReportJob {
	t.Helper()
	job, err := h.jobs.CreateAdmitted(context.Background(), &domain.ReportJob{
		OwnerID:    "alice",
		ReportType: rt,
		Format:     format,
		Filters:    f,
		AsOf:       created,
		CreatedAt:  created,
	}, 5, 3)
	require.NoError(t, err)
	return job
}

func (h *harness) reload(t *testing.T, id string) *domain.ReportJob {
	t.Helper()
	job, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) sheetRows(t *testing.T, job *domain.ReportJob) [][]string {
	t.Helper()
	require.NotNil(t, job.ArtifactLocation)
	data, ok := h.store.Object(*job.ArtifactLocation)
	require.True(t, ok)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	rows, err := f.GetRows("Report")
	require.NoError(t, err)
	return rows
}

func seedOrders(h *harness, n int) {
	h.seed.Region(1, "North")
	h.seed.Customer(1, "Alpha", 1)
	h.seed.Orders(n, 1, 1, orderStart)
}

func TestEngine_ResumeAfterFailureDoesNotRepeatWindows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	seedOrders(h, 12500)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)

	h.rows.FailOn = func(call int) bool { return call == 3 }
	res := h.engine.Run(ctx, job)
	require.Equal(t, OutcomeTransient, res.Outcome)
	require.ErrorIs(t, res.Err, testutil.ErrInjected)
	assert.Equal(t, []int64{0, 5000}, h.rows.Offsets())
	assert.Equal(t, 1, h.rows.Counts())

	failed := h.reload(t, job.ID)
	assert.Equal(t, domain.JobFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	require.NotNil(t, failed.TotalRows)
	assert.Equal(t, int64(12500), *failed.TotalRows)
	assert.Equal(t, int64(10000), failed.ProcessedRows)
	assert.Equal(t, 1, failed.RetryCount)
	cp, err := domain.DecodeCheckpoint(failed.Checkpoint)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(10000), cp.ProcessedRows)
	assert.Equal(t, "chunk 2 of 3", cp.Section)
	assert.NotEmpty(t, cp.LastError)

	h.rows.FailOn = nil
	h.rows.Reset()
	res = h.engine.Run(ctx, failed)
	require.Equal(t, OutcomeCompleted, res.Outcome, "%v", res.Err)
	assert.Equal(t, []int64{10000}, h.rows.Offsets(), "only the last window is fetched")
	assert.Equal(t, 0, h.rows.Counts(), "resume skips the count pass")

	done := h.reload(t, job.ID)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, int64(12500), done.ProcessedRows)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.False(t, done.HasCheckpoint())
	require.NotNil(t, done.ExpiresAt)
	assert.True(t, done.ExpiresAt.Equal(created.Add(time.Minute+24*time.Hour)))
	require.NotNil(t, done.ArtifactSize)
	assert.Positive(t, *done.ArtifactSize)

	resumed := h.sheetRows(t, done)
	require.Len(t, resumed, 12501)
	seen := make(map[string]bool, 12500)
	for _, r := range resumed[1:] {
		require.False(t, seen[r[0]], "row %s repeated", r[0])
		seen[r[0]] = true
	}

	// the same export without interruption
	clean := newHarness(t)
	seedOrders(clean, 12500)
	cleanJob := clean.create(t, domain.ReportDetail, domain.FormatXLSX, march)
	res = clean.engine.Run(ctx, cleanJob)
	require.Equal(t, OutcomeCompleted, res.Outcome, "%v", res.Err)
	assert.Equal(t, clean.sheetRows(t, clean.reload(t, cleanJob.ID)), resumed)

	_, err = os.Stat(filepath.Join(h.workDir, job.ID))
	assert.True(t, os.IsNotExist(err), "work dir removed")
}

func TestEngine_ZeroRowsCompletesWithEmptyArtifact(t *testing.T) {
	t.Parallel()
	for _, format := range []domain.Format{domain.FormatXLSX, domain.FormatPDF} {
		t.Run(string(format), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			job := h.create(t, domain.ReportDetail, format, march)

			res := h.engine.Run(context.Background(), job)
			require.Equal(t, OutcomeCompleted, res.Outcome, "%v", res.Err)

			done := h.reload(t, job.ID)
			assert.Equal(t, domain.JobCompleted, done.Status)
			assert.Equal(t, 100, done.ProgressPercent)
			assert.Equal(t, int64(0), done.ProcessedRows)
			require.NotNil(t, done.TotalRows)
			assert.Equal(t, int64(0), *done.TotalRows)
			require.NotNil(t, done.ArtifactLocation)
			data, ok := h.store.Object(*done.ArtifactLocation)
			require.True(t, ok)
			assert.NotEmpty(t, data)
			if format == domain.FormatPDF {
				require.NotNil(t, done.PageCount)
				assert.Equal(t, 1, *done.PageCount)
				assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
			} else {
				assert.Len(t, h.sheetRows(t, done), 1, "header only")
			}
		})
	}
}

func TestEngine_PaginatedExportMergesWindows(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	seedOrders(h, 45)
	job := h.create(t, domain.ReportDetail, domain.FormatPDF, march)

	res := h.engine.Run(context.Background(), job)
	require.Equal(t, OutcomeCompleted, res.Outcome, "%v", res.Err)

	done := h.reload(t, job.ID)
	require.NotNil(t, done.PageCount)
	assert.Equal(t, 3, *done.PageCount)
	assert.False(t, done.HasTOC)
	assert.Equal(t, "exports/alice/"+job.ID+".pdf", *done.ArtifactLocation)
}

// recordingPages keeps the entries passed to RenderContents.
type recordingPages struct {
	render.PDFRenderer
	contents []domain.ContentsEntry
}

func (p *recordingPages) RenderContents(path, title string, entries []domain.ContentsEntry, createdAt time.Time) (int, error) {
	p.contents = append([]domain.ContentsEntry(nil), entries...)
	return p.PDFRenderer.RenderContents(path, title, entries, createdAt)
}

func TestEngine_BookletSkipsEmptyEntitiesAndBuildsContents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed.Region(1, "North")
	h.seed.Customer(1, "Alpha", 1)
	h.seed.Customer(2, "Bravo", 1)
	h.seed.Customer(3, "Charlie", 1)
	h.seed.Orders(40, 1, 1, orderStart)
	h.seed.Orders(5, 2, 1, orderStart)

	f := march.Clone()
	f["entity_type"] = "customer"
	job := h.create(t, domain.ReportPerEntity, domain.FormatPDF, f)

	pages := &recordingPages{PDFRenderer: render.PDFRenderer{RowsPerPage: 20, TOCEntriesPerPage: 40}}
	h.engine.pages = pages

	res := h.engine.Run(context.Background(), job)
	require.Equal(t, OutcomeCompleted, res.Outcome, "%v", res.Err)

	require.Len(t, pages.contents, 2)
	assert.Equal(t, domain.ContentsEntry{Title: "Alpha", Page: 2}, pages.contents[0])
	assert.Equal(t, domain.ContentsEntry{Title: "Bravo", Page: 4}, pages.contents[1])
	for i := 1; i < len(pages.contents); i++ {
		assert.Greater(t, pages.contents[i].Page, pages.contents[i-1].Page)
	}
	for _, e := range pages.contents {
		assert.NotEqual(t, "Charlie", e.Title)
	}

	done := h.reload(t, job.ID)
	assert.True(t, done.HasTOC)
	assert.Equal(t, int64(45), done.ProcessedRows)
	require.NotNil(t, done.PageCount)
	assert.Equal(t, 4, *done.PageCount, "one contents page, two for Alpha, one for Bravo")
}

func TestContentsFromParts_UsesCumulativePageCounts(t *testing.T) {
	t.Parallel()
	r := &run{
		tocPages: 1,
		entities: []domain.EntityRecord{{ID: 1, Name: "Alpha", Rows: 40}, {ID: 2, Name: "Bravo", Rows: 5}},
		parts: []domain.PartRecord{
			{Index: 1, EntityID: 1, Pages: 2},
			{Index: 2, EntityID: 2, Pages: 1},
		},
	}
	entries := contentsFromParts(r)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ContentsEntry{Title: "Alpha", Page: 2}, entries[0])
	assert.Equal(t, domain.ContentsEntry{Title: "Bravo", Page: 4}, entries[1])

	// a section that spills over more pages than estimated shifts the rest
	r.parts[0].Pages = 5
	entries = contentsFromParts(r)
	assert.Equal(t, 7, entries[1].Page)
}

func TestContentsDrift(t *testing.T) {
	t.Parallel()
	estimate := planner.EstimateContents([]domain.EntityRecord{
		{ID: 1, Name: "Alpha", Rows: 40},
		{ID: 2, Name: "Bravo", Rows: 5},
	}, 20, 40)
	actual := []domain.ContentsEntry{{Title: "Alpha", Page: 2}, {Title: "Bravo", Page: 4}}

	_, ok := contentsDrift(estimate, actual)
	assert.False(t, ok)

	actual[1].Page = 7
	i, ok := contentsDrift(estimate, actual)
	require.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestEngine_CancellationStopsBetweenWindows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	seedOrders(h, 12500)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)

	h.rows.FailOn = func(call int) bool {
		if call == 1 {
			_, err := h.jobs.Cancel(ctx, job.ID, created)
			require.NoError(t, err)
		}
		return false
	}
	res := h.engine.Run(ctx, job)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Len(t, h.rows.Offsets(), 1, "no window starts after the flag is seen")

	cancelled := h.reload(t, job.ID)
	assert.Equal(t, domain.JobFailed, cancelled.Status)
	assert.True(t, cancelled.Cancelled)
	require.NotNil(t, cancelled.LastError)
	assert.Equal(t, domain.CancelledReason, *cancelled.LastError)

	assert.Equal(t, OutcomeCancelled, h.engine.Run(ctx, cancelled).Outcome)
}

func TestEngine_UnknownCheckpointVersionStartsFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	seedOrders(h, 30)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)

	_, err := h.jobs.MarkRunning(ctx, job.ID, true, created)
	require.NoError(t, err)
	require.NoError(t, h.jobs.SetTotal(ctx, job.ID, 30, created))
	stale, err := json.Marshal(map[string]any{"version": 99, "processed_rows": 20})
	require.NoError(t, err)
	require.NoError(t, h.jobs.SaveCheckpoint(ctx, job.ID, stale, true, created))
	require.NoError(t, h.jobs.MarkFailed(ctx, job.ID, "boom", created))

	res := h.engine.Run(ctx, h.reload(t, job.ID))
	require.Equal(t, OutcomeCompleted, res.Outcome, "%v", res.Err)
	assert.Equal(t, []int64{0}, h.rows.Offsets())
	assert.Equal(t, 1, h.rows.Counts())
	assert.Len(t, h.sheetRows(t, h.reload(t, job.ID)), 31)
}

func TestEngine_ResumeRefusedAtRetryThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	seedOrders(h, 12500)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)

	h.rows.FailOn = func(call int) bool { return call == 2 }
	require.Equal(t, OutcomeTransient, h.engine.Run(ctx, job).Outcome)
	for i := 0; i < 4; i++ {
		require.NoError(t, h.jobs.SaveCheckpoint(ctx, job.ID, h.reload(t, job.ID).Checkpoint, true, created))
	}
	failed := h.reload(t, job.ID)
	require.Equal(t, 5, failed.RetryCount)

	h.rows.FailOn = nil
	h.rows.Reset()
	res := h.engine.Run(ctx, failed)
	require.Equal(t, OutcomeCompleted, res.Outcome, "%v", res.Err)
	assert.Equal(t, []int64{0, 5000, 10000}, h.rows.Offsets(), "fresh run from zero")
	assert.Equal(t, 1, h.rows.Counts())
}

func TestEngine_UnplannableFiltersArePermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, domain.Filters{"date_from": "2026-03-01"})

	res := h.engine.Run(context.Background(), job)
	assert.Equal(t, OutcomePermanent, res.Outcome)
	assert.True(t, domain.IsPermanent(res.Err))
	assert.Equal(t, domain.JobFailed, h.reload(t, job.ID).Status)
}

func TestEngine_FailAfterLostLeaseLeavesJobAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)
	running, err := h.jobs.MarkRunning(context.Background(), job.ID, true, created)
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrLeaseLost)
	r := &run{job: running, window: 5000, logger: quietLogger()}

	res := h.engine.fail(ctx, r, ctx.Err())
	assert.Equal(t, OutcomeStale, res.Outcome)

	after := h.reload(t, job.ID)
	assert.Equal(t, domain.JobRunning, after.Status)
	assert.Zero(t, after.RetryCount)
	assert.False(t, after.HasCheckpoint())
}
