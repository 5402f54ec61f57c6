// Package export runs report export jobs: the chunked execution engine, the
// job control service, the worker supervisor and the periodic sweeper.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"report-export/internal/domain"
	"report-export/internal/service/planner"
	"report-export/internal/service/render"
)

// Outcome classifies an engine run for the supervisor.
type Outcome int

// Engine outcomes.
const (
	OutcomeCompleted Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeCancelled
	// OutcomeStale means the delivery no longer applies: the job was
	// deleted or already completed by an earlier delivery.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeStale:
		return "stale"
	}
	return "unknown"
}

// Result is the engine's verdict on one run. Err is set for the two failure
// outcomes.
type Result struct {
	Outcome Outcome
	Err     error
}

// PageRenderer draws paginated parts.
type PageRenderer interface {
	RenderWindow(path string, w render.Window) (int, error)
	RenderContents(path, title string, entries []domain.ContentsEntry, createdAt time.Time) (int, error)
	RenderEmpty(path string, d *domain.DatasetDescriptor, createdAt time.Time) (int, error)
}

// DocumentMerger concatenates rendered parts.
type DocumentMerger interface {
	Merge(parts []render.Part, dst string, meta render.Metadata) (int, error)
}

// SpreadsheetWriter transcodes a row spool into the final workbook.
type SpreadsheetWriter interface {
	Write(ctx context.Context, spoolPath, dst string, d *domain.DatasetDescriptor) (int64, error)
}

// EngineConfig holds the engine's tunables.
type EngineConfig struct {
	TabularWindow   int
	PaginatedWindow int
	ResumeThreshold int
	DownloadTTL     time.Duration
	WorkDir         string
	Author          string
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.TabularWindow <= 0 {
		c.TabularWindow = 5000
	}
	if c.PaginatedWindow <= 0 {
		c.PaginatedWindow = 1000
	}
	if c.ResumeThreshold <= 0 {
		c.ResumeThreshold = 5
	}
	if c.DownloadTTL <= 0 {
		c.DownloadTTL = 24 * time.Hour
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "report-export")
	}
	if c.Author == "" {
		c.Author = "report-export"
	}
	return c
}

// Engine executes one job at a time, window by window.
type Engine struct {
	jobs     domain.ReportJobRepository
	rows     domain.RowSource
	planners *planner.Registry
	store    domain.ArtifactStore
	pages    PageRenderer
	merger   DocumentMerger
	sheets   SpreadsheetWriter
	metrics  *Metrics
	cfg      EngineConfig
	logger   *slog.Logger
	now      func() time.Time
}

// EngineDeps are the engine's collaborators.
type EngineDeps struct {
	Jobs     domain.ReportJobRepository
	Rows     domain.RowSource
	Planners *planner.Registry
	Store    domain.ArtifactStore
	Pages    PageRenderer
	Merger   DocumentMerger
	Sheets   SpreadsheetWriter
	Metrics  *Metrics
	Logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		jobs:     deps.Jobs,
		rows:     deps.Rows,
		planners: deps.Planners,
		store:    deps.Store,
		pages:    deps.Pages,
		merger:   deps.Merger,
		sheets:   deps.Sheets,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		logger:   deps.Logger.With("component", "export-engine"),
		now:      time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// segment is a contiguous slice of the dataset: the whole query for plain
// reports, one pinned entity for booklets.
type segment struct {
	query  domain.Query
	rows   int64
	base   int64 // dataset position of the segment's first row
	entity *domain.EntityRecord
}

// run is the mutable state of one execution.
type run struct {
	job       *domain.ReportJob
	desc      *domain.DatasetDescriptor
	dir       string
	window    int
	total     int64
	processed int64
	section   string
	segments  []segment
	entities  []domain.EntityRecord
	parts     []domain.PartRecord
	spool     *render.Spool
	spoolSize int64
	tocPages  int
	logger    *slog.Logger
}

func (r *run) checkpoint(at time.Time, lastErr string) domain.Checkpoint {
	return domain.Checkpoint{
		ProcessedRows: r.processed,
		Section:       r.section,
		At:            at.UTC(),
		LastError:     lastErr,
		WindowSize:    r.window,
		SpoolBytes:    r.spoolSize,
		Parts:         append([]domain.PartRecord(nil), r.parts...),
		Entities:      r.entities,
	}
}

func (r *run) pagesSoFar() int {
	n := 0
	for _, p := range r.parts {
		n += p.Pages
	}
	return n
}

// Run executes job and reports the outcome. On execution errors the job is
// checkpointed and marked failed before Run returns; the retry decision is
// left to the caller.
func (e *Engine) Run(ctx context.Context, job *domain.ReportJob) Result {
	log := e.logger.With("job_id", job.ID, "report_type", job.ReportType, "format", job.Format)
	if job.Cancelled {
		return e.finish(Result{Outcome: OutcomeCancelled})
	}

	r := &run{
		job:    job,
		dir:    filepath.Join(e.cfg.WorkDir, job.ID),
		window: e.cfg.TabularWindow,
		logger: log,
	}
	if job.Format.Paginated() {
		r.window = e.cfg.PaginatedWindow
	}

	cp := e.resumePoint(r)
	running, err := e.jobs.MarkRunning(ctx, job.ID, cp == nil, e.now())
	if err != nil {
		return e.finish(e.interrupted(ctx, job.ID, err))
	}
	r.job = running
	if cp == nil {
		if job.HasCheckpoint() {
			if err := e.jobs.ClearCheckpoint(ctx, job.ID, e.now()); err != nil {
				return e.finish(Result{Outcome: OutcomeTransient, Err: err})
			}
		}
		if err := os.RemoveAll(r.dir); err != nil {
			return e.finish(e.fail(ctx, r, fmt.Errorf("reset work dir: %w", err)))
		}
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return e.finish(e.fail(ctx, r, fmt.Errorf("create work dir: %w", err)))
	}

	desc, err := e.planners.Plan(job.ReportType, job.Filters, job.AsOf)
	if err != nil {
		return e.finish(e.fail(ctx, r, domain.Permanent(fmt.Errorf("plan %s: %w", job.ReportType, err))))
	}
	r.desc = desc

	if cp != nil {
		e.restore(r, cp)
		log.Info("resuming export", "processed", r.processed, "total", r.total, "retry_count", running.RetryCount)
	} else if err := e.prepare(ctx, r); err != nil {
		return e.finish(e.failOrCancel(ctx, r, err))
	}

	if !job.Format.Paginated() {
		sp, err := render.OpenSpool(e.spoolPath(r), r.spoolSize)
		if err != nil {
			return e.finish(e.fail(ctx, r, err))
		}
		r.spool = sp
		defer sp.Close() //nolint:errcheck
	}

	if err := e.execute(ctx, r); err != nil {
		return e.finish(e.failOrCancel(ctx, r, err))
	}
	return e.finish(e.complete(ctx, r))
}

func (e *Engine) finish(res Result) Result {
	e.metrics.JobsFinished.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

// resumePoint returns the checkpoint to resume from, or nil for a fresh run.
func (e *Engine) resumePoint(r *run) *domain.Checkpoint {
	job := r.job
	if !job.HasCheckpoint() {
		return nil
	}
	cp, err := domain.DecodeCheckpoint(job.Checkpoint)
	if err != nil {
		e.metrics.CheckpointsRejected.Inc()
		r.logger.Error("checkpoint unreadable, starting fresh", "error", err)
		return nil
	}
	if cp == nil {
		return nil
	}
	if job.RetryCount >= e.cfg.ResumeThreshold {
		r.logger.Warn("resume refused: retry threshold reached", "retry_count", job.RetryCount, "threshold", e.cfg.ResumeThreshold)
		return nil
	}
	if job.TotalRows == nil || cp.ProcessedRows > *job.TotalRows {
		r.logger.Warn("resume refused: checkpoint does not match job totals")
		return nil
	}
	if !e.outputIntact(r, cp) {
		r.logger.Warn("resume refused: partial output missing", "work_dir", r.dir)
		return nil
	}
	return cp
}

func (e *Engine) outputIntact(r *run, cp *domain.Checkpoint) bool {
	if !r.job.Format.Paginated() {
		info, err := os.Stat(e.spoolPath(r))
		if err != nil {
			return cp.SpoolBytes == 0
		}
		return info.Size() >= cp.SpoolBytes
	}
	for _, p := range cp.Parts {
		if _, err := os.Stat(filepath.Join(r.dir, p.Path)); err != nil {
			return false
		}
	}
	return true
}

func (e *Engine) spoolPath(r *run) string { return filepath.Join(r.dir, "rows.jsonl") }

// prepare runs the count pass of a fresh run.
func (e *Engine) prepare(ctx context.Context, r *run) error {
	if b := r.desc.Booklet; b != nil {
		entities, err := e.rows.ListEntities(ctx, b.Entities)
		if err != nil {
			return fmt.Errorf("list %s entities: %w", b.EntityType, err)
		}
		for _, ent := range entities {
			n, err := e.rows.Count(ctx, r.desc.Query.Pin(b.PinColumn, ent.ID))
			if err != nil {
				return fmt.Errorf("count rows for %s %d: %w", b.EntityType, ent.ID, err)
			}
			r.entities = append(r.entities, domain.EntityRecord{ID: ent.ID, Name: ent.Name, Rows: n})
		}
	} else {
		n, err := e.rows.Count(ctx, r.desc.Query)
		if err != nil {
			return fmt.Errorf("count rows: %w", err)
		}
		r.total = n
	}
	e.buildSegments(r)
	if r.desc.Booklet != nil {
		r.logger.Debug("booklet planned", "entities", len(r.entities), "sections", len(r.segments))
	}
	if err := e.jobs.SetTotal(ctx, r.job.ID, r.total, e.now()); err != nil {
		return err
	}
	r.logger.Info("export counted", "total", r.total, "window", r.window)
	return nil
}

func (e *Engine) restore(r *run, cp *domain.Checkpoint) {
	r.processed = cp.ProcessedRows
	r.section = cp.Section
	r.spoolSize = cp.SpoolBytes
	r.parts = append([]domain.PartRecord(nil), cp.Parts...)
	r.entities = cp.Entities
	if r.desc.Booklet == nil {
		r.total = *r.job.TotalRows
	}
	e.buildSegments(r)
}

func (e *Engine) buildSegments(r *run) {
	r.segments = nil
	b := r.desc.Booklet
	if b == nil {
		r.segments = []segment{{query: r.desc.Query, rows: r.total}}
		return
	}
	var base int64
	for i := range r.entities {
		ent := &r.entities[i]
		if ent.Rows == 0 {
			continue
		}
		r.segments = append(r.segments, segment{
			query:  r.desc.Query.Pin(b.PinColumn, ent.ID),
			rows:   ent.Rows,
			base:   base,
			entity: ent,
		})
		base += ent.Rows
	}
	r.total = base
	r.tocPages = planner.ContentsPages(len(r.segments), b.TOCEntriesPerPage)
}

func (e *Engine) windowCount(r *run) int {
	n := 0
	for _, s := range r.segments {
		n += int((s.rows + int64(r.window) - 1) / int64(r.window))
	}
	return n
}

// execute renders every window past the resume point.
func (e *Engine) execute(ctx context.Context, r *run) error {
	windows := e.windowCount(r)
	lastDecile := decile(r.processed, r.total)
	idx := 0
	for _, seg := range r.segments {
		for off := int64(0); off < seg.rows; off += int64(r.window) {
			idx++
			end := min(off+int64(r.window), seg.rows)
			if seg.base+end <= r.processed {
				continue
			}
			start := max(off, r.processed-seg.base)

			if err := ctx.Err(); err != nil {
				return err
			}
			cancelled, err := e.jobs.IsCancelled(ctx, r.job.ID)
			if err != nil {
				return err
			}
			if cancelled {
				return errCancelled
			}

			began := time.Now()
			rows, err := e.rows.FetchWindow(ctx, seg.query, start, end-start)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				r.logger.Warn("window returned no rows, dataset shrank since count", "offset", seg.base+start)
				break
			}
			if err := e.renderWindow(r, seg, idx, start, rows); err != nil {
				return err
			}
			section := fmt.Sprintf("chunk %d of %d", idx, windows)
			if seg.entity != nil {
				section = seg.entity.Name + " (" + section + ")"
			}
			r.processed = seg.base + start + int64(len(rows))
			r.section = section
			e.metrics.WindowsRendered.WithLabelValues(string(r.job.Format)).Inc()
			e.metrics.WindowDuration.WithLabelValues(string(r.job.Format)).Observe(time.Since(began).Seconds())

			if err := e.jobs.UpdateProgress(ctx, r.job.ID, r.processed, domain.ProgressPercent(r.processed, r.total), section, e.now()); err != nil {
				return err
			}
			if d := decile(r.processed, r.total); d > lastDecile {
				lastDecile = d
				if err := e.saveCheckpoint(ctx, r, ""); err != nil {
					return err
				}
			}
			r.logger.Debug("export window rendered", "section", section, "rows", len(rows), "processed", r.processed)
		}
	}
	return nil
}

func (e *Engine) renderWindow(r *run, seg segment, idx int, start int64, rows []domain.Row) error {
	if r.spool != nil {
		if err := r.spool.Append(r.desc, rows, start); err != nil {
			return err
		}
		size, err := r.spool.Sync()
		if err != nil {
			return err
		}
		r.spoolSize = size
		return nil
	}

	name := fmt.Sprintf("window_%04d.pdf", idx)
	w := render.Window{
		Descriptor: r.desc,
		Rows:       rows,
		Start:      start,
		FirstPage:  r.tocPages + r.pagesSoFar() + 1,
		CreatedAt:  r.job.AsOf,
	}
	part := domain.PartRecord{Index: idx, Rows: int64(len(rows)), Path: name}
	if seg.entity != nil {
		w.Heading = seg.entity.Name
		part.EntityID = seg.entity.ID
	}
	pages, err := e.pages.RenderWindow(filepath.Join(r.dir, name), w)
	if err != nil {
		return fmt.Errorf("render window %d: %w", idx, err)
	}
	part.Pages = pages
	r.parts = append(r.parts, part)
	return nil
}

func decile(processed, total int64) int64 {
	if total <= 0 {
		return 0
	}
	return processed * 10 / total
}

func (e *Engine) saveCheckpoint(ctx context.Context, r *run, lastErr string) error {
	raw, err := domain.EncodeCheckpoint(r.checkpoint(e.now(), lastErr))
	if err != nil {
		return err
	}
	if err := e.jobs.SaveCheckpoint(ctx, r.job.ID, raw, lastErr != "", e.now()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	kind := "progress"
	if lastErr != "" {
		kind = "failure"
	}
	e.metrics.CheckpointsWritten.WithLabelValues(kind).Inc()
	return nil
}

// complete assembles the artifact, uploads it and marks the job completed.
func (e *Engine) complete(ctx context.Context, r *run) Result {
	job := r.job
	final := filepath.Join(r.dir, "export."+job.Format.Extension())
	var (
		pageCount *int
		hasTOC    bool
	)
	if job.Format.Paginated() {
		pages, toc, err := e.assemblePDF(r, final)
		if err != nil {
			return e.fail(ctx, r, err)
		}
		pageCount, hasTOC = &pages, toc
	} else {
		if _, err := r.spool.Sync(); err != nil {
			return e.fail(ctx, r, err)
		}
		if _, err := e.sheets.Write(ctx, r.spool.Path(), final, r.desc); err != nil {
			return e.fail(ctx, r, fmt.Errorf("write workbook: %w", err))
		}
	}

	location, size, err := e.store.Put(ctx, ArtifactKey(job), final, job.Format.ContentType())
	if err != nil {
		return e.fail(ctx, r, fmt.Errorf("store artifact: %w", err))
	}

	now := e.now()
	err = e.jobs.MarkCompleted(ctx, job.ID, domain.CompletedExport{
		Location:      location,
		SizeBytes:     size,
		PageCount:     pageCount,
		HasTOC:        hasTOC,
		ProcessedRows: r.processed,
		ExpiresAt:     now.Add(e.cfg.DownloadTTL),
	}, now)
	if err != nil {
		_ = e.store.Delete(context.WithoutCancel(ctx), location)
		if res := e.interrupted(ctx, job.ID, err); res.Outcome != OutcomeTransient {
			e.cleanup(r)
			return res
		}
		return e.fail(ctx, r, err)
	}
	e.cleanup(r)
	r.logger.Info("export completed", "rows", r.processed, "size", size, "location", location)
	return Result{Outcome: OutcomeCompleted}
}

func (e *Engine) assemblePDF(r *run, dst string) (pages int, hasTOC bool, err error) {
	if r.total == 0 || len(r.parts) == 0 {
		pages, err = e.pages.RenderEmpty(dst, r.desc, r.job.AsOf)
		return pages, false, err
	}
	var parts []render.Part
	if b := r.desc.Booklet; b != nil {
		entries := contentsFromParts(r)
		estimate := planner.EstimateContents(r.entities, b.RowsPerPage, b.TOCEntriesPerPage)
		if i, ok := contentsDrift(estimate, entries); ok {
			r.logger.Warn("contents pages differ from estimate",
				"section", entries[i].Title, "estimated", estimate[i].Page, "actual", entries[i].Page)
		}
		tocPath := filepath.Join(r.dir, "contents.pdf")
		n, err := e.pages.RenderContents(tocPath, r.desc.Title, entries, r.job.AsOf)
		if err != nil {
			return 0, false, fmt.Errorf("render contents: %w", err)
		}
		if n != r.tocPages {
			return 0, false, fmt.Errorf("contents rendered %d pages, reserved %d", n, r.tocPages)
		}
		parts = append(parts, render.Part{Path: tocPath, Pages: n})
		hasTOC = true
	}
	for _, p := range r.parts {
		parts = append(parts, render.Part{Path: filepath.Join(r.dir, p.Path), Pages: p.Pages})
	}
	pages, err = e.merger.Merge(parts, dst, render.Metadata{
		Title:     r.desc.Title,
		Subject:   r.desc.Subject,
		Author:    e.cfg.Author,
		Creator:   e.cfg.Author,
		CreatedAt: r.job.AsOf,
	})
	if err != nil {
		return 0, false, fmt.Errorf("merge parts: %w", err)
	}
	return pages, hasTOC, nil
}

// contentsFromParts derives table-of-contents entries from the cumulative
// page counts of the rendered parts.
func contentsFromParts(r *run) []domain.ContentsEntry {
	names := make(map[int64]string, len(r.entities))
	for _, ent := range r.entities {
		names[ent.ID] = ent.Name
	}
	var out []domain.ContentsEntry
	page := r.tocPages + 1
	var last int64 = -1
	for _, p := range r.parts {
		if p.EntityID != last {
			out = append(out, domain.ContentsEntry{Title: names[p.EntityID], Page: page})
			last = p.EntityID
		}
		page += p.Pages
	}
	return out
}

// contentsDrift reports the first entry whose rendered start page differs
// from the estimate.
func contentsDrift(estimate, actual []domain.ContentsEntry) (int, bool) {
	for i := range min(len(estimate), len(actual)) {
		if estimate[i].Page != actual[i].Page {
			return i, true
		}
	}
	return 0, false
}

func (e *Engine) cleanup(r *run) {
	if r.spool != nil {
		_ = r.spool.Close()
	}
	if err := os.RemoveAll(r.dir); err != nil {
		r.logger.Warn("work dir cleanup failed", "error", err)
	}
}

var errCancelled = errors.New("export cancelled")

// failOrCancel turns an execution error into a result, recognising
// cancellation signalled either explicitly or by a lost status update.
func (e *Engine) failOrCancel(ctx context.Context, r *run, err error) Result {
	if errors.Is(err, errCancelled) {
		e.cleanup(r)
		r.logger.Info("export cancelled", "processed", r.processed)
		return Result{Outcome: OutcomeCancelled}
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		if res := e.interrupted(ctx, r.job.ID, err); res.Outcome != OutcomeTransient {
			e.cleanup(r)
			return res
		}
	}
	return e.fail(ctx, r, err)
}

// interrupted classifies a rejected status transition by reloading the job.
func (e *Engine) interrupted(ctx context.Context, id string, err error) Result {
	job, gerr := e.jobs.GetByID(context.WithoutCancel(ctx), id)
	if gerr != nil {
		var nf *domain.NotFoundError
		if errors.As(gerr, &nf) {
			return Result{Outcome: OutcomeStale}
		}
		return Result{Outcome: OutcomeTransient, Err: err}
	}
	switch {
	case job.Cancelled:
		return Result{Outcome: OutcomeCancelled}
	case job.Status == domain.JobCompleted:
		return Result{Outcome: OutcomeStale}
	}
	return Result{Outcome: OutcomeTransient, Err: err}
}

// fail saves a failure checkpoint, then marks the job failed. A run that
// lost its lease persists nothing.
func (e *Engine) fail(ctx context.Context, r *run, err error) Result {
	persist := context.WithoutCancel(ctx)
	if r.spool != nil {
		_ = r.spool.Close()
		r.spool = nil
	}
	if errors.Is(context.Cause(ctx), ErrLeaseLost) {
		// another worker owns the job now; leave its state alone
		r.logger.Warn("export run abandoned", "error", err, "processed", r.processed)
		return Result{Outcome: OutcomeStale, Err: err}
	}
	if cpErr := e.saveCheckpoint(persist, r, err.Error()); cpErr != nil {
		r.logger.Error("failure checkpoint not saved", "error", cpErr)
	}
	if mErr := e.jobs.MarkFailed(persist, r.job.ID, err.Error(), e.now()); mErr != nil {
		r.logger.Error("mark failed", "error", mErr)
	}
	outcome := OutcomeTransient
	if domain.IsPermanent(err) {
		outcome = OutcomePermanent
	}
	r.logger.Warn("export run failed", "error", err, "processed", r.processed, "outcome", outcome.String())
	return Result{Outcome: outcome, Err: err}
}
