package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/dustin/go-humanize"

	"report-export/internal/domain"
	"report-export/internal/service/planner"
	"report-export/internal/service/render"
)

// LinkSigner mints and verifies download tokens for stores without their own
// signed URLs.
type LinkSigner interface {
	Sign(jobID string, expiresAt time.Time) (string, error)
	// Verify returns the job id, *domain.ExpiredError for an expired token
	// or *domain.NotFoundError for anything unreadable.
	Verify(token string) (string, error)
}

// ServiceConfig holds the job control tunables.
type ServiceConfig struct {
	MaxActivePerOwner int
	MaxAttempts       int
	PublicBaseURL     string
	PreviewRows       int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxActivePerOwner <= 0 {
		c.MaxActivePerOwner = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PreviewRows <= 0 {
		c.PreviewRows = 50
	}
	return c
}

// Service is the job control API: creation with admission, status, listing,
// cancellation, manual retry, deletion, downloads and previews.
type Service struct {
	jobs     domain.ReportJobRepository
	rows     domain.RowSource
	planners *planner.Registry
	store    domain.ArtifactStore
	signer   LinkSigner
	metrics  *Metrics
	cfg      ServiceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(jobs domain.ReportJobRepository, rows domain.RowSource, planners *planner.Registry, store domain.ArtifactStore, signer LinkSigner, metrics *Metrics, cfg ServiceConfig, logger *slog.Logger) *Service {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		jobs:     jobs,
		rows:     rows,
		planners: planners,
		store:    store,
		signer:   signer,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "export-service"),
		now:      time.Now,
	}
}

// SetClock replaces the service's time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create validates the request and admits a new job for owner.
func (s *Service) Create(ctx context.Context, ownerID string, req domain.CreateExportRequest) (*domain.ReportJob, error) {
	if ownerID == "" {
		return nil, domain.ErrAccessDenied("owner identity is required")
	}
	rt, err := domain.ParseReportType(req.ReportType)
	if err != nil {
		return nil, err
	}
	format, err := domain.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}
	filters := req.Filters
	if filters == nil {
		filters = domain.Filters{}
	}
	now := s.now().UTC()
	if err := s.planners.Validate(rt, format, filters, now); err != nil {
		return nil, err
	}

	job, err := s.jobs.CreateAdmitted(ctx, &domain.ReportJob{
		ID:         domain.NewID(),
		OwnerID:    ownerID,
		ReportType: rt,
		Format:     format,
		Filters:    filters.Clone(),
		Status:     domain.JobQueued,
		AsOf:       now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, s.cfg.MaxActivePerOwner, s.cfg.MaxAttempts)
	if err != nil {
		var quota *domain.QuotaExceededError
		if errors.As(err, &quota) {
			s.metrics.AdmissionRejections.Inc()
			s.logger.Info("export rejected at capacity", "owner_id", ownerID, "current", quota.Current, "max", quota.Max)
			return nil, err
		}
		return nil, fmt.Errorf("create export: %w", err)
	}
	s.metrics.JobsCreated.Inc()
	s.logger.Info("export queued", "job_id", job.ID, "owner_id", ownerID, "report_type", rt, "format", format)
	return job, nil
}

// Get returns the owner's job. Jobs owned by someone else are reported as
// not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.ReportJob, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrNotFound("export %q not found", id)
	}
	return job, nil
}

// Status returns the job with its download descriptor once completed.
func (s *Service) Status(ctx context.Context, ownerID, id string) (*domain.ExportStatus, error) {
	job, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	st := &domain.ExportStatus{Job: job}
	if job.Status != domain.JobCompleted || job.ArtifactLocation == nil || job.ExpiresAt == nil {
		return st, nil
	}
	d := &domain.DownloadDescriptor{
		FileName:  FileName(job),
		ExpiresAt: *job.ExpiresAt,
		PageCount: job.PageCount,
		Expired:   job.DownloadExpired(s.now()),
	}
	if job.ArtifactSize != nil {
		d.SizeBytes = *job.ArtifactSize
		d.SizeHuman = humanize.Bytes(uint64(max(*job.ArtifactSize, 0)))
	}
	if !d.Expired {
		url, err := s.downloadURL(ctx, job, d.FileName)
		if err != nil {
			return nil, err
		}
		d.URL = url
	}
	st.Download = d
	return st, nil
}

func (s *Service) downloadURL(ctx context.Context, job *domain.ReportJob, fileName string) (string, error) {
	url, err := s.store.DownloadURL(ctx, *job.ArtifactLocation, fileName, *job.ExpiresAt)
	if err == nil {
		return url, nil
	}
	if !errors.Is(err, domain.ErrNoDirectURL) {
		return "", fmt.Errorf("download url: %w", err)
	}
	if s.signer == nil {
		return "", errors.New("download signing is not configured")
	}
	token, err := s.signer.Sign(job.ID, *job.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("sign download: %w", err)
	}
	return s.cfg.PublicBaseURL + "/v1/downloads/" + token, nil
}

// FileName is the download file name of a job's artifact.
func FileName(job *domain.ReportJob) string {
	return fmt.Sprintf("%s-%s.%s", job.ReportType, job.CreatedAt.UTC().Format("20060102-150405"), job.Format.Extension())
}

// List returns the owner's jobs, newest first, with the next page token.
func (s *Service) List(ctx context.Context, ownerID string, page domain.PageRequest) ([]domain.ReportJob, string, error) {
	jobs, total, err := s.jobs.ListByOwner(ctx, ownerID, page)
	if err != nil {
		return nil, "", err
	}
	return jobs, domain.NextPageToken(page.Offset(), page.Limit(), total), nil
}

// Cancel marks a queued or running job failed with the cancellation reason.
// A running job stops before its next window.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (*domain.ReportJob, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	job, err := s.jobs.Cancel(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("export cancelled by owner", "job_id", id, "owner_id", ownerID)
	return job, nil
}

// Retry re-enqueues a permanently failed job, subject to admission.
func (s *Service) Retry(ctx context.Context, ownerID, id string) (*domain.ReportJob, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	job, err := s.jobs.Requeue(ctx, id, s.cfg.MaxActivePerOwner, s.cfg.MaxAttempts, s.now())
	if err != nil {
		var quota *domain.QuotaExceededError
		if errors.As(err, &quota) {
			s.metrics.AdmissionRejections.Inc()
		}
		return nil, err
	}
	s.logger.Info("export retry requested", "job_id", id, "owner_id", ownerID, "retry_count", job.RetryCount)
	return job, nil
}

// Delete removes a terminal job and its artifact.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	job, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return domain.ErrConflict("export %q is still in progress", id)
	}
	if job.ArtifactLocation != nil && !job.Expired {
		if err := s.store.Delete(ctx, *job.ArtifactLocation); err != nil {
			var nf *domain.NotFoundError
			if !errors.As(err, &nf) {
				return fmt.Errorf("delete artifact: %w", err)
			}
		}
	}
	return s.jobs.Delete(ctx, id)
}

// Download is an open artifact stream.
type Download struct {
	Body        io.ReadCloser
	FileName    string
	ContentType string
	Size        int64
}

// OpenDownload resolves a signed download token. Expired links yield
// *domain.ExpiredError; anything else unusable is not found.
func (s *Service) OpenDownload(ctx context.Context, token string) (*Download, error) {
	if s.signer == nil {
		return nil, domain.ErrNotFound("download not found")
	}
	id, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("download not found")
		}
		return nil, err
	}
	if job.Status != domain.JobCompleted || job.ArtifactLocation == nil {
		return nil, domain.ErrNotFound("download not found")
	}
	if job.DownloadExpired(s.now()) {
		return nil, domain.ErrExpired("download link for export %q has expired", id)
	}
	body, err := s.store.Open(ctx, *job.ArtifactLocation)
	if err != nil {
		return nil, err
	}
	dl := &Download{Body: body, FileName: FileName(job), ContentType: job.Format.ContentType()}
	if job.ArtifactSize != nil {
		dl.Size = *job.ArtifactSize
	}
	return dl, nil
}

// Preview is the first page of a report, rendered for display.
type Preview struct {
	Title     string
	Columns   []domain.Column
	Rows      [][]string
	Total     int64
	QueryTime time.Duration
}

// Preview plans a report and fetches its first rows without creating a job.
func (s *Service) Preview(ctx context.Context, req domain.CreateExportRequest) (*Preview, error) {
	rt, err := domain.ParseReportType(req.ReportType)
	if err != nil {
		return nil, err
	}
	filters := req.Filters
	if filters == nil {
		filters = domain.Filters{}
	}
	desc, err := s.planners.Plan(rt, filters, s.now())
	if err != nil {
		return nil, err
	}
	began := time.Now()
	total, err := s.rows.Count(ctx, desc.Query)
	if err != nil {
		return nil, fmt.Errorf("count preview rows: %w", err)
	}
	var rows []domain.Row
	if total > 0 {
		rows, err = s.rows.FetchWindow(ctx, desc.Query, 0, int64(s.cfg.PreviewRows))
		if err != nil {
			return nil, fmt.Errorf("fetch preview rows: %w", err)
		}
	}
	return &Preview{
		Title:     desc.Title,
		Columns:   render.Columns(desc),
		Rows:      render.FormatRows(desc, rows, 0),
		Total:     total,
		QueryTime: time.Since(began),
	}, nil
}

// ArtifactKey is the store key of a job's artifact.
func ArtifactKey(job *domain.ReportJob) string {
	return path.Join("exports", job.OwnerID, job.ID+"."+job.Format.Extension())
}
