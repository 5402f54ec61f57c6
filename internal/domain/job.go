package domain

import (
	"encoding/json"
	"math"
	"time"
)

// JobStatus is the state of a report export job.
type JobStatus string

// Job statuses. A job moves queued → running → completed|failed; a failed job
// with attempts left is leased again and resumes.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// CancelledReason is the error recorded on jobs cancelled by their owner.
const CancelledReason = "cancelled by user"

// ReportJob is the durable record of one export request.
type ReportJob struct {
	ID               string
	OwnerID          string
	ReportType       ReportType
	Format           Format
	Filters          Filters
	Status           JobStatus
	TotalRows        *int64
	ProcessedRows    int64
	ProgressPercent  int
	CurrentSection   string
	RetryCount       int
	LastError        *string
	ArtifactLocation *string
	ArtifactSize     *int64
	PageCount        *int
	HasTOC           bool
	Cancelled        bool
	Expired          bool
	Checkpoint       json.RawMessage // versioned, see DecodeCheckpoint
	AsOf             time.Time       // reference time fixed at creation
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ExpiresAt        *time.Time
}

// IsActive reports whether the job counts against its owner's quota.
func (j *ReportJob) IsActive() bool {
	return j.Status == JobQueued || j.Status == JobRunning
}

// IsTerminal reports whether the job has reached completed or failed.
func (j *ReportJob) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// HasCheckpoint reports whether a checkpoint is attached.
func (j *ReportJob) HasCheckpoint() bool {
	return len(j.Checkpoint) > 0 && string(j.Checkpoint) != "null"
}

// DownloadExpired reports whether the download link is past its TTL at now.
func (j *ReportJob) DownloadExpired(now time.Time) bool {
	if j.Expired {
		return true
	}
	return j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
}

// ProgressPercent returns min(100, round(processed/total*100)). A zero total
// yields 0; callers complete zero-row jobs explicitly.
func ProgressPercent(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// CreateExportRequest is the input to job creation.
type CreateExportRequest struct {
	ReportType string  `json:"report_type"`
	Format     string  `json:"format"`
	Filters    Filters `json:"filters"`
}

// DownloadDescriptor is the time-limited reference handed out for a
// completed job's artifact.
type DownloadDescriptor struct {
	URL       string
	FileName  string
	ExpiresAt time.Time
	SizeBytes int64
	SizeHuman string
	PageCount *int
	Expired   bool
}

// ExportStatus is the status view returned to callers.
type ExportStatus struct {
	Job      *ReportJob
	Download *DownloadDescriptor
}
