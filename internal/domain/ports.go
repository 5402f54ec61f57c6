package domain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// ErrNoDirectURL is returned by stores that cannot mint their own download
// links; the service then issues a signed link to its download route.
var ErrNoDirectURL = errors.New("artifact store has no direct download url")

// CompletedExport is the data written when a job completes.
type CompletedExport struct {
	Location      string
	SizeBytes     int64
	PageCount     *int
	HasTOC        bool
	ProcessedRows int64
	ExpiresAt     time.Time
}

// ReportJobRepository persists job records. Creation and cancellation also
// maintain the job's queue entry in the same transaction.
type ReportJobRepository interface {
	// CreateAdmitted counts the owner's active jobs and inserts job plus its
	// queue entry atomically. Returns *QuotaExceededError at capacity.
	CreateAdmitted(ctx context.Context, job *ReportJob, maxActive, maxAttempts int) (*ReportJob, error)
	GetByID(ctx context.Context, id string) (*ReportJob, error)
	ListByOwner(ctx context.Context, ownerID string, page PageRequest) ([]ReportJob, int64, error)
	Cancel(ctx context.Context, id string, now time.Time) (*ReportJob, error)
	Requeue(ctx context.Context, id string, maxActive, maxAttempts int, now time.Time) (*ReportJob, error)
	Delete(ctx context.Context, id string) error

	MarkRunning(ctx context.Context, id string, fresh bool, now time.Time) (*ReportJob, error)
	SetTotal(ctx context.Context, id string, total int64, now time.Time) error
	UpdateProgress(ctx context.Context, id string, processed int64, percent int, section string, now time.Time) error
	SaveCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage, failure bool, now time.Time) error
	ClearCheckpoint(ctx context.Context, id string, now time.Time) error
	MarkCompleted(ctx context.Context, id string, result CompletedExport, now time.Time) error
	MarkFailed(ctx context.Context, id, message string, now time.Time) error
	IsCancelled(ctx context.Context, id string) (bool, error)

	ListExpirable(ctx context.Context, now time.Time, limit int) ([]ReportJob, error)
	MarkExpired(ctx context.Context, id string, now time.Time) error
}

// QueueEntry is one leased delivery of a job.
type QueueEntry struct {
	JobID       string
	Attempts    int
	MaxAttempts int
	LeasedBy    string
}

// ExportQueue is the durable at-least-once queue feeding the worker pool.
type ExportQueue interface {
	// Lease claims the oldest due entry and increments its attempt count.
	// It returns nil, nil when nothing is due.
	Lease(ctx context.Context, workerID string, now time.Time, ttl time.Duration) (*QueueEntry, error)
	Heartbeat(ctx context.Context, jobID, workerID string, until time.Time) error
	Requeue(ctx context.Context, jobID string, runAfter time.Time) error
	Remove(ctx context.Context, jobID string) error
	ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	Depth(ctx context.Context) (int64, error)
}

// RowSource counts and fetches ordered windows of a planned query.
type RowSource interface {
	Count(ctx context.Context, q Query) (int64, error)
	FetchWindow(ctx context.Context, q Query, offset, limit int64) ([]Row, error)
	ListEntities(ctx context.Context, q Query) ([]Entity, error)
}

// ArtifactStore holds finished export files.
type ArtifactStore interface {
	Put(ctx context.Context, key, localPath, contentType string) (location string, size int64, err error)
	DownloadURL(ctx context.Context, location, fileName string, expiresAt time.Time) (string, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// Notifier is told about terminal jobs. Callers never block on it and never
// fail because of it.
type Notifier interface {
	NotifyCompleted(ctx context.Context, job *ReportJob) error
	NotifyFailed(ctx context.Context, job *ReportJob) error
}
