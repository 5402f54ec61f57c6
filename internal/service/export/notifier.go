package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"report-export/internal/domain"
)

// LogNotifier writes terminal job events to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyCompleted implements domain.Notifier.
func (n LogNotifier) NotifyCompleted(_ context.Context, job *domain.ReportJob) error {
	n.Logger.Info("export ready", "job_id", job.ID, "owner_id", job.OwnerID, "rows", job.ProcessedRows)
	return nil
}

// NotifyFailed implements domain.Notifier.
func (n LogNotifier) NotifyFailed(_ context.Context, job *domain.ReportJob) error {
	msg := ""
	if job.LastError != nil {
		msg = *job.LastError
	}
	n.Logger.Warn("export failed", "job_id", job.ID, "owner_id", job.OwnerID, "error", msg)
	return nil
}

// WebhookEvent is the JSON body posted by WebhookNotifier.
type WebhookEvent struct {
	Event         string     `json:"event"`
	JobID         string     `json:"job_id"`
	OwnerID       string     `json:"owner_id"`
	ReportType    string     `json:"report_type"`
	Format        string     `json:"format"`
	Status        string     `json:"status"`
	ProcessedRows int64      `json:"processed_rows"`
	Error         string     `json:"error,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// WebhookNotifier posts export.completed and export.failed events.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NotifyCompleted implements domain.Notifier.
func (n WebhookNotifier) NotifyCompleted(ctx context.Context, job *domain.ReportJob) error {
	return n.post(ctx, "export.completed", job)
}

// NotifyFailed implements domain.Notifier.
func (n WebhookNotifier) NotifyFailed(ctx context.Context, job *domain.ReportJob) error {
	return n.post(ctx, "export.failed", job)
}

func (n WebhookNotifier) post(ctx context.Context, event string, job *domain.ReportJob) error {
	ev := WebhookEvent{
		Event:         event,
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		ReportType:    string(job.ReportType),
		Format:        string(job.Format),
		Status:        string(job.Status),
		ProcessedRows: job.ProcessedRows,
		FinishedAt:    job.FinishedAt,
		ExpiresAt:     job.ExpiresAt,
	}
	if job.LastError != nil {
		ev.Error = *job.LastError
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", event, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: webhook returned %d", event, resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans an event out to every notifier.
type MultiNotifier []domain.Notifier

// NotifyCompleted implements domain.Notifier.
func (m MultiNotifier) NotifyCompleted(ctx context.Context, job *domain.ReportJob) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyCompleted(ctx, job))
	}
	return errors.Join(errs...)
}

// NotifyFailed implements domain.Notifier.
func (m MultiNotifier) NotifyFailed(ctx context.Context, job *domain.ReportJob) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyFailed(ctx, job))
	}
	return errors.Join(errs...)
}

// Dispatcher calls a Notifier in the background with a timeout. Errors are
// logged and counted, never returned.
type Dispatcher struct {
	notifier domain.Notifier
	timeout  time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil notifier drops every event.
func NewDispatcher(n domain.Notifier, timeout time.Duration, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{notifier: n, timeout: timeout, metrics: metrics, logger: logger}
}

// Completed dispatches a completion event.
func (d *Dispatcher) Completed(job *domain.ReportJob) {
	d.dispatch("completed", job, func(ctx context.Context, n domain.Notifier) error { return n.NotifyCompleted(ctx, job) })
}

// Failed dispatches a failure event.
func (d *Dispatcher) Failed(job *domain.ReportJob) {
	d.dispatch("failed", job, func(ctx context.Context, n domain.Notifier) error { return n.NotifyFailed(ctx, job) })
}

func (d *Dispatcher) dispatch(event string, job *domain.ReportJob, call func(context.Context, domain.Notifier) error) {
	if d.notifier == nil || job == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.metrics.NotificationFailures.Inc()
				d.logger.Warn("notifier panicked", "event", event, "job_id", job.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := call(ctx, d.notifier); err != nil {
			d.metrics.NotificationFailures.Inc()
			d.logger.Warn("notification failed", "event", event, "job_id", job.ID, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }
