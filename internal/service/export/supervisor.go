package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"report-export/internal/domain"
)

// ErrLeaseLost is the cancellation cause of a run whose queue lease was
// taken over by another worker.
var ErrLeaseLost = errors.New("export lease lost")

// Runner executes one job. *Engine implements it.
type Runner interface {
	Run(ctx context.Context, job *domain.ReportJob) Result
}

// SupervisorConfig holds the worker pool tunables.
type SupervisorConfig struct {
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	Backoff      []time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	return c
}

// Supervisor owns the worker pool. It leases queue entries, runs the engine
// and applies the retry policy to the result.
type Supervisor struct {
	runner   Runner
	jobs     domain.ReportJobRepository
	queue    domain.ExportQueue
	notify   *Dispatcher
	metrics  *Metrics
	cfg      SupervisorConfig
	logger   *slog.Logger
	now      func() time.Time
	workerID string
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(runner Runner, jobs domain.ReportJobRepository, queue domain.ExportQueue, notify *Dispatcher, metrics *Metrics, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Supervisor{
		runner:   runner,
		jobs:     jobs,
		queue:    queue,
		notify:   notify,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "export-supervisor"),
		now:      time.Now,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// SetClock replaces the supervisor's time source.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Backoff returns the delay before retrying after the given attempt. The
// last delay repeats once the schedule runs out.
func (s *Supervisor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.cfg.Backoff) {
		return s.cfg.Backoff[len(s.cfg.Backoff)-1]
	}
	return s.cfg.Backoff[attempt-1]
}

// Run starts the workers and blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		id := fmt.Sprintf("%s/%d", s.workerID, i)
		g.Go(func() error {
			s.work(ctx, id)
			return nil
		})
	}
	s.logger.Info("export workers started", "workers", s.cfg.Workers)
	return g.Wait()
}

func (s *Supervisor) work(ctx context.Context, workerID string) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		handled, err := s.ProcessNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("worker iteration failed", "worker", workerID, "error", err)
		}
		if handled && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext leases and handles at most one queue entry. It reports whether
// an entry was handled.
func (s *Supervisor) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	entry, err := s.queue.Lease(ctx, workerID, s.now(), s.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	if entry == nil {
		return false, nil
	}
	log := s.logger.With("job_id", entry.JobID, "worker", workerID, "attempt", entry.Attempts)
	persist := context.WithoutCancel(ctx)

	job, err := s.jobs.GetByID(ctx, entry.JobID)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return true, s.queue.Remove(persist, entry.JobID)
		}
		return true, s.queue.Requeue(persist, entry.JobID, s.now().Add(s.Backoff(entry.Attempts)))
	}
	if entry.Attempts > entry.MaxAttempts {
		// a worker died holding this entry on its final attempt
		return true, s.giveUp(persist, entry, errors.New("worker lease expired"), log)
	}

	s.metrics.ActiveWorkers.Inc()
	runCtx, stopRun := context.WithCancelCause(ctx)
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	go s.heartbeat(hbCtx, entry, workerID, stopRun, log)
	res := s.runner.Run(runCtx, job)
	stopHeartbeat()
	lost := errors.Is(context.Cause(runCtx), ErrLeaseLost)
	stopRun(nil)
	s.metrics.ActiveWorkers.Dec()

	if lost {
		// the entry belongs to whichever worker took over the lease
		log.Warn("export abandoned after losing its lease", "outcome", res.Outcome.String())
		return true, nil
	}
	return true, s.settle(ctx, entry, res, log)
}

// heartbeat extends the lease until ctx ends. Once the lease is gone it
// cancels the run with ErrLeaseLost.
func (s *Supervisor) heartbeat(ctx context.Context, entry *domain.QueueEntry, workerID string, abort context.CancelCauseFunc, log *slog.Logger) {
	ticker := time.NewTicker(max(s.cfg.LeaseTTL/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.queue.Heartbeat(ctx, entry.JobID, workerID, s.now().Add(s.cfg.LeaseTTL))
			if err == nil || ctx.Err() != nil {
				continue
			}
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				log.Error("lease lost, stopping export", "error", err)
				abort(ErrLeaseLost)
				return
			}
			log.Warn("lease heartbeat failed", "error", err)
		}
	}
}

// settle applies the retry policy to an engine result.
func (s *Supervisor) settle(ctx context.Context, entry *domain.QueueEntry, res Result, log *slog.Logger) error {
	persist := context.WithoutCancel(ctx)
	switch res.Outcome {
	case OutcomeCompleted:
		if err := s.queue.Remove(persist, entry.JobID); err != nil {
			return err
		}
		if job, err := s.jobs.GetByID(persist, entry.JobID); err == nil {
			s.notify.Completed(job)
		}
		return nil
	case OutcomeCancelled, OutcomeStale:
		log.Info("export delivery dropped", "outcome", res.Outcome.String())
		return s.queue.Remove(persist, entry.JobID)
	case OutcomeTransient:
		if ctx.Err() != nil {
			// shutting down: hand the job straight back
			return s.queue.Requeue(persist, entry.JobID, s.now())
		}
		if entry.Attempts < entry.MaxAttempts {
			delay := s.Backoff(entry.Attempts)
			log.Info("export retry scheduled", "delay", delay, "error", res.Err)
			return s.queue.Requeue(persist, entry.JobID, s.now().Add(delay))
		}
	}
	return s.giveUp(persist, entry, res.Err, log)
}

// giveUp records the permanent failure and sends the single failure
// notification.
func (s *Supervisor) giveUp(ctx context.Context, entry *domain.QueueEntry, cause error, log *slog.Logger) error {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	attempts := min(entry.Attempts, entry.MaxAttempts)
	msg := fmt.Sprintf("export failed after %d attempts: %v", attempts, cause)
	if err := s.jobs.MarkFailed(ctx, entry.JobID, msg, s.now()); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, entry.JobID); err != nil {
		return err
	}
	log.Error("export failed permanently", "error", cause, "attempts", attempts)
	job, err := s.jobs.GetByID(ctx, entry.JobID)
	if err != nil {
		return err
	}
	if !job.Cancelled {
		s.notify.Failed(job)
	}
	return nil
}
