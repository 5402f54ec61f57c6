package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"report-export/internal/domain"
)

const sweepBatch = 100

// Sweeper runs the periodic housekeeping: it releases leases held by dead
// workers and expires downloads whose TTL has passed.
type Sweeper struct {
	cron     *cron.Cron
	schedule string
	jobs     domain.ReportJobRepository
	queue    domain.ExportQueue
	store    domain.ArtifactStore
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper that runs on a cron schedule such as
// "@every 1m".
func NewSweeper(schedule string, jobs domain.ReportJobRepository, queue domain.ExportQueue, store domain.ArtifactStore, metrics *Metrics, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Sweeper{
		cron:     cron.New(),
		schedule: schedule,
		jobs:     jobs,
		queue:    queue,
		store:    store,
		metrics:  metrics,
		logger:   logger.With("component", "export-sweeper"),
		now:      time.Now,
	}
}

// SetClock replaces the sweeper's time source.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Start registers the sweep and starts the cron scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx := context.Background()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	LeasesReaped int64
	Expired      int
}

// Sweep performs one housekeeping pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	reaped, err := s.queue.ReapExpiredLeases(ctx, now)
	if err != nil {
		return res, fmt.Errorf("reap leases: %w", err)
	}
	res.LeasesReaped = reaped
	if reaped > 0 {
		s.logger.Warn("released expired leases", "count", reaped)
	}

	var errs []error
	for {
		jobs, err := s.jobs.ListExpirable(ctx, now, sweepBatch)
		if err != nil {
			return res, fmt.Errorf("list expirable: %w", err)
		}
		for i := range jobs {
			if err := s.expire(ctx, &jobs[i], now); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Expired++
		}
		// a failing job stays expirable; stop rather than loop on it
		if len(jobs) < sweepBatch || len(errs) > 0 {
			break
		}
	}

	if depth, err := s.queue.Depth(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}
	if res.Expired > 0 {
		s.logger.Info("expired downloads", "count", res.Expired)
	}
	return res, errors.Join(errs...)
}

func (s *Sweeper) expire(ctx context.Context, job *domain.ReportJob, now time.Time) error {
	if job.ArtifactLocation != nil {
		if err := s.store.Delete(ctx, *job.ArtifactLocation); err != nil {
			var nf *domain.NotFoundError
			if !errors.As(err, &nf) {
				return fmt.Errorf("delete artifact for %s: %w", job.ID, err)
			}
		}
	}
	if err := s.jobs.MarkExpired(ctx, job.ID, now); err != nil {
		return fmt.Errorf("mark %s expired: %w", job.ID, err)
	}
	return nil
}
