package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-export/internal/domain"
	"report-export/internal/testutil"
)

type fakeRunner struct {
	mu      sync.Mutex
	results []Result
	runs    int
}

func (f *fakeRunner) Run(context.Context, *domain.ReportJob) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if len(f.results) == 0 {
		return Result{Outcome: OutcomeTransient, Err: errors.New("database is locked")}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSupervisor(h *harness, runner Runner, notifier domain.Notifier) (*Supervisor, *Dispatcher, *clock) {
	c := &clock{now: created}
	d := NewDispatcher(notifier, time.Second, nil, quietLogger())
	s := NewSupervisor(runner, h.jobs, h.queue, d, nil, SupervisorConfig{Workers: 1}, quietLogger())
	s.SetClock(c.Now)
	return s, d, c
}

func TestSupervisor_RetriesWithBackoffThenFailsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)
	runner := &fakeRunner{}
	notifier := &testutil.RecordingNotifier{}
	sup, dispatch, clk := newSupervisor(h, runner, notifier)

	handled, err := sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, handled)

	for _, delay := range []time.Duration{60 * time.Second, 300 * time.Second} {
		clk.Advance(delay - time.Second)
		handled, err = sup.ProcessNext(ctx, "w1")
		require.NoError(t, err)
		assert.False(t, handled, "not due before the backoff delay")

		clk.Advance(time.Second)
		handled, err = sup.ProcessNext(ctx, "w1")
		require.NoError(t, err)
		require.True(t, handled)
	}
	dispatch.Wait()

	assert.Equal(t, 3, runner.runs)
	assert.Equal(t, []string{job.ID}, notifier.Failed(), "exactly one failure notification")
	assert.Empty(t, notifier.Completed())

	failed := h.reload(t, job.ID)
	assert.Equal(t, domain.JobFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "export failed after 3 attempts: database is locked", *failed.LastError)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	clk.Advance(time.Hour)
	handled, err = sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestSupervisor_PermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)
	runner := &fakeRunner{results: []Result{{Outcome: OutcomePermanent, Err: domain.Permanent(errors.New("bad filter"))}}}
	notifier := &testutil.RecordingNotifier{}
	sup, dispatch, _ := newSupervisor(h, runner, notifier)

	handled, err := sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, handled)
	dispatch.Wait()

	assert.Equal(t, []string{job.ID}, notifier.Failed())
	failed := h.reload(t, job.ID)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "export failed after 1 attempts: bad filter", *failed.LastError)
}

func TestSupervisor_CancelledJobIsDroppedSilently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, domain.ReportDetail, domain.FormatXLSX, march)
	notifier := &testutil.RecordingNotifier{}
	sup, dispatch, _ := newSupervisor(h, &fakeRunner{results: []Result{{Outcome: OutcomeCancelled}}}, notifier)

	handled, err := sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, handled)
	dispatch.Wait()

	assert.Empty(t, notifier.Failed())
	assert.Empty(t, notifier.Completed())
	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSupervisor_RunsEngineToCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	seedOrders(h, 30)
	job := h.create(t, domain.ReportDetail, domain.FormatPDF, march)
	notifier := &testutil.RecordingNotifier{Err: errors.New("smtp down")}
	sup, dispatch, _ := newSupervisor(h, h.engine, notifier)

	handled, err := sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, handled)
	dispatch.Wait()

	assert.Equal(t, []string{job.ID}, notifier.Completed(), "notifier errors are swallowed")
	assert.Equal(t, domain.JobCompleted, h.reload(t, job.ID).Status)
}

func TestSupervisor_TransientFailureResumesOnRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	seedOrders(h, 12500)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)
	notifier := &testutil.RecordingNotifier{}
	sup, dispatch, clk := newSupervisor(h, h.engine, notifier)

	h.rows.FailOn = func(call int) bool { return call == 3 }
	handled, err := sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, domain.JobFailed, h.reload(t, job.ID).Status)

	h.rows.FailOn = nil
	h.rows.Reset()
	clk.Advance(time.Minute)
	handled, err = sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, handled)
	dispatch.Wait()

	assert.Equal(t, []int64{10000}, h.rows.Offsets())
	done := h.reload(t, job.ID)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, int64(12500), done.ProcessedRows)
	assert.Equal(t, []string{job.ID}, notifier.Completed())
	assert.Empty(t, notifier.Failed())
}

func TestSupervisor_BackoffSchedule(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(nil, nil, nil, nil, nil, SupervisorConfig{}, quietLogger())
	assert.Equal(t, 60*time.Second, s.Backoff(1))
	assert.Equal(t, 300*time.Second, s.Backoff(2))
	assert.Equal(t, 900*time.Second, s.Backoff(3))
	assert.Equal(t, 900*time.Second, s.Backoff(7))
}

func TestSupervisor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sup, _, _ := newSupervisor(h, &fakeRunner{}, nil)
	sup.cfg.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

// leaseThief hands the job's lease to another worker, then waits for the
// run context to end the way the engine does at a window boundary.
type leaseThief struct {
	h     *harness
	cause error
}

func (l *leaseThief) Run(ctx context.Context, job *domain.ReportJob) Result {
	_, err := l.h.write.ExecContext(context.Background(),
		`UPDATE export_queue SET leased_by = 'w2' WHERE job_id = ?`, job.ID)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: err}
	}
	select {
	case <-ctx.Done():
		l.cause = context.Cause(ctx)
		return Result{Outcome: OutcomeStale, Err: ctx.Err()}
	case <-time.After(5 * time.Second):
		return Result{Outcome: OutcomeTransient, Err: errors.New("run was not stopped")}
	}
}

func TestSupervisor_LostLeaseStopsRunWithoutSettling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, domain.ReportDetail, domain.FormatXLSX, march)
	notifier := &testutil.RecordingNotifier{}
	d := NewDispatcher(notifier, time.Second, nil, quietLogger())
	thief := &leaseThief{h: h}
	sup := NewSupervisor(thief, h.jobs, h.queue, d, nil, SupervisorConfig{Workers: 1, LeaseTTL: 30 * time.Millisecond}, quietLogger())
	sup.SetClock(func() time.Time { return created })

	handled, err := sup.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, handled)
	d.Wait()

	assert.ErrorIs(t, thief.cause, ErrLeaseLost)
	assert.Empty(t, notifier.Failed())

	var owner string
	require.NoError(t, h.write.QueryRowContext(ctx,
		`SELECT leased_by FROM export_queue WHERE job_id = ?`, job.ID).Scan(&owner))
	assert.Equal(t, "w2", owner, "entry stays with the worker that took it over")
	assert.NotEqual(t, domain.JobFailed, h.reload(t, job.ID).Status)
}
