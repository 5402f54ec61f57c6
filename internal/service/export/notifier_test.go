package export

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-export/internal/domain"
	"report-export/internal/testutil"
)

func TestWebhookNotifier_PostsEvents(t *testing.T) {
	t.Parallel()
	events := make(chan WebhookEvent, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		events <- ev
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	msg := "export failed after 3 attempts: boom"
	job := &domain.ReportJob{ID: "job-1", OwnerID: "alice", ReportType: domain.ReportDetail,
		Format: domain.FormatPDF, Status: domain.JobFailed, LastError: &msg}
	n := WebhookNotifier{URL: srv.URL, Client: srv.Client()}

	require.NoError(t, n.NotifyFailed(context.Background(), job))
	ev := <-events
	assert.Equal(t, "export.failed", ev.Event)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, msg, ev.Error)

	job.Status, job.LastError = domain.JobCompleted, nil
	require.NoError(t, n.NotifyCompleted(context.Background(), job))
	ev = <-events
	assert.Equal(t, "export.completed", ev.Event)
	assert.Empty(t, ev.Error)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := WebhookNotifier{URL: srv.URL}.NotifyCompleted(context.Background(), &domain.ReportJob{ID: "job-1"})
	assert.ErrorContains(t, err, "502")
}

func TestMultiNotifier_CallsEveryNotifier(t *testing.T) {
	t.Parallel()
	a := &testutil.RecordingNotifier{Err: errors.New("down")}
	b := &testutil.RecordingNotifier{}
	job := &domain.ReportJob{ID: "job-1"}

	err := MultiNotifier{a, b}.NotifyCompleted(context.Background(), job)
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{"job-1"}, a.Completed())
	assert.Equal(t, []string{"job-1"}, b.Completed())
}

type blockingNotifier struct{}

func (blockingNotifier) NotifyCompleted(ctx context.Context, _ *domain.ReportJob) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingNotifier) NotifyFailed(context.Context, *domain.ReportJob) error {
	panic("notifier bug")
}

func TestDispatcher_NeverBlocksOrPanics(t *testing.T) {
	t.Parallel()
	metrics := NewMetrics(nil)
	d := NewDispatcher(blockingNotifier{}, 200*time.Millisecond, metrics, quietLogger())

	began := time.Now()
	d.Completed(&domain.ReportJob{ID: "job-1"})
	d.Failed(&domain.ReportJob{ID: "job-2"})
	assert.Less(t, time.Since(began), 100*time.Millisecond, "dispatch returns immediately")
	d.Wait()
}
