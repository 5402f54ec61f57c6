package export

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	JobsCreated          prometheus.Counter
	AdmissionRejections  prometheus.Counter
	JobsFinished         *prometheus.CounterVec
	WindowsRendered      *prometheus.CounterVec
	WindowDuration       *prometheus.HistogramVec
	CheckpointsWritten   *prometheus.CounterVec
	CheckpointsRejected  prometheus.Counter
	NotificationFailures prometheus.Counter
	QueueDepth           prometheus.Gauge
	ActiveWorkers        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "report_export", Name: "jobs_created_total",
			Help: "Export jobs admitted.",
		}),
		AdmissionRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "report_export", Name: "admission_rejections_total",
			Help: "Export requests rejected because the owner was at capacity.",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "report_export", Name: "jobs_finished_total",
			Help: "Engine runs by outcome.",
		}, []string{"outcome"}),
		WindowsRendered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "report_export", Name: "windows_rendered_total",
			Help: "Dataset windows rendered, by format.",
		}, []string{"format"}),
		WindowDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "report_export", Name: "window_duration_seconds",
			Help:    "Time to fetch and render one window.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"format"}),
		CheckpointsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "report_export", Name: "checkpoints_written_total",
			Help: "Checkpoints persisted, by kind (progress or failure).",
		}, []string{"kind"}),
		CheckpointsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "report_export", Name: "checkpoints_rejected_total",
			Help: "Stored checkpoints that could not be decoded.",
		}),
		NotificationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "report_export", Name: "notification_failures_total",
			Help: "Notifier calls that returned an error.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "report_export", Name: "queue_depth",
			Help: "Entries in the export queue at the last sweep.",
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "report_export", Name: "active_workers",
			Help: "Workers currently executing a job.",
		}),
	}
}
