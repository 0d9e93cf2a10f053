package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all cdcsink Prometheus metrics.
type Metrics struct {
	RowsTotal       *prometheus.CounterVec
	StatementErrors *prometheus.CounterVec
	UploadsTotal    *prometheus.CounterVec
	UploadAttempts  *prometheus.CounterVec
	UploadDuration  prometheus.Histogram
	SpoolRetained   prometheus.Counter
	EventsSkipped   prometheus.Counter
}

// NewMetrics creates and registers all cdcsink metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdcsink_rows_total",
			Help: "Rows handed to a sink, by delivery path and operation.",
		}, []string{"path", "op"}),

		StatementErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdcsink_statement_errors_total",
			Help: "Failed statements against the SQL store.",
		}, []string{"op"}),

		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdcsink_uploads_total",
			Help: "Spool file uploads by final outcome.",
		}, []string{"outcome"}),

		UploadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdcsink_upload_attempts_total",
			Help: "Upload attempts by response class.",
		}, []string{"class"}),

		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdcsink_upload_duration_seconds",
			Help:    "Time spent delivering one spool file, retries included.",
			Buckets: prometheus.DefBuckets,
		}),

		SpoolRetained: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdcsink_spool_retained_total",
			Help: "Spool files kept on disk because delivery was not confirmed.",
		}),

		EventsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdcsink_events_skipped_total",
			Help: "Events dropped because they failed upstream verification.",
		}),
	}
}
