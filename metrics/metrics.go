// Package metrics exports backfill results as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.sia.tech/carpark/backfill"
)

// DefaultNamespace prefixes every metric name if no namespace is configured.
const DefaultNamespace = "backfill"

// Metrics holds the counters of a backfill run. It implements
// backfill.Reporter.
type Metrics struct {
	Copied   prometheus.Counter // <ns>_copy_total
	Existing prometheus.Counter // <ns>_existing_total
	Errors   prometheus.Counter // <ns>_error_total

	Skipped     *prometheus.CounterVec // <ns>_skipped_total{reason}
	BytesCopied prometheus.Counter     // <ns>_bytes_copied_total

	CopyDuration *prometheus.HistogramVec // <ns>_copy_duration_seconds{status}
}

var _ backfill.Reporter = (*Metrics)(nil)

// ReportOutcome implements backfill.Reporter.
func (m *Metrics) ReportOutcome(o backfill.Outcome) {
	switch o.Status {
	case backfill.StatusSuccess:
		m.Copied.Inc()
		m.BytesCopied.Add(float64(o.Bytes))
	case backfill.StatusExist:
		m.Existing.Inc()
		return
	case backfill.StatusFail:
		m.Errors.Inc()
	}
	if o.Duration > 0 {
		m.CopyDuration.WithLabelValues(o.Status.String()).Observe(o.Duration.Seconds())
	}
}

// ReportSkip implements backfill.Reporter.
func (m *Metrics) ReportSkip(_ backfill.ObjectRef, d backfill.Decision) {
	m.Skipped.WithLabelValues(d.String()).Inc()
}

// New registers the backfill metrics with registry. If registry is nil the
// default registerer is used.
func New(namespace string, registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(registry)

	return &Metrics{
		Copied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copy_total",
			Help:      "Total archives copied",
		}),
		Existing: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "existing_total",
			Help:      "Total archives already present in the destination",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_total",
			Help:      "Total archives that failed to migrate",
		}),
		Skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_total",
			Help:      "Total archives skipped by reason",
		}, []string{"reason"}),
		BytesCopied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_copied_total",
			Help:      "Total archive bytes copied",
		}),
		CopyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "copy_duration_seconds",
			Help:      "Archive migration duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
	}
}
