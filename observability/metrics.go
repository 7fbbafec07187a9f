package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

// Metrics holds the Prometheus instruments for the submission pipeline.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	EventsRecordedTotal prometheus.Counter
	EventsEnqueuedTotal prometheus.Counter
	EventsSubmitted     *prometheus.CounterVec
	SubmissionsTotal    *prometheus.CounterVec
	SubmissionLatency   prometheus.Histogram
	SkippedCyclesTotal  *prometheus.CounterVec
	DroppedEntriesTotal *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
}

// NewMetrics registers the pipeline instruments with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler, or a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsRecordedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Events saved to the local event store.",
		}),
		EventsEnqueuedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Queue entries created.",
		}),
		EventsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_submitted_total",
			Help:      "Events sent to the collector, by outcome.",
		}, []string{"outcome"}),
		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Batch submissions, by status.",
		}, []string{"status"}),
		SubmissionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_latency_seconds",
			Help:      "Round-trip latency of batch submissions.",
			Buckets:   prometheus.DefBuckets,
		}),
		SkippedCyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_cycles_total",
			Help:      "Submission cycles that sent nothing, by reason.",
		}, []string{"reason"}),
		DroppedEntriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_entries_total",
			Help:      "Queue entries removed without a successful submission, by reason.",
		}, []string{"reason"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queue entries by state as of the last stats query.",
		}, []string{"state"}),
	}
}

// RecordSubmission records one batch submission.
func (m *Metrics) RecordSubmission(success bool, accepted, rejected int, latency time.Duration) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "success"
	}
	m.SubmissionsTotal.WithLabelValues(status).Inc()
	m.SubmissionLatency.Observe(latency.Seconds())
	m.EventsSubmitted.WithLabelValues("accepted").Add(float64(accepted))
	m.EventsSubmitted.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordSkip records a cycle that ended before submitting.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.SkippedCyclesTotal.WithLabelValues(reason).Inc()
}

// RecordRecorded counts an event saved to the store.
func (m *Metrics) RecordRecorded() {
	if m == nil {
		return
	}
	m.EventsRecordedTotal.Inc()
}

// RecordEnqueued counts n new queue entries.
func (m *Metrics) RecordEnqueued(n int) {
	if m == nil {
		return
	}
	m.EventsEnqueuedTotal.Add(float64(n))
}

// RecordDrop counts n entries removed for reason.
func (m *Metrics) RecordDrop(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedEntriesTotal.WithLabelValues(reason).Add(float64(n))
}

// SetQueueDepth publishes the latest queue statistics.
func (m *Metrics) SetQueueDepth(pending, retrying, total int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("retrying").Set(float64(retrying))
	m.QueueDepth.WithLabelValues("total").Set(float64(total))
}
