package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "warehouse_ingest"

// Event outcomes.
const (
	Outcome_Applied      = "applied"
	Outcome_Stale        = "stale"
	Outcome_HardFailure  = "hard_failure"
	Outcome_Malformed    = "malformed"
	Outcome_DeadLettered = "dead_lettered"
)

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	batches       *prometheus.CounterVec
	events        *prometheus.CounterVec
	published     *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchSize     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches by entity kind and terminal state",
		}, []string{"kind", "state"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Update events by entity kind and outcome",
		}, []string{"kind", "outcome"}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_records_total",
			Help:      "Records routed to retry and dead letter topics",
		}, []string{"topic", "result"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_retries_total",
			Help:      "In-process retries of unclassified write failures",
		}, []string{"kind"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from batch receipt to terminal state",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		batchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_events",
			Help:      "Decoded events per batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"kind"}),
	}
}

func (m *Metrics) BatchFinished(kind, state string, size int, took time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(kind, state).Inc()
	m.batchDuration.WithLabelValues(kind).Observe(took.Seconds())
	m.batchSize.WithLabelValues(kind).Observe(float64(size))
}

func (m *Metrics) Events(kind, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.events.WithLabelValues(kind, outcome).Add(float64(n))
}

func (m *Metrics) Published(topic string, n int, err error) {
	if m == nil || n == 0 {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(topic, result).Add(float64(n))
}

func (m *Metrics) Retried(kind string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(kind).Inc()
}
