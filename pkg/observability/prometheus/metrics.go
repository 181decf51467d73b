// Package prometheus exposes the Strata metrics collection. Backends, the
// batcher and the polling client record into a Metrics instance; the
// default instance registers into DefaultRegistry.
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "strata"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Write path
	AppendsTotal    *prometheus.CounterVec
	AppendDuration  *prometheus.HistogramVec
	FillersTotal    *prometheus.CounterVec
	SequenceReloads *prometheus.CounterVec
	BatchSize       prometheus.Histogram

	// Read path
	ChunksDelivered *prometheus.CounterVec

	// Polling client
	PollCyclesTotal *prometheus.CounterVec
	PollPosition    prometheus.Gauge
}

// GetMetrics returns the shared metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a metrics collection registered with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		AppendsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_appends_total",
				Help: "Total number of append attempts by outcome",
			},
			[]string{"backend", "outcome"},
		),
		AppendDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strata_append_duration_seconds",
				Help:    "Append latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		FillersTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_fillers_total",
				Help: "Total number of empty filler chunks written after conflicts",
			},
			[]string{"backend"},
		),
		SequenceReloads: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_sequence_reloads_total",
				Help: "Total number of sequence reloads after position collisions",
			},
			[]string{"backend"},
		),
		BatchSize: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "strata_batch_size",
				Help:    "Number of jobs per AppendBatch call",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		ChunksDelivered: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_chunks_delivered_total",
				Help: "Chunks delivered to subscriptions by read kind",
			},
			[]string{"backend", "read"},
		),
		PollCyclesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_poll_cycles_total",
				Help: "Polling client cycles by outcome",
			},
			[]string{"outcome"},
		),
		PollPosition: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "strata_poll_position",
				Help: "Highest position delivered by the polling client",
			},
		),
	}
}

// RecordAppend records one append attempt.
func (m *Metrics) RecordAppend(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(backend, outcome).Inc()
	m.AppendDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordFiller records one filler write.
func (m *Metrics) RecordFiller(backend string) {
	if m == nil {
		return
	}
	m.FillersTotal.WithLabelValues(backend).Inc()
}

// RecordSequenceReload records one stale-sequence recovery.
func (m *Metrics) RecordSequenceReload(backend string) {
	if m == nil {
		return
	}
	m.SequenceReloads.WithLabelValues(backend).Inc()
}

// RecordBatch records the size of one AppendBatch call.
func (m *Metrics) RecordBatch(jobs int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(jobs))
}

// RecordDelivered records chunks handed to a subscription.
func (m *Metrics) RecordDelivered(backend, read string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksDelivered.WithLabelValues(backend, read).Add(float64(n))
}

// RecordPoll records one polling cycle.
func (m *Metrics) RecordPoll(outcome string) {
	if m == nil {
		return
	}
	m.PollCyclesTotal.WithLabelValues(outcome).Inc()
}

// SetPollPosition records the polling client's position.
func (m *Metrics) SetPollPosition(p int64) {
	if m == nil {
		return
	}
	m.PollPosition.Set(float64(p))
}
