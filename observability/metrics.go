package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instruments for traced workloads.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	spansTotal      *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	exportBatches   prometheus.Counter
	exportFailures  prometheus.Counter
	bufferedEvents  prometheus.Gauge
}

// NewMetrics registers instruments with reg. Pass nil to use the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of traced runs",
		}, []string{"name", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		spansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_total",
			Help:      "Total number of spans by kind",
		}, []string{"kind"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed",
		}, []string{"model", "direction"}),
		costTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Accumulated LLM cost in USD",
		}, []string{"model"}),
		exportBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_batches_total",
			Help:      "Ingestion batches shipped to the observability platform",
		}),
		exportFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Ingestion batches that failed to ship",
		}),
		bufferedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_buffer_events",
			Help:      "Events currently buffered for export",
		}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(name, status string, duration time.Duration) {
	m.runsTotal.WithLabelValues(name, status).Inc()
	m.runDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveSpan records a finished span.
func (m *Metrics) ObserveSpan(kind SpanKind) {
	m.spansTotal.WithLabelValues(string(kind)).Inc()
}

// ObserveUsage records token consumption and cost for a model.
func (m *Metrics) ObserveUsage(model string, usage TokenUsage, cost float64) {
	m.tokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.Prompt))
	m.tokensTotal.WithLabelValues(model, "completion").Add(float64(usage.Completion))
	if cost > 0 {
		m.costTotal.WithLabelValues(model).Add(cost)
	}
}

// ObserveExport records the outcome of one ingestion batch.
func (m *Metrics) ObserveExport(ok bool) {
	if ok {
		m.exportBatches.Inc()
	} else {
		m.exportFailures.Inc()
	}
}

// SetBufferedEvents reports the current export buffer depth.
func (m *Metrics) SetBufferedEvents(n int) {
	m.bufferedEvents.Set(float64(n))
}
