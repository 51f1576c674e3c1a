package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all drift Prometheus metrics.
type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	RecordsTotal    *prometheus.CounterVec
	NoSchemaTotal   *prometheus.CounterVec
	SinksCreated    *prometheus.CounterVec
	SinksRetired    *prometheus.CounterVec
	FlushesTotal    *prometheus.CounterVec
	FlushedRecords  *prometheus.CounterVec
	FlushDuration   *prometheus.HistogramVec
	ActiveSinks     prometheus.Gauge
	RetiringSinks   prometheus.Gauge
	DLQTotal        *prometheus.CounterVec
	StateCheckpoint prometheus.Counter
}

// NewMetrics creates and registers all drift metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_messages_total",
			Help: "Messages consumed, by decoded type.",
		}, []string{"type"}),

		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_records_total",
			Help: "Records routed to a sink, by stream.",
		}, []string{"stream"}),

		NoSchemaTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_records_without_schema_total",
			Help: "Records rejected because their stream had no schema.",
		}, []string{"stream"}),

		SinksCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_sinks_created_total",
			Help: "Sinks created, by stream.",
		}, []string{"stream"}),

		SinksRetired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_sinks_retired_total",
			Help: "Sinks retired on schema drift, by stream and reason.",
		}, []string{"stream", "reason"}),

		FlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_flushes_total",
			Help: "Flush attempts, by stream and outcome.",
		}, []string{"stream", "status"}),

		FlushedRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_flushed_records_total",
			Help: "Records persisted to the destination store, by stream.",
		}, []string{"stream"}),

		FlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drift_flush_duration_seconds",
			Help:    "Destination store write time per flush.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),

		ActiveSinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drift_sinks_active",
			Help: "Sinks currently accepting records.",
		}),

		RetiringSinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drift_sinks_retiring",
			Help: "Superseded sinks awaiting drain.",
		}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_dlq_total",
			Help: "Messages sent to the dead-letter topic, by stream.",
		}, []string{"stream"}),

		StateCheckpoint: factory.NewCounter(prometheus.CounterOpts{
			Name: "drift_state_checkpoints_total",
			Help: "State messages emitted after successful drains.",
		}),
	}
}

// SinkEvents adapts Metrics to the sink lifecycle events interface.
type SinkEvents struct {
	metrics *Metrics
}

// NewSinkEvents creates a sink event listener backed by the given metrics.
func NewSinkEvents(m *Metrics) *SinkEvents {
	return &SinkEvents{metrics: m}
}

// SinkCreated counts a sink creation.
func (e *SinkEvents) SinkCreated(stream, _ string) {
	e.metrics.SinksCreated.WithLabelValues(stream).Inc()
}

// SinkRetired counts a retirement with its drift reason.
func (e *SinkEvents) SinkRetired(stream, _, reason string) {
	e.metrics.SinksRetired.WithLabelValues(stream, reason).Inc()
}

// FlushSucceeded counts a successful flush and observes its duration.
func (e *SinkEvents) FlushSucceeded(stream, _ string, records int, took time.Duration) {
	e.metrics.FlushesTotal.WithLabelValues(stream, "ok").Inc()
	e.metrics.FlushedRecords.WithLabelValues(stream).Add(float64(records))
	e.metrics.FlushDuration.WithLabelValues(stream).Observe(took.Seconds())
}

// FlushFailed counts a failed flush.
func (e *SinkEvents) FlushFailed(stream, _ string, _ int, _ error) {
	e.metrics.FlushesTotal.WithLabelValues(stream, "error").Inc()
}
