// Package metrics provides Prometheus metrics for the reminder pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ExtractionsReceived   prometheus.Counter
	RecordsPersisted      prometheus.Counter
	BundlesBuilt          prometheus.Counter
	SchedulesRegistered   prometheus.Counter
	PipelineFailures      *prometheus.CounterVec
	PipelineDuration      prometheus.Histogram
	RemindersDelivered    prometheus.Counter
	ReminderFailures      prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ExtractionsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractions_received_total",
			Help: "Total extraction payloads accepted for processing",
		}),
		RecordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_records_persisted_total",
			Help: "Total prescription records written",
		}),
		BundlesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinical_bundles_built_total",
			Help: "Total clinical bundles assembled and stored",
		}),
		SchedulesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_schedules_registered_total",
			Help: "Total reminder schedules registered",
		}),
		PipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_failures_total",
			Help: "Pipeline failures by stage",
		}, []string{"stage"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_processing_duration_seconds",
			Help:    "End-to-end extraction processing duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		RemindersDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_delivered_total",
			Help: "Total reminder messages delivered",
		}),
		ReminderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_delivery_failures_total",
			Help: "Total reminder delivery failures",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ExtractionsReceived,
		m.RecordsPersisted,
		m.BundlesBuilt,
		m.SchedulesRegistered,
		m.PipelineFailures,
		m.PipelineDuration,
		m.RemindersDelivered,
		m.ReminderFailures,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
