package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingest metrics
	IngestReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_ingest_readings_total",
			Help: "Total number of sensor readings received",
		},
		[]string{"status"}, // status: accepted, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_ingest_batch_size",
			Help:    "Size of reading batches received",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Engine metrics
	EvaluationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_evaluations_total",
			Help: "Total number of snapshot evaluations",
		},
	)

	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_findings_total",
			Help: "Total number of anomaly findings by rule code and severity",
		},
		[]string{"code", "severity"},
	)

	MachineStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_machine_status_total",
			Help: "Total number of diagnoses by derived status",
		},
		[]string{"status"},
	)

	FleetAttention = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_fleet_attention_machines",
			Help: "Machines needing attention in the latest fleet report",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_worker_processed_total",
			Help: "Total number of readings processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_worker_failed_total",
			Help: "Total number of readings failed in workers",
		},
	)

	WorkerBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_worker_batch_duration_seconds",
			Help:    "Time taken to process a batch of readings",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_kafka_consumed_total",
			Help: "Total number of messages consumed from Kafka",
		},
		[]string{"status"}, // status: accepted, invalid, dropped
	)

	// Alerts
	AlertsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_alerts_published_total",
			Help: "Total number of alert diagnoses published",
		},
		[]string{"status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
