// Package metrics provides Prometheus metrics for the wipsie worker.
// It tracks publishing, message processing, lease handling and broker calls
// to help identify stuck queues and measure processing latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "wipsie"
)

// Producer metrics track task submission.
var (
	// TasksPublishedTotal counts tasks successfully enqueued.
	TasksPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_published_total",
			Help:      "Total number of tasks published to a queue",
		},
		[]string{"queue", "task_type"},
	)

	// PublishErrorsTotal counts failed publish attempts.
	PublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of failed publish attempts",
		},
		[]string{"queue"},
	)
)

// Processing metrics track the worker pipeline.
var (
	// MessagesReceivedTotal counts messages leased from a queue.
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages leased from a queue",
		},
		[]string{"queue"},
	)

	// MessagesProcessedTotal counts handled messages by outcome.
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of messages processed, by outcome",
		},
		[]string{"queue", "task_type", "outcome"},
	)

	// MessagesDeadLetteredTotal counts messages moved to a dead-letter queue or dropped.
	MessagesDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Total number of messages dead-lettered, by reason",
		},
		[]string{"queue", "reason"},
	)

	// ProcessingLatency measures handler execution time.
	ProcessingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_latency_seconds",
			Help:      "Time to run a task handler in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"queue", "task_type"},
	)

	// QueueWaitLatency measures time from enqueue to lease.
	QueueWaitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_latency_seconds",
			Help:      "Time a message spent in the queue before being leased in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"queue"},
	)
)

// Lease metrics track visibility handling.
var (
	// LeasesInFlight tracks leases currently held by this process.
	LeasesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leases_in_flight",
			Help:      "Number of message leases currently held by this process",
		},
		[]string{"queue"},
	)

	// LeaseExtensionsTotal counts lease extension attempts by result.
	LeaseExtensionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_extensions_total",
			Help:      "Total number of lease extension attempts",
		},
		[]string{"queue", "result"},
	)

	// LeasesLostTotal counts leases that expired before the worker finished.
	LeasesLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_lost_total",
			Help:      "Total number of leases lost to expiry or redelivery",
		},
		[]string{"queue"},
	)
)

// Broker metrics track calls to the queue backend.
var (
	// BrokerOperationLatency measures broker call duration.
	BrokerOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_operation_latency_seconds",
			Help:      "Broker call latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 21},
		},
		[]string{"operation"},
	)

	// BrokerErrorsTotal counts failed broker calls.
	BrokerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_errors_total",
			Help:      "Total number of failed broker calls",
		},
		[]string{"operation", "error"},
	)

	// QueueDepth reports approximate visible messages per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of visible messages in a queue",
		},
		[]string{"queue"},
	)
)

// NotificationLatency measures notification delivery per channel.
var NotificationLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notification_latency_seconds",
		Help:      "Time to hand a notification to its channel in seconds",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	},
	[]string{"channel"},
)

// Status metrics track the side channel.
var (
	// StatusReportsTotal counts status reports by sink and result.
	StatusReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Total number of task status reports",
		},
		[]string{"sink", "result"},
	)
)
