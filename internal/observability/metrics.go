// Package observability exposes the Prometheus metrics emitted by the
// queue, breaker, and credit subsystems.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of pending tasks in the priority store.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagequeue_queue_depth",
		Help: "Current number of queued (not yet running) tasks",
	})

	// ActiveJobs tracks the number of tasks currently executing.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagequeue_active_jobs",
		Help: "Current number of running tasks",
	})

	// EffectiveCap tracks the dynamically computed waiting-room cap.
	EffectiveCap = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagequeue_effective_cap",
		Help: "Current effective admission cap (queue_size + active_jobs)",
	})

	// AdmissionRejections tracks admissions rejected, by reason.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagequeue_admission_rejections_total",
		Help: "Tasks rejected at admission, by reason",
	}, []string{"reason"}) // shutdown, backpressure, rate_limit, validation, cancelled_before_enqueue

	// QueueWaitSeconds tracks time a task spends queued before dispatch.
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagequeue_queue_wait_seconds",
		Help:    "Time a task spends queued before its first dispatch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// TaskDurationSeconds tracks the wall-clock duration of a task attempt.
	TaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagequeue_task_duration_seconds",
		Help:    "Execution duration of a single task attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	// TaskRetries tracks the total number of retried attempts.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagequeue_task_retries_total",
		Help: "Total number of retry attempts across all tasks",
	})

	// TaskTerminal tracks terminal task outcomes by class.
	TaskTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagequeue_task_terminal_total",
		Help: "Terminal task outcomes",
	}, []string{"outcome"}) // succeeded, failed, cancelled, timed_out

	// EWMAProcessingMillis tracks the current EWMA of processing time.
	EWMAProcessingMillis = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagequeue_ewma_processing_ms",
		Help: "Exponentially weighted moving average of task processing time, in milliseconds",
	})

	// CircuitState tracks circuit breaker state per named service.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imagequeue_circuit_state",
		Help: "Circuit breaker state per service (0=closed, 1=half_open, 2=open)",
	}, []string{"service"})

	// CircuitRequests tracks requests through each breaker by outcome.
	CircuitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagequeue_circuit_requests_total",
		Help: "Requests executed through a circuit breaker, by service and outcome",
	}, []string{"service", "outcome"}) // success, failure, short_circuited

	// CreditDebits tracks successful credit debits.
	CreditDebits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagequeue_credit_debits_total",
		Help: "Total credit debits committed, by provider",
	}, []string{"provider"})

	// CreditRejections tracks admission-time insufficient-credit rejections.
	CreditRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagequeue_credit_rejections_total",
		Help: "Admissions rejected for insufficient credits",
	})

	// ShutdownOutcomes tracks graceful shutdown completions by class.
	ShutdownOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagequeue_shutdown_outcomes_total",
		Help: "Graceful shutdown completions, by outcome",
	}, []string{"outcome"}) // clean, unclean, timeout
)
