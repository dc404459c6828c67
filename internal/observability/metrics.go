package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth    *prometheus.GaugeVec
	enqueueTotal  prometheus.Counter
	claimTotal    prometheus.Counter
	taskTotal     *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	activeWorkers prometheus.Gauge

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelTokensTotal  *prometheus.CounterVec

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	toolErrorsTotal        *prometheus.CounterVec

	validationFailures prometheus.Counter
	autoFixTotal       *prometheus.CounterVec
	compactionTotal    prometheus.Counter

	rateLimitWait *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_depth",
					Help: "Current number of tasks by status.",
				},
				[]string{"status"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total tasks enqueued.",
				},
			),
			claimTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "claim_total",
					Help: "Total successful task claims.",
				},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_total",
					Help: "Total finished tasks by terminal status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task processing duration in seconds by terminal status.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			activeWorkers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_workers",
					Help: "Workers currently processing a task.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			modelTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_tokens_total",
					Help: "Total tokens consumed by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocation_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool invocation errors by tool.",
				},
				[]string{"tool"},
			),
			validationFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "validation_failures_total",
					Help: "Total output validation failures.",
				},
			),
			autoFixTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autofix_total",
					Help: "Total auto-fix attempts by outcome.",
				},
				[]string{"outcome"},
			),
			compactionTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "compaction_total",
					Help: "Total context compactions performed.",
				},
			),
			rateLimitWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "rate_limit_wait_seconds",
					Help:    "Time spent waiting for a rate limit token by dependency.",
					Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"dependency"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.claimTotal,
			m.taskTotal,
			m.taskDuration,
			m.activeWorkers,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelTokensTotal,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.toolErrorsTotal,
			m.validationFailures,
			m.autoFixTotal,
			m.compactionTotal,
			m.rateLimitWait,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetQueueDepth(status string, depth int) {
	getMetrics().queueDepth.WithLabelValues(status).Set(float64(depth))
}

func RecordEnqueue() {
	getMetrics().enqueueTotal.Inc()
}

func RecordClaim() {
	getMetrics().claimTotal.Inc()
}

func RecordTaskFinished(status string, duration time.Duration) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func SetActiveWorkers(count int) {
	getMetrics().activeWorkers.Set(float64(count))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordModelTokens(provider string, input, output int) {
	m := getMetrics()
	m.modelTokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.modelTokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

func RecordToolInvocation(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolInvocationTotal.WithLabelValues(tool, status).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordValidationFailure() {
	getMetrics().validationFailures.Inc()
}

func RecordAutoFix(success bool) {
	outcome := "failed"
	if success {
		outcome = "fixed"
	}
	getMetrics().autoFixTotal.WithLabelValues(outcome).Inc()
}

func RecordCompaction() {
	getMetrics().compactionTotal.Inc()
}

func RecordRateLimitWait(dependency string, wait time.Duration) {
	getMetrics().rateLimitWait.WithLabelValues(dependency).Observe(wait.Seconds())
}
