package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors exported by the daemon.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	activationsTotal   *prometheus.CounterVec
	activationDuration *prometheus.HistogramVec

	continuationsTotal  *prometheus.CounterVec
	claimedTotal        *prometheus.CounterVec
	publishedTotal      *prometheus.CounterVec
	publishRetriesTotal *prometheus.CounterVec
	deadLettersTotal    *prometheus.CounterVec
	purgedTotal         *prometheus.CounterVec

	schedulesFiredTotal *prometheus.CounterVec

	breakerState      *prometheus.GaugeVec
	breakerTripsTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

// Default activation duration buckets in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		activationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activations_total",
				Help:      "Total workflow activations by outcome",
			},
			[]string{"workflow", "outcome"},
		),

		activationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activation_duration_milliseconds",
				Help:      "Duration of one activation (consume, interpret, settle)",
				Buckets:   buckets,
			},
			[]string{"workflow", "outcome"},
		),

		continuationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "continuations_total",
				Help:      "Continuation rows written by table",
			},
			[]string{"table"},
		),

		claimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_claimed_total",
				Help:      "Outbox rows claimed under lease by relay workers",
			},
			[]string{"table"},
		),

		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox rows relayed to the broker by table",
			},
			[]string{"table"},
		),

		publishRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_publish_retries_total",
				Help:      "Relay publish failures that were rescheduled",
			},
			[]string{"table"},
		),

		deadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_dead_letters_total",
				Help:      "Rows parked as FAILED after exhausting relay attempts",
			},
			[]string{"table"},
		),

		purgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purged_rows_total",
				Help:      "Settled rows removed by the reaper",
			},
			[]string{"kind"},
		),

		schedulesFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedules_fired_total",
				Help:      "Cron schedule activations by schedule id",
			},
			[]string{"schedule"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"target"},
		),

		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"target", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.activationsTotal,
		pm.activationDuration,
		pm.continuationsTotal,
		pm.claimedTotal,
		pm.publishedTotal,
		pm.publishRetriesTotal,
		pm.deadLettersTotal,
		pm.purgedTotal,
		pm.schedulesFiredTotal,
		pm.breakerState,
		pm.breakerTripsTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordActivation records one settled activation in both sinks.
func RecordActivation(workflow, outcome string, durationMs int64) {
	global.RecordActivation(outcome, durationMs)
	if promMetrics == nil {
		return
	}
	promMetrics.activationsTotal.WithLabelValues(workflow, outcome).Inc()
	promMetrics.activationDuration.WithLabelValues(workflow, outcome).Observe(float64(durationMs))
}

// RecordContinuations records continuation rows written by the consumer.
func RecordContinuations(table string, n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.continuationsTotal.WithLabelValues(table).Add(float64(n))
}

// RecordClaimed records outbox rows claimed under lease by a relay worker.
func RecordClaimed(table string, n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.claimedTotal.WithLabelValues(table).Add(float64(n))
}

// RecordPublished records one outbox row relayed to the broker.
func RecordPublished(table string) {
	global.RecordPublished()
	if promMetrics == nil {
		return
	}
	promMetrics.publishedTotal.WithLabelValues(table).Inc()
}

// RecordPublishRetry records one relay publish failure that was rescheduled.
func RecordPublishRetry(table string) {
	global.RecordPublishRetry()
	if promMetrics == nil {
		return
	}
	promMetrics.publishRetriesTotal.WithLabelValues(table).Inc()
}

// RecordDeadLetter records one row parked after exhausting relay attempts.
func RecordDeadLetter(table string) {
	global.RecordDeadLetter()
	if promMetrics == nil {
		return
	}
	promMetrics.deadLettersTotal.WithLabelValues(table).Inc()
}

// RecordPurged records rows removed by the reaper.
func RecordPurged(kind string, n int64) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.purgedTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordScheduleFired records one cron schedule activation.
func RecordScheduleFired(scheduleID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.schedulesFiredTotal.WithLabelValues(scheduleID).Inc()
}

// SetBreakerState sets the circuit breaker state gauge for a target.
// state: 0=closed, 1=open, 2=half_open
func SetBreakerState(target string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(target).Set(float64(state))
}

// RecordBreakerTrip records a circuit breaker state transition.
func RecordBreakerTrip(target, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(target, toState).Inc()
}

// PrometheusHandler returns the scrape endpoint handler.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry exposes the registry for custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
