// Package metrics defines the Prometheus collectors shared by the api and worker processes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Orchestrator outcome labels.
const (
	OutcomeSent        = "sent"
	OutcomeRetried     = "retried"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeDuplicate   = "duplicate"
	OutcomeStale       = "stale"
	OutcomeRequeued    = "requeued"
)

// Metrics holds Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimitDecisions  *prometheus.CounterVec
	intakeTotal         *prometheus.CounterVec
	outcomes            *prometheus.CounterVec
	deadLetters         *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	breakerState        *prometheus.GaugeVec
	breakerTransitions  *prometheus.CounterVec
	scheduled           prometheus.Gauge
	queueDepth          *prometheus.GaugeVec
	idempotencyEntries  prometheus.Gauge
}

// New registers every collector on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		rateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_rate_limit_decisions_total",
				Help: "Rate limiter admission decisions",
			},
			[]string{"channel", "decision"},
		),
		intakeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_intake_total",
				Help: "Send requests by result",
			},
			[]string{"channel", "result"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_outcomes_total",
				Help: "Orchestrator outcomes per handled delivery",
			},
			[]string{"channel", "outcome"},
		),
		deadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_dead_letters_total",
				Help: "Messages routed to the dead-letter destination",
			},
			[]string{"channel", "reason"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_dispatch_duration_seconds",
				Help:    "Provider call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"channel", "result"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notification_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		scheduled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notification_scheduled_republishes",
				Help: "Delayed republishes waiting in memory",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notification_queue_depth",
				Help: "Messages per queue segment",
			},
			[]string{"segment"},
		),
		idempotencyEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notification_idempotency_cache_entries",
				Help: "Correlation ids held by the idempotency cache",
			},
		),
	}
}

// RegisterRuntime adds the Go and process collectors.
func (m *Metrics) RegisterRuntime() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimit records one admission decision: allowed, rejected or degraded.
func (m *Metrics) RecordRateLimit(channel, decision string) {
	m.rateLimitDecisions.WithLabelValues(channel, decision).Inc()
}

func (m *Metrics) RecordIntake(channel, result string) {
	m.intakeTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) RecordOutcome(channel, outcome string) {
	m.outcomes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) RecordDeadLetter(channel, reason string) {
	m.deadLetters.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) ObserveDispatch(channel, result string, d time.Duration) {
	m.dispatchDuration.WithLabelValues(channel, result).Observe(d.Seconds())
}

// SetBreakerState maps a breaker state name onto the gauge encoding.
func (m *Metrics) SetBreakerState(breaker, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	m.breakerState.WithLabelValues(breaker).Set(v)
}

func (m *Metrics) RecordBreakerTransition(breaker, from, to string) {
	m.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
	m.SetBreakerState(breaker, to)
}

func (m *Metrics) SetScheduled(n int) {
	m.scheduled.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(segment string, depth int64) {
	m.queueDepth.WithLabelValues(segment).Set(float64(depth))
}

func (m *Metrics) SetIdempotencyEntries(n int) {
	m.idempotencyEntries.Set(float64(n))
}
