// Package metrics exposes Prometheus counters/gauges/histograms driven
// by the EventBus, mirroring the teacher's event-subscribed
// MetricsService but wired to RDSentinel's own small fixed set of
// counters: tests performed, infringing files detected, cleanups
// completed, rate-gate utilization, reinjection latency, and broken
// symlinks found.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/rategate"
)

// MetricsService exposes Prometheus metrics for RDSentinel.
type MetricsService struct {
	eventBus *eventbus.EventBus
	gate     *rategate.Gate

	testsPerformed     *prometheus.CounterVec
	infringingDetected prometheus.Counter
	cleanupsCompleted  *prometheus.CounterVec
	symlinksBroken     prometheus.Counter
	retryScheduled     prometheus.Counter
	retryExhausted     prometheus.Counter
	authFailures       prometheus.Counter

	rateGateUtilization prometheus.GaugeFunc
	reinjectDuration    prometheus.Histogram

	mu sync.Mutex
}

// NewMetricsService creates and registers Prometheus metrics, subscribed
// to gate for the live rate-gate-utilization gauge.
func NewMetricsService(eb *eventbus.EventBus, gate *rategate.Gate) *MetricsService {
	m := &MetricsService{
		eventBus: eb,
		gate:     gate,

		testsPerformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdsentinel_tests_performed_total",
				Help: "Total number of re-submission attempts driven by ReinjectionWorker",
			},
			[]string{"outcome"}, // success, failed
		),

		infringingDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rdsentinel_infringing_detected_total",
				Help: "Total number of torrents classified as infringing_file by FailureHandler",
			},
		),

		cleanupsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdsentinel_cleanups_completed_total",
				Help: "Total number of retry-queue cleanup cycles by outcome",
			},
			[]string{"outcome"}, // success, failed
		),

		symlinksBroken: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rdsentinel_symlinks_broken_total",
				Help: "Total number of broken symlinks found by the SymlinkWalker",
			},
		),

		retryScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rdsentinel_retry_scheduled_total",
				Help: "Total number of re-submissions deferred to the retry queue",
			},
		),

		retryExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rdsentinel_retry_exhausted_total",
				Help: "Total number of retry-queue entries that hit MAX_RETRY_COUNT",
			},
		),

		authFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rdsentinel_auth_failures_total",
				Help: "Total number of provider authentication failures escalated to the operator",
			},
		),

		reinjectDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rdsentinel_reinject_duration_seconds",
				Help:    "Duration of ReinjectionWorker.reinject calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
		),
	}

	m.rateGateUtilization = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rdsentinel_rategate_utilization_ratio",
			Help: "Current share of the rolling 60s admission window in use, 0-100",
		},
		func() float64 {
			if m.gate == nil {
				return 0
			}
			return m.gate.Usage().Utilization
		},
	)

	prometheus.MustRegister(
		m.testsPerformed,
		m.infringingDetected,
		m.cleanupsCompleted,
		m.symlinksBroken,
		m.retryScheduled,
		m.retryExhausted,
		m.authFailures,
		m.rateGateUtilization,
		m.reinjectDuration,
	)

	return m
}

// Start subscribes to the EventBus.
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.ReinjectComplete, m.handleReinjectComplete)
	m.eventBus.Subscribe(domain.InfringingDetected, m.handleInfringingDetected)
	m.eventBus.Subscribe(domain.CleanupCompleted, m.handleCleanupCompleted)
	m.eventBus.Subscribe(domain.SymlinkScanComplete, m.handleSymlinkScanComplete)
	m.eventBus.Subscribe(domain.RetryScheduled, m.handleRetryScheduled)
	m.eventBus.Subscribe(domain.RetryExhausted, m.handleRetryExhausted)
	m.eventBus.Subscribe(domain.AuthFailure, m.handleAuthFailure)

	logger.Infof("metrics: service started")
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (m *MetricsService) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *MetricsService) handleReinjectComplete(event domain.Event) {
	data := event.ParseReinjectEventData()
	outcome := "failed"
	if data.Success {
		outcome = "success"
	}
	m.testsPerformed.WithLabelValues(outcome).Inc()
	if data.ResponseTime > 0 {
		m.reinjectDuration.Observe(float64(data.ResponseTime) / 1000)
	}
}

func (m *MetricsService) handleInfringingDetected(event domain.Event) {
	m.infringingDetected.Inc()
}

func (m *MetricsService) handleCleanupCompleted(event domain.Event) {
	outcome := "success"
	if ok, has := event.GetBool("success"); has && !ok {
		outcome = "failed"
	}
	m.cleanupsCompleted.WithLabelValues(outcome).Inc()
}

func (m *MetricsService) handleSymlinkScanComplete(event domain.Event) {
	count, _ := event.GetInt64("total_broken")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symlinksBroken.Add(float64(count))
}

func (m *MetricsService) handleRetryScheduled(event domain.Event) {
	m.retryScheduled.Inc()
}

func (m *MetricsService) handleRetryExhausted(event domain.Event) {
	m.retryExhausted.Inc()
}

func (m *MetricsService) handleAuthFailure(event domain.Event) {
	m.authFailures.Inc()
}
