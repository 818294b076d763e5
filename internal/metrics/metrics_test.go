package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/rategate"

	_ "modernc.org/sqlite"
)

// =============================================================================
// Test helpers
// =============================================================================

func newTestEventBus(t *testing.T) *eventbus.EventBus {
	t.Helper()
	db, err := openTestDB()
	if err != nil {
		t.Fatalf("Failed to create test db: %v", err)
	}
	return eventbus.NewEventBus(db)
}

func openTestDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data JSON NOT NULL,
		event_version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		user_id TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// createTestMetrics builds a MetricsService on a private Prometheus registry
// so repeated test runs don't collide with the global registry's duplicate
// registration panic.
func createTestMetrics(t *testing.T, eb *eventbus.EventBus, gate *rategate.Gate) (*MetricsService, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()

	m := &MetricsService{
		eventBus: eb,
		gate:     gate,

		testsPerformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdsentinel_tests_performed_total",
				Help: "Total number of re-submission attempts driven by ReinjectionWorker",
			},
			[]string{"outcome"},
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
			[]string{"outcome"},
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
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
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

	reg.MustRegister(
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

	return m, reg
}

// =============================================================================
// Constructor tests
// =============================================================================

func TestNewMetricsService(t *testing.T) {
	eb := newTestEventBus(t)
	defer eb.Shutdown()

	m := NewMetricsService(eb, nil)

	if m == nil {
		t.Fatal("NewMetricsService should not return nil")
	}
	if m.eventBus != eb {
		t.Error("eventBus should be set to the provided value")
	}
	if m.testsPerformed == nil {
		t.Error("testsPerformed metric should be initialized")
	}
	if m.infringingDetected == nil {
		t.Error("infringingDetected metric should be initialized")
	}
	if m.rateGateUtilization == nil {
		t.Error("rateGateUtilization metric should be initialized")
	}
}

// =============================================================================
// Handler tests
// =============================================================================

func TestMetricsService_Handler(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	handler := m.Handler()
	if handler == nil {
		t.Error("Handler() should not return nil")
	}
}

func TestMetricsService_Handler_ReturnsMetrics(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.testsPerformed.WithLabelValues("success").Inc()
	m.cleanupsCompleted.WithLabelValues("success").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Handler returned %d, want %d", rec.Code, http.StatusOK)
	}

	// m.Handler() serves the global promhttp.Handler(), not the private test
	// registry above, so we only check the response looks like Prometheus
	// exposition format rather than asserting our own metric names appear.
	body := rec.Body.String()
	if !strings.Contains(body, "# HELP") && !strings.Contains(body, "# TYPE") && len(body) < 10 {
		t.Error("Response should contain prometheus metrics format")
	}
}

// =============================================================================
// Event handler tests
// =============================================================================

func TestHandleReinjectComplete_Success(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleReinjectComplete(domain.Event{
		EventType: domain.ReinjectComplete,
		EventData: map[string]interface{}{
			"success":       true,
			"response_time": float64(250),
		},
	})
	// Should not panic; counter/histogram increments aren't individually
	// readable without a collector walk.
}

func TestHandleReinjectComplete_Failed(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleReinjectComplete(domain.Event{
		EventType: domain.ReinjectComplete,
		EventData: map[string]interface{}{
			"success": false,
		},
	})
}

func TestHandleInfringingDetected(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleInfringingDetected(domain.Event{EventType: domain.InfringingDetected})
}

func TestHandleCleanupCompleted_Success(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleCleanupCompleted(domain.Event{
		EventType: domain.CleanupCompleted,
		EventData: map[string]interface{}{"success": true},
	})
}

func TestHandleCleanupCompleted_Failed(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleCleanupCompleted(domain.Event{
		EventType: domain.CleanupCompleted,
		EventData: map[string]interface{}{"success": false},
	})
}

func TestHandleSymlinkScanComplete(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleSymlinkScanComplete(domain.Event{
		EventType: domain.SymlinkScanComplete,
		EventData: map[string]interface{}{"total_broken": int64(4)},
	})
}

func TestHandleSymlinkScanComplete_MissingData(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleSymlinkScanComplete(domain.Event{
		EventType: domain.SymlinkScanComplete,
		EventData: map[string]interface{}{},
	})
}

func TestHandleRetryScheduled(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleRetryScheduled(domain.Event{EventType: domain.RetryScheduled})
}

func TestHandleRetryExhausted(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleRetryExhausted(domain.Event{EventType: domain.RetryExhausted})
}

func TestHandleAuthFailure(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.handleAuthFailure(domain.Event{EventType: domain.AuthFailure})
}

// =============================================================================
// Rate gate gauge tests
// =============================================================================

func TestRateGateUtilization_NilGate(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	// With no gate wired, the gauge func must not panic when scraped.
	ch := make(chan prometheus.Metric, 1)
	m.rateGateUtilization.Collect(ch)
	if len(ch) != 1 {
		t.Error("rateGateUtilization should collect exactly one metric even with a nil gate")
	}
}

// =============================================================================
// Concurrency tests
// =============================================================================

func TestMetrics_Concurrent(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	const goroutines = 100
	done := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			m.handleReinjectComplete(domain.Event{EventData: map[string]interface{}{"success": true}})
			m.handleInfringingDetected(domain.Event{})
			m.handleCleanupCompleted(domain.Event{EventData: map[string]interface{}{"success": false}})
			m.handleSymlinkScanComplete(domain.Event{EventData: map[string]interface{}{"total_broken": int64(1)}})
			m.handleRetryScheduled(domain.Event{})
			m.handleRetryExhausted(domain.Event{})
			m.handleAuthFailure(domain.Event{})
			done <- true
		}()
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}
}

// =============================================================================
// Start tests
// =============================================================================

func TestMetricsService_Start(t *testing.T) {
	eb := newTestEventBus(t)
	m, _ := createTestMetrics(t, eb, nil)

	m.Start()

	eb.Publish(domain.Event{
		EventType: domain.InfringingDetected,
		EventData: map[string]interface{}{},
	})
}
