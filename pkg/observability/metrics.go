package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the login flow
type Metrics struct {
	// Login flow metrics
	LoginsTotal            *prometheus.CounterVec
	LoginDuration          *prometheus.HistogramVec
	PhaseTransitionsTotal  *prometheus.CounterVec
	ReplayRejectionsTotal  prometheus.Counter
	ClaimRejectionsTotal   *prometheus.CounterVec
	ExcludedRequestsTotal  prometheus.Counter
	SessionMigrationsTotal *prometheus.CounterVec

	// State store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Provider cache metrics
	ProviderCacheHitsTotal   *prometheus.CounterVec
	ProviderCacheMissesTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssobridge_logins_total",
				Help: "Total login attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		LoginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ssobridge_login_duration_seconds",
				Help:    "Duration of login finalization",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		PhaseTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssobridge_phase_transitions_total",
				Help: "Phase transitions by source and target phase",
			},
			[]string{"from", "to"},
		),
		ReplayRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ssobridge_replay_rejections_total",
				Help: "Assertion responses rejected due to phase mismatch",
			},
		),
		ClaimRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssobridge_claim_rejections_total",
				Help: "Claim resolution failures by reason",
			},
			[]string{"reason"},
		),
		ExcludedRequestsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ssobridge_excluded_requests_total",
				Help: "Requests bypassed by exclusion rules",
			},
		),
		SessionMigrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssobridge_session_migrations_total",
				Help: "Tracked session re-key operations by result",
			},
			[]string{"result"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssobridge_store_operations_total",
				Help: "Login state store operations by op and result",
			},
			[]string{"operation", "result"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ssobridge_store_operation_duration_seconds",
				Help:    "Duration of login state store operations",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		ProviderCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssobridge_provider_cache_hits_total",
				Help: "Provider config cache hits by tier",
			},
			[]string{"tier"},
		),
		ProviderCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ssobridge_provider_cache_misses_total",
				Help: "Provider config cache misses",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.LoginsTotal,
		m.LoginDuration,
		m.PhaseTransitionsTotal,
		m.ReplayRejectionsTotal,
		m.ClaimRejectionsTotal,
		m.ExcludedRequestsTotal,
		m.SessionMigrationsTotal,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.ProviderCacheHitsTotal,
		m.ProviderCacheMissesTotal,
	)

	return m
}

// ObserveStoreOperation records the result and duration of a store call
func (m *Metrics) ObserveStoreOperation(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, result).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler returns an HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
