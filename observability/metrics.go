package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics tracks engine operations and the bank totals they leave
// behind.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	deposits     *prometheus.GaugeVec
	borrows      *prometheus.GaugeVec
	reserves     *prometheus.GaugeVec
}

// Lending returns the singleton lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Lending operations segmented by action, asset and outcome.",
			}, []string{"action", "asset", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Settled liquidations segmented by debt and collateral asset.",
			}, []string{"debt_asset", "collateral_asset"}),
			deposits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendcore",
				Subsystem: "lending",
				Name:      "bank_total_deposits",
				Help:      "Total deposits held by each bank in base units.",
			}, []string{"asset"}),
			borrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendcore",
				Subsystem: "lending",
				Name:      "bank_total_borrows",
				Help:      "Total outstanding borrows for each bank in base units.",
			}, []string{"asset"}),
			reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendcore",
				Subsystem: "lending",
				Name:      "bank_reserves",
				Help:      "Unowned deposits swept into each bank's reserves.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.liquidations,
			lendingRegistry.deposits,
			lendingRegistry.borrows,
			lendingRegistry.reserves,
		)
	})
	return lendingRegistry
}

// RecordOperation counts an engine call. A nil error is recorded as success.
func (m *LendingMetrics) RecordOperation(action, asset string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(normalizeLabel(action), normalizeAsset(asset), outcome).Inc()
}

// RecordLiquidation counts a settled liquidation.
func (m *LendingMetrics) RecordLiquidation(debtAsset, collateralAsset string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(normalizeAsset(debtAsset), normalizeAsset(collateralAsset)).Inc()
}

// SetBankTotals publishes the latest totals for a bank.
func (m *LendingMetrics) SetBankTotals(asset string, deposits, borrows, reserves uint64) {
	if m == nil {
		return
	}
	label := normalizeAsset(asset)
	m.deposits.WithLabelValues(label).Set(float64(deposits))
	m.borrows.WithLabelValues(label).Set(float64(borrows))
	m.reserves.WithLabelValues(label).Set(float64(reserves))
}

func normalizeAsset(asset string) string {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
