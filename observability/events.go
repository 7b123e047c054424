package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lendcore/core/events"
)

type eventMetrics struct {
	emitted   *prometheus.CounterVec
	transfers *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured module events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of token transfers segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.transfers)
	})
	return eventRegistry
}

// RecordTransfer increments the transfer counter for the supplied asset ticker.
func (m *eventMetrics) RecordTransfer(asset string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(normalizeAsset(asset)).Inc()
}

// Emit implements events.Emitter so committed events can be counted on the
// same fan-out as every other sink.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := strings.TrimSpace(evt.EventType())
	if kind == "" {
		kind = "unknown"
	}
	m.emitted.WithLabelValues(kind).Inc()
	switch e := evt.(type) {
	case events.TokenTransfer:
		m.RecordTransfer(e.Asset)
	case events.LendingLiquidation:
		Lending().RecordLiquidation(e.DebtAsset, e.CollateralAsset)
	}
}
