package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"paysettle/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured settlement events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paysettle",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of engine events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// MetricsEmitter is an events.Emitter that folds engine events into the
// settlement gauges and counters.
type MetricsEmitter struct {
	Settlement *SettlementMetrics
	Events     *eventMetrics
}

// NewMetricsEmitter wires the process-wide registries.
func NewMetricsEmitter() MetricsEmitter {
	return MetricsEmitter{Settlement: Settlement(), Events: Events()}
}

// Emit implements events.Emitter.
func (m MetricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	m.Events.RecordEvent(evt.EventType())
	switch e := evt.(type) {
	case events.SettlementProcessed:
		m.Settlement.RecordPayout(e.TargetAsset, e.OutputAmount)
	case events.SettlementFailed:
		m.Settlement.RecordFailure(e.Stage, e.Code)
	case events.SettlementPaused:
		m.Settlement.SetPause(true)
	case events.SettlementUnpaused:
		m.Settlement.SetPause(false)
	case events.SlippageUpdated:
		m.Settlement.SetMinSlippage(e.New)
	}
}
