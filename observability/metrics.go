package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// HTTP returns the lazily-initialised registry used to record API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paysettle",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paysettle",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "paysettle",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paysettle",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// SettlementMetrics wraps collectors tracking settlement engine health.
type SettlementMetrics struct {
	settlements *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	volume      *prometheus.CounterVec
	paused      prometheus.Gauge
	minSlippage prometheus.Gauge
}

// Settlement exposes the metrics registry for the settlement engine.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paysettle",
				Subsystem: "settlement",
				Name:      "requests_total",
				Help:      "Count of settlement attempts segmented by kind and result code.",
			}, []string{"kind", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "paysettle",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Latency distribution for settlement attempts, including time queued on the engine.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paysettle",
				Subsystem: "settlement",
				Name:      "failures_total",
				Help:      "Count of settlements that aborted after acquiring the engine, segmented by stage and code.",
			}, []string{"stage", "code"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paysettle",
				Subsystem: "settlement",
				Name:      "paid_out_total",
				Help:      "Base units paid to recipients segmented by target asset.",
			}, []string{"asset"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "paysettle",
				Subsystem: "settlement",
				Name:      "paused",
				Help:      "Indicates whether settlement is halted (1) or not (0).",
			}),
			minSlippage: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "paysettle",
				Subsystem: "settlement",
				Name:      "min_slippage_bps",
				Help:      "Current minimum slippage tolerance in basis points.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.settlements,
			settlementRegistry.latency,
			settlementRegistry.errors,
			settlementRegistry.volume,
			settlementRegistry.paused,
			settlementRegistry.minSlippage,
		)
	})
	return settlementRegistry
}

// Observe records one settlement attempt. Kind is "same_asset" or
// "conversion"; code is the engine's error code ("OK" on success).
func (m *SettlementMetrics) Observe(kind, code string, d time.Duration) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	if code = strings.TrimSpace(code); code == "" {
		code = "UNKNOWN"
	}
	m.settlements.WithLabelValues(kind, code).Inc()
	m.latency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordFailure increments the failure counter.
func (m *SettlementMetrics) RecordFailure(stage, code string) {
	if m == nil {
		return
	}
	if stage = strings.TrimSpace(stage); stage == "" {
		stage = "unspecified"
	}
	m.errors.WithLabelValues(stage, code).Inc()
}

// RecordPayout adds amount to the paid-out counter for asset.
func (m *SettlementMetrics) RecordPayout(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.volume.WithLabelValues(labelAsset(asset)).Add(bigToFloat(amount))
}

// SetPause toggles the paused gauge.
func (m *SettlementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// SetMinSlippage updates the tolerance gauge.
func (m *SettlementMetrics) SetMinSlippage(bps uint16) {
	if m == nil {
		return
	}
	m.minSlippage.Set(float64(bps))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil || value.Sign() <= 0 {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
