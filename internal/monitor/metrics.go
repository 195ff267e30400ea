// Package monitor exposes operational visibility: Prometheus metrics
// for the engine's hot paths and per-strategy health snapshots built
// from persisted runtime state.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the engine's Prometheus instruments. All record
// methods accept a nil receiver so callers without metrics wired can
// skip the plumbing.
type Metrics struct {
	*prometheus.Registry

	candles      *prometheus.CounterVec
	tickDuration prometheus.Histogram
	signals      *prometheus.CounterVec
	orders       *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	running      prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		candles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_candles_processed_total",
				Help: "Candles accepted and evaluated, per strategy",
			},
			[]string{"strategy"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_tick_duration_seconds",
				Help:    "Time to evaluate one candle and persist the result",
				Buckets: prometheus.DefBuckets,
			},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_signals_total",
				Help: "Signals emitted by workers, per strategy and message type",
			},
			[]string{"strategy", "type"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_total",
				Help: "Orders forwarded to the executor, per side and ack status",
			},
			[]string{"side", "status"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_restarts_total",
				Help: "Supervised worker restarts, per strategy",
			},
			[]string{"strategy"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_strategies_running",
				Help: "Workers currently live under the supervisor",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "API requests, per method, route and status class",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	reg.MustRegister(m.candles)
	reg.MustRegister(m.tickDuration)
	reg.MustRegister(m.signals)
	reg.MustRegister(m.orders)
	reg.MustRegister(m.restarts)
	reg.MustRegister(m.running)
	reg.MustRegister(m.httpRequests)
	reg.MustRegister(m.httpDuration)
	return m
}

// ObserveTick records one evaluated candle and how long it took.
func (m *Metrics) ObserveTick(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.candles.WithLabelValues(strategy).Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordSignal(strategy, msgType string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(strategy, msgType).Inc()
}

func (m *Metrics) RecordOrder(side, status string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, status).Inc()
}

func (m *Metrics) RecordRestart(strategy string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(strategy).Inc()
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

// RecordRequest records one API request; status collapses to its
// class (2xx, 4xx, ...) to bound label cardinality.
func (m *Metrics) RecordRequest(method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
