// Package metrics holds the prometheus collectors for the simulator and settlement.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "simtrader"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	SimRounds     prometheus.Counter
	SimTicks      *prometheus.CounterVec
	SimErrors     prometheus.Counter
	MarketOpen    prometheus.Gauge
	Trades        *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	TradeDuration prometheus.Histogram
}

// New creates the collectors on a dedicated registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SimRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulator_rounds_total",
			Help:      "Simulator rounds that ran while the market was open.",
		}),
		SimTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulator_ticks_total",
			Help:      "Ticks appended by the simulator.",
		}, []string{"symbol"}),
		SimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulator_errors_total",
			Help:      "Errors swallowed by the simulator.",
		}),
		MarketOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_open",
			Help:      "1 when the market is open.",
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Settled trades by side.",
		}, []string{"side"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_rejections_total",
			Help:      "Rejected trades by error kind.",
		}, []string{"kind"}),
		TradeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Time to validate and settle one trade.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	reg.MustRegister(
		m.SimRounds, m.SimTicks, m.SimErrors, m.MarketOpen,
		m.Trades, m.Rejections, m.TradeDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Round() {
	if m != nil {
		m.SimRounds.Inc()
	}
}

func (m *Metrics) Tick(symbol string) {
	if m != nil {
		m.SimTicks.WithLabelValues(symbol).Inc()
	}
}

func (m *Metrics) SimError() {
	if m != nil {
		m.SimErrors.Inc()
	}
}

func (m *Metrics) SetMarketOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.MarketOpen.Set(1)
	} else {
		m.MarketOpen.Set(0)
	}
}

func (m *Metrics) Trade(side string, took time.Duration) {
	if m != nil {
		m.Trades.WithLabelValues(side).Inc()
		m.TradeDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Rejected(kind string) {
	if m != nil {
		m.Rejections.WithLabelValues(kind).Inc()
	}
}
