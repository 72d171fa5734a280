// Package metrics exposes coordinator counters and gauges via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all coordinator collectors on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RegimeTransitions    *prometheus.CounterVec
	ActiveRegime         *prometheus.GaugeVec
	AllocationsHeld      *prometheus.GaugeVec
	AllocationDenials    prometheus.Counter
	RiskRejections       *prometheus.CounterVec
	PortfolioHalts       prometheus.Counter
	PortfolioDailyPnL    prometheus.Gauge
	TransitionsStarted   prometheus.Counter
	TransitionsTimedOut  prometheus.Counter
	SignalsFiltered      *prometheus.CounterVec
	OrdersSubmitted      *prometheus.CounterVec
	MasterLoopDuration   prometheus.Histogram
	MasterLoopOverruns   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RegimeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_regime_transitions_total",
			Help: "Confirmed regime transitions per instrument.",
		}, []string{"instrument", "to"}),
		ActiveRegime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_active_regime",
			Help: "Current regime per instrument, one-hot by regime label.",
		}, []string{"instrument", "regime"}),
		AllocationsHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_allocation_held",
			Help: "Capital held (reserved plus committed) per instrument.",
		}, []string{"instrument"}),
		AllocationDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_allocation_denials_total",
			Help: "Whole-or-nothing allocation denials.",
		}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_risk_rejections_total",
			Help: "Entry rejections by risk tier rule.",
		}, []string{"rule"}),
		PortfolioHalts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_portfolio_halts_total",
			Help: "Emergency halts triggered.",
		}),
		PortfolioDailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_portfolio_daily_pnl",
			Help: "Portfolio PnL since the UTC daily reset.",
		}),
		TransitionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_transitions_started_total",
			Help: "Strategy handoffs started.",
		}),
		TransitionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_transitions_timed_out_total",
			Help: "Strategy handoffs that hit the deadline and forced exit.",
		}),
		SignalsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_signals_filtered_total",
			Help: "Quality filter verdicts by grade.",
		}, []string{"grade"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_orders_submitted_total",
			Help: "Orders submitted to the venue by outcome.",
		}, []string{"outcome"}),
		MasterLoopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_master_loop_seconds",
			Help:    "Master loop tick duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		MasterLoopOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_master_loop_overruns_total",
			Help: "Master loop ticks skipped because the prior tick overran.",
		}),
	}

	m.registry.MustRegister(
		m.RegimeTransitions,
		m.ActiveRegime,
		m.AllocationsHeld,
		m.AllocationDenials,
		m.RiskRejections,
		m.PortfolioHalts,
		m.PortfolioDailyPnL,
		m.TransitionsStarted,
		m.TransitionsTimedOut,
		m.SignalsFiltered,
		m.OrdersSubmitted,
		m.MasterLoopDuration,
		m.MasterLoopOverruns,
	)
	return m
}

// Registry returns the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetRegime flips the one-hot regime gauge for an instrument.
func (m *Metrics) SetRegime(instrument, regime string, regimes []string) {
	for _, r := range regimes {
		v := 0.0
		if r == regime {
			v = 1.0
		}
		m.ActiveRegime.WithLabelValues(instrument, r).Set(v)
	}
}
