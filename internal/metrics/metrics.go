// Package metrics exposes the engine's Prometheus collectors. Everything is
// registered on the default registry at init; serve it with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesTotal counts coordinator trade attempts by result
// (executed/rejected/failed).
var TradesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_trades_total",
		Help: "Total number of trade attempts by result",
	},
	[]string{"result"},
)

// OrdersPlaced counts orders handed to a strategy, by strategy and side.
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_placed_total",
		Help: "Total number of orders placed by strategy and side",
	},
	[]string{"strategy", "side"},
)

// OrdersCancelled counts confirmed cancellations.
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	},
)

// OrderLatency records end-to-end execution latency per order.
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradecore_order_execution_latency_seconds",
		Help:    "Latency in seconds from instruction receipt to execution report",
		Buckets: prometheus.DefBuckets,
	},
)

// Portfolio gauges, refreshed by the coordinator's snapshot loop.
var (
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_open_positions",
			Help: "Number of currently open positions",
		},
	)

	TotalExposure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_total_exposure",
			Help: "Sum of worst-case loss across all markets",
		},
	)

	DailyLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_daily_loss",
			Help: "Realized loss accumulated since the daily reset",
		},
	)

	KillSwitch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_kill_switch_active",
			Help: "1 when trading is frozen by the kill switch, 0 otherwise",
		},
	)
)

// RiskAlerts counts alerts raised by the risk manager, by severity.
var RiskAlerts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_risk_alerts_total",
		Help: "Total number of risk alerts by severity",
	},
	[]string{"severity"},
)

func init() {
	prometheus.MustRegister(TradesTotal, OrdersPlaced, OrdersCancelled, OrderLatency)
	prometheus.MustRegister(OpenPositions, TotalExposure, DailyLoss, KillSwitch)
	prometheus.MustRegister(RiskAlerts)
}
