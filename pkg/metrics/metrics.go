// Package metrics registers the engine's Prometheus collectors. A single
// Metrics value is wired through the order service, settlement builder,
// and API server; call sites treat a nil Metrics as disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	OrdersSubmitted *prometheus.CounterVec // outcome: accepted | rejected
	OrdersRejected  *prometheus.CounterVec // code: the rejection error code
	OrdersCancelled prometheus.Counter
	TradesExecuted  *prometheus.CounterVec // match_type
	TradeVolume     prometheus.Counter     // collateral value, base units
	FeesCollected   prometheus.Counter
	OpenOrders      prometheus.Gauge
	PendingTrades   prometheus.Gauge
	EpochsCommitted prometheus.Counter
	EpochsFailed    prometheus.Counter
	CommitRetries   prometheus.Counter
	WSSubscribers   prometheus.Gauge
	ReconcileDrift  prometheus.Gauge         // discrepancies found in the last pass
	ReconcilePaused prometheus.Gauge         // 1 while order intake is paused
	RequestDuration *prometheus.HistogramVec // method, path
}

// New builds and registers the collectors on reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clob", Name: "orders_submitted_total",
			Help: "Orders submitted, by outcome.",
		}, []string{"outcome"}),
		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clob", Name: "orders_rejected_total",
			Help: "Rejected orders, by error code.",
		}, []string{"code"}),
		OrdersCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clob", Name: "orders_cancelled_total",
			Help: "Orders cancelled by their makers.",
		}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clob", Name: "trades_executed_total",
			Help: "Trades executed, by match type.",
		}, []string{"match_type"}),
		TradeVolume: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clob", Name: "trade_volume_total",
			Help: "Cumulative collateral value traded, in base units.",
		}),
		FeesCollected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clob", Name: "fees_collected_total",
			Help: "Cumulative fees credited to the operator, in base units.",
		}),
		OpenOrders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clob", Name: "open_orders",
			Help: "Orders currently resting on the books.",
		}),
		PendingTrades: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clob", Name: "pending_trades",
			Help: "Trades waiting for the next settlement cut.",
		}),
		EpochsCommitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clob", Name: "epochs_committed_total",
			Help: "Settlement epochs committed on-chain.",
		}),
		EpochsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clob", Name: "epochs_failed_total",
			Help: "Settlement epochs that exhausted commit retries.",
		}),
		CommitRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clob", Name: "commit_retries_total",
			Help: "Retried epoch commit attempts.",
		}),
		WSSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clob", Name: "ws_subscribers",
			Help: "Active websocket subscriptions.",
		}),
		ReconcileDrift: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clob", Name: "reconcile_drift",
			Help: "Balance discrepancies found in the last reconciliation pass.",
		}),
		ReconcilePaused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clob", Name: "reconcile_paused",
			Help: "1 while order intake is paused on sustained drift.",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clob", Name: "request_duration_seconds",
			Help:    "REST request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
