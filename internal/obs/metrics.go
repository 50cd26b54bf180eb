package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments the services report into.
type Metrics struct {
	TradesExecuted *prometheus.CounterVec
	TradesRejected *prometheus.CounterVec
	TradeDuration  prometheus.Histogram
	TradeVolume    *prometheus.CounterVec

	HeistsResolved  *prometheus.CounterVec
	ElectionsClosed prometheus.Counter
	TelemetryDrops  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "townlet_trades_executed_total",
			Help: "Completed trades by direction.",
		}, []string{"direction"}),
		TradesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "townlet_trades_rejected_total",
			Help: "Rejected trades by reason.",
		}, []string{"reason"}),
		TradeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "townlet_trade_duration_seconds",
			Help:    "Wall time of one trade including storage commit.",
			Buckets: prometheus.DefBuckets,
		}),
		TradeVolume: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "townlet_trade_coins_total",
			Help: "Coins moved by completed trades, by direction.",
		}, []string{"direction"}),
		HeistsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "townlet_heists_resolved_total",
			Help: "Resolved heists by outcome.",
		}, []string{"outcome"}),
		ElectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "townlet_elections_closed_total",
			Help: "Mayor elections closed by the worker.",
		}),
		TelemetryDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "townlet_telemetry_drops_total",
			Help: "Telemetry events dropped after a failed emit.",
		}),
	}
}
