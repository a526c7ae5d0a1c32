// Package sink publishes trading events to the configured back-ends: the
// time-series database, the message bus, the relational audit log and the
// Prometheus pull endpoint. Sinks are best-effort; a failing sink increments
// its error counter and flips its health bit but never blocks the hot path.
package sink

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wolfinch"

// Metrics holds every collector the bot exports. It owns a private registry
// so tests can construct as many instances as they like without colliding on
// the global default.
type Metrics struct {
	registry *prometheus.Registry

	// Trading.
	OrdersTotal         *prometheus.CounterVec
	OrdersFilledTotal   *prometheus.CounterVec
	OrdersRejectedTotal *prometheus.CounterVec
	PositionsOpen       *prometheus.GaugeVec
	PositionsClosed     *prometheus.CounterVec
	TradePnL            *prometheus.HistogramVec
	TradeDuration       prometheus.Histogram

	// Performance.
	AccountBalance *prometheus.GaugeVec
	UnrealizedPnL  *prometheus.GaugeVec
	RealizedPnL    *prometheus.GaugeVec
	WinRate        *prometheus.GaugeVec
	SharpeRatio    *prometheus.GaugeVec
	MaxDrawdown    *prometheus.GaugeVec

	// System.
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec
	KafkaMessagesSent  *prometheus.CounterVec
	KafkaErrorsTotal   prometheus.Counter
	InfluxWritesTotal  prometheus.Counter
	InfluxErrorsTotal  prometheus.Counter
	PostgresWrites     prometheus.Counter
	PostgresErrors     prometheus.Counter
	EventsDroppedTotal *prometheus.CounterVec
	SinkHealthy        *prometheus.GaugeVec
	RiskBlocked        prometheus.Gauge

	// Market data.
	MarketPrice       *prometheus.GaugeVec
	MarketVolume      *prometheus.GaugeVec
	CandlesProcessed  *prometheus.CounterVec
	CandlesDropped    *prometheus.CounterVec
	IndicatorsCounted *prometheus.CounterVec
}

// NewMetrics builds and registers the full collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.OrdersTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Total orders placed",
	}, []string{"exchange", "symbol", "side", "order_type", "status"})

	m.OrdersFilledTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_filled_total",
		Help:      "Total orders filled",
	}, []string{"exchange", "symbol", "side"})

	m.OrdersRejectedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_rejected_total",
		Help:      "Total orders rejected",
	}, []string{"exchange", "symbol", "reason"})

	m.PositionsOpen = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "positions_open",
		Help:      "Current open positions",
	}, []string{"exchange", "symbol", "strategy"})

	m.PositionsClosed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "positions_closed_total",
		Help:      "Total positions closed",
	}, []string{"exchange", "symbol", "strategy", "outcome"})

	m.TradePnL = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trade_pnl",
		Help:      "P&L distribution",
		Buckets:   []float64{-1000, -500, -100, -50, -10, 0, 10, 50, 100, 500, 1000},
	}, []string{"exchange", "symbol", "strategy"})

	m.TradeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trade_duration_seconds",
		Help:      "Trade duration distribution",
		Buckets:   []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800, 86400},
	})

	m.AccountBalance = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "account_balance",
		Help:      "Current account balance",
	}, []string{"exchange", "currency"})

	m.UnrealizedPnL = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unrealized_pnl",
		Help:      "Unrealized P&L",
	}, []string{"exchange", "symbol"})

	m.RealizedPnL = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realized_pnl",
		Help:      "Realized P&L",
	}, []string{"exchange", "symbol", "strategy"})

	m.WinRate = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "win_rate",
		Help:      "Win rate percentage",
	}, []string{"strategy"})

	m.SharpeRatio = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sharpe_ratio",
		Help:      "Sharpe ratio",
	}, []string{"strategy"})

	m.MaxDrawdown = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "max_drawdown",
		Help:      "Maximum drawdown",
	}, []string{"strategy"})

	m.APIRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total API requests",
	}, []string{"exchange", "endpoint", "status"})

	m.APIRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "API request latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"exchange", "endpoint"})

	m.APIErrorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_errors_total",
		Help:      "API errors",
	}, []string{"exchange", "error_type"})

	m.KafkaMessagesSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_messages_sent_total",
		Help:      "Kafka messages sent",
	}, []string{"topic"})

	m.KafkaErrorsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_errors_total",
		Help:      "Kafka errors",
	})

	m.InfluxWritesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "influxdb_writes_total",
		Help:      "InfluxDB writes",
	})

	m.InfluxErrorsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "influxdb_errors_total",
		Help:      "InfluxDB errors",
	})

	m.PostgresWrites = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "postgres_writes_total",
		Help:      "PostgreSQL writes",
	})

	m.PostgresErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "postgres_errors_total",
		Help:      "PostgreSQL errors",
	})

	m.EventsDroppedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped on bounded queue overflow",
	}, []string{"component"})

	m.SinkHealthy = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sink_healthy",
		Help:      "1 when the sink's last delivery succeeded",
	}, []string{"sink"})

	m.RiskBlocked = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "risk_blocked",
		Help:      "1 while the risk gate's block latch is set",
	})

	m.MarketPrice = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "market_price",
		Help:      "Current market price",
	}, []string{"exchange", "symbol"})

	m.MarketVolume = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "market_volume",
		Help:      "Current volume",
	}, []string{"exchange", "symbol"})

	m.CandlesProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candles_processed_total",
		Help:      "Candles processed",
	}, []string{"exchange", "symbol"})

	m.CandlesDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candles_dropped_total",
		Help:      "Candles dropped for violating validity checks",
	}, []string{"exchange", "symbol"})

	m.IndicatorsCounted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indicators_calculated_total",
		Help:      "Indicators calculated",
	}, []string{"indicator_name"})

	return m
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
