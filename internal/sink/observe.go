package sink

import "context"

// metricsTarget folds events into the Prometheus collectors. It sits last in
// the fan-out order and never fails.
type metricsTarget struct {
	m *Metrics
}

// NewMetricsTarget wraps a Metrics set as a fan-out target.
func NewMetricsTarget(m *Metrics) Target {
	return metricsTarget{m: m}
}

func (metricsTarget) Name() string  { return "metrics" }
func (metricsTarget) Healthy() bool { return true }

func (t metricsTarget) Publish(_ context.Context, ev Event) error {
	switch ev.Topic {
	case TopicOrdersSubmitted:
		t.m.OrdersTotal.WithLabelValues(
			ev.Tags["exchange"], ev.Tags["symbol"], ev.Tags["side"],
			ev.Tags["type"], "submitted").Inc()

	case TopicOrdersExecuted:
		t.m.OrdersFilledTotal.WithLabelValues(
			ev.Tags["exchange"], ev.Tags["symbol"], ev.Tags["side"]).Inc()

	case TopicOrdersRejected:
		t.m.OrdersRejectedTotal.WithLabelValues(
			ev.Tags["exchange"], ev.Tags["symbol"], ev.Tags["reason"]).Inc()

	case TopicTradesCompleted:
		strategy := ev.Tags["strategy"]
		if pnl, ok := numeric(ev.Data["pnl"]); ok {
			t.m.TradePnL.WithLabelValues(
				ev.Tags["exchange"], ev.Tags["symbol"], strategy).Observe(pnl)
		}
		if dur, ok := numeric(ev.Data["duration_sec"]); ok {
			t.m.TradeDuration.Observe(dur)
		}

	case TopicPositionsUpdated:
		if unreal, ok := numeric(ev.Data["unrealized_pnl"]); ok {
			t.m.UnrealizedPnL.WithLabelValues(
				ev.Tags["exchange"], ev.Tags["symbol"]).Set(unreal)
		}

	case TopicMarketUpdated:
		if price, ok := numeric(ev.Data["price"]); ok {
			t.m.MarketPrice.WithLabelValues(
				ev.Tags["exchange"], ev.Tags["symbol"]).Set(price)
		}
		if vol, ok := numeric(ev.Data["volume"]); ok {
			t.m.MarketVolume.WithLabelValues(
				ev.Tags["exchange"], ev.Tags["symbol"]).Set(vol)
		}

	case TopicAccountUpdated:
		if bal, ok := numeric(ev.Data["balance"]); ok {
			t.m.AccountBalance.WithLabelValues(
				ev.Tags["exchange"], ev.Tags["currency"]).Set(bal)
		}

	case TopicIndicatorsCalculated:
		for name := range ev.Data {
			if name == "symbol" || name == "candle_time" {
				continue
			}
			t.m.IndicatorsCounted.WithLabelValues(name).Inc()
		}

	case TopicPerformanceSnapshots:
		strategy := ev.Tags["strategy"]
		if v, ok := numeric(ev.Data["win_rate"]); ok {
			t.m.WinRate.WithLabelValues(strategy).Set(v)
		}
		if v, ok := numeric(ev.Data["sharpe_ratio"]); ok {
			t.m.SharpeRatio.WithLabelValues(strategy).Set(v)
		}
		if v, ok := numeric(ev.Data["max_drawdown"]); ok {
			t.m.MaxDrawdown.WithLabelValues(strategy).Set(v)
		}
	}
	return nil
}
