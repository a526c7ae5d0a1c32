package sink

import (
	"fmt"
	"time"

	"wolfinch/pkg/types"
)

// Fixed topic names. Every event published by the bot lands on one of these.
const (
	TopicOrdersSubmitted      = "wolfinch.orders.submitted"
	TopicOrdersExecuted       = "wolfinch.orders.executed"
	TopicOrdersRejected       = "wolfinch.orders.rejected"
	TopicOrdersModified       = "wolfinch.orders.modified"
	TopicTradesCompleted      = "wolfinch.trades.completed"
	TopicPositionsUpdated     = "wolfinch.positions.updated"
	TopicRisksBreached        = "wolfinch.risks.breached"
	TopicSystemAlerts         = "wolfinch.system.alerts"
	TopicMarketData           = "wolfinch.market.data"
	TopicMarketUpdated        = "wolfinch.market.updated"
	TopicAccountUpdated       = "wolfinch.account.updated"
	TopicIndicatorsCalculated = "wolfinch.indicators.calculated"
	TopicStrategySignals      = "wolfinch.strategy.signals"
	TopicPerformanceSnapshots = "wolfinch.performance.snapshots"
	TopicErrors               = "wolfinch.errors"
)

// Event is one trading event on its way to the sinks. Topic and Key route
// it; Type, Time and Data form the wire envelope; Tags carry the
// low-cardinality identifiers for the time-series point.
type Event struct {
	Topic string
	Key   string
	Type  string
	Time  time.Time
	Data  map[string]interface{}
	Tags  map[string]string
}

func newEvent(topic, key, eventType string, tags map[string]string, data map[string]interface{}) Event {
	return Event{
		Topic: topic,
		Key:   key,
		Type:  eventType,
		Time:  time.Now().UTC(),
		Data:  data,
		Tags:  tags,
	}
}

// OrderSubmitted announces a freshly placed order, keyed by order id.
func OrderSubmitted(o types.Order, strategy string) Event {
	return newEvent(TopicOrdersSubmitted, o.ID, "ORDER_SUBMITTED",
		map[string]string{
			"exchange": o.Instrument.Venue,
			"symbol":   o.Instrument.ProductID,
			"side":     string(o.Side),
			"type":     string(o.Type),
		},
		map[string]interface{}{
			"order_id": o.ID,
			"symbol":   o.Instrument.ProductID,
			"side":     string(o.Side),
			"lots":     o.Lots,
			"price":    o.Price,
			"type":     string(o.Type),
			"strategy": strategy,
		})
}

// OrderExecuted announces a fill, keyed by order id.
func OrderExecuted(o types.Order) Event {
	return newEvent(TopicOrdersExecuted, o.ID, "ORDER_EXECUTED",
		map[string]string{
			"exchange": o.Instrument.Venue,
			"symbol":   o.Instrument.ProductID,
			"side":     string(o.Side),
		},
		map[string]interface{}{
			"order_id":  o.ID,
			"symbol":    o.Instrument.ProductID,
			"side":      string(o.Side),
			"filled":    o.Filled,
			"avg_price": o.AvgPrice,
			"fees":      o.Fees,
			"status":    string(o.Status),
		})
}

// OrderRejected announces a denial, either by the risk gate or the venue.
func OrderRejected(o types.Order, reason string) Event {
	return newEvent(TopicOrdersRejected, o.ID, "ORDER_REJECTED",
		map[string]string{
			"exchange": o.Instrument.Venue,
			"symbol":   o.Instrument.ProductID,
			"reason":   reason,
		},
		map[string]interface{}{
			"order_id":   o.ID,
			"symbol":     o.Instrument.ProductID,
			"side":       string(o.Side),
			"lots":       o.Lots,
			"reason_str": reason,
		})
}

// OrderModified announces a cancel or cancel-replace, keyed by order id.
// change is "canceled" or "replaced".
func OrderModified(o types.Order, change string) Event {
	return newEvent(TopicOrdersModified, o.ID, "ORDER_MODIFIED",
		map[string]string{
			"exchange": o.Instrument.Venue,
			"symbol":   o.Instrument.ProductID,
			"change":   change,
		},
		map[string]interface{}{
			"order_id":   o.ID,
			"symbol":     o.Instrument.ProductID,
			"side":       string(o.Side),
			"filled":     o.Filled,
			"remaining":  o.Remaining,
			"status":     string(o.Status),
			"change_str": change,
		})
}

// TradeCompleted announces a round trip with realized P&L, keyed by trade id.
func TradeCompleted(tr types.Trade, strategy string, durationSec float64) Event {
	return newEvent(TopicTradesCompleted, tr.ID, "TRADE_COMPLETED",
		map[string]string{
			"exchange": tr.Instrument.Venue,
			"symbol":   tr.Instrument.ProductID,
			"strategy": strategy,
		},
		map[string]interface{}{
			"trade_id":     tr.ID,
			"symbol":       tr.Instrument.ProductID,
			"side":         string(tr.Side),
			"lots":         tr.Lots,
			"price":        tr.Price,
			"pnl":          tr.RealizedPnL,
			"duration_sec": durationSec,
			"strategy":     strategy,
		})
}

// PositionUpdated mirrors the instrument's live position, keyed by symbol.
func PositionUpdated(p types.Position) Event {
	return newEvent(TopicPositionsUpdated, p.Instrument.ProductID, "POSITION_UPDATED",
		map[string]string{
			"exchange": p.Instrument.Venue,
			"symbol":   p.Instrument.ProductID,
			"side":     string(p.Side),
		},
		map[string]interface{}{
			"symbol":         p.Instrument.ProductID,
			"lots":           p.Lots,
			"entry_price":    p.AvgEntry,
			"unrealized_pnl": p.Unrealized,
			"realized_pnl":   p.Realized,
			"stop_price":     p.StopPrice,
		})
}

// RiskBreached announces a limit breach, keyed by breach type.
func RiskBreached(breachType string, currentValue, limitValue float64, action string) Event {
	return newEvent(TopicRisksBreached, breachType, "RISK_BREACHED",
		map[string]string{
			"breach_type": breachType,
			"severity":    "HIGH",
		},
		map[string]interface{}{
			"breach_type":   breachType,
			"current_value": currentValue,
			"limit_value":   limitValue,
			"action_str":    action,
		})
}

// SystemAlert carries operational conditions (degraded sinks, adapter
// failures), keyed by alert type.
func SystemAlert(alertType, severity, message string) Event {
	return newEvent(TopicSystemAlerts, alertType, "SYSTEM_ALERT",
		map[string]string{
			"alert_type": alertType,
			"severity":   severity,
		},
		map[string]interface{}{
			"alert_type":  alertType,
			"severity":    severity,
			"message_str": message,
		})
}

// MarketUpdated snapshots the latest price and volume, keyed by symbol.
func MarketUpdated(instrument types.Instrument, price, volume float64) Event {
	return newEvent(TopicMarketUpdated, instrument.ProductID, "MARKET_DATA_UPDATED",
		map[string]string{
			"exchange": instrument.Venue,
			"symbol":   instrument.ProductID,
		},
		map[string]interface{}{
			"symbol": instrument.ProductID,
			"price":  price,
			"volume": volume,
		})
}

// MarketData carries one finalized candle, keyed by symbol.
func MarketData(instrument types.Instrument, c types.Candle) Event {
	return newEvent(TopicMarketData, instrument.ProductID, "MARKET_DATA",
		map[string]string{
			"exchange": instrument.Venue,
			"symbol":   instrument.ProductID,
		},
		map[string]interface{}{
			"symbol":      instrument.ProductID,
			"candle_time": float64(c.Time),
			"open":        c.Open,
			"high":        c.High,
			"low":         c.Low,
			"close":       c.Close,
			"volume":      c.Volume,
		})
}

// AccountUpdated carries balance refreshes from the venue.
func AccountUpdated(venue, currency string, balance, available float64) Event {
	return newEvent(TopicAccountUpdated, "account", "ACCOUNT_UPDATED",
		map[string]string{
			"exchange": venue,
			"currency": currency,
		},
		map[string]interface{}{
			"currency":  currency,
			"balance":   balance,
			"available": available,
		})
}

// IndicatorsCalculated bundles one candle's indicator refresh, keyed by
// symbol. Values land as individual fields.
func IndicatorsCalculated(instrument types.Instrument, candleTime int64, values map[string]float64) Event {
	data := make(map[string]interface{}, len(values)+2)
	for name, v := range values {
		data[name] = v
	}
	data["symbol"] = instrument.ProductID
	data["candle_time"] = float64(candleTime)
	return newEvent(TopicIndicatorsCalculated, instrument.ProductID, "INDICATOR_CALCULATED",
		map[string]string{
			"exchange": instrument.Venue,
			"symbol":   instrument.ProductID,
		}, data)
}

// StrategySignal announces a non-neutral strategy decision, keyed by
// strategy:symbol.
func StrategySignal(strategy string, instrument types.Instrument, sig types.Signal) Event {
	return newEvent(TopicStrategySignals, fmt.Sprintf("%s:%s", strategy, instrument.ProductID), "STRATEGY_SIGNAL",
		map[string]string{
			"exchange": instrument.Venue,
			"symbol":   instrument.ProductID,
			"strategy": strategy,
		},
		map[string]interface{}{
			"strategy":   strategy,
			"symbol":     instrument.ProductID,
			"strength":   sig.Strength,
			"stop_price": sig.StopPrice,
		})
}

// PerformanceSnapshot publishes rolled-up strategy statistics.
func PerformanceSnapshot(strategy string, stats map[string]interface{}) Event {
	return newEvent(TopicPerformanceSnapshots, strategy, "PERFORMANCE_SNAPSHOT",
		map[string]string{"strategy": strategy}, stats)
}

// ErrorEvent tracks component failures, keyed by component.
func ErrorEvent(component, errorType, message string) Event {
	return newEvent(TopicErrors, component, "ERROR_EVENT",
		map[string]string{
			"component":  component,
			"error_type": errorType,
		},
		map[string]interface{}{
			"component":   component,
			"error_type":  errorType,
			"message_str": message,
		})
}
