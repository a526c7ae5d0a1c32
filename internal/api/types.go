package api

import (
	"time"

	"wolfinch/internal/risk"
	"wolfinch/pkg/types"
)

// Stream channels pushed over /ws. Every frame is a StreamEvent envelope.
const (
	ChannelCandleUpdate   = "candle_update"
	ChannelPositionUpdate = "position_update"
	ChannelPnLUpdate      = "pnl_update"
	ChannelTradeUpdate    = "trade_update"
)

// StreamEvent is the wire envelope for WebSocket pushes.
type StreamEvent struct {
	Channel   string      `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// MarketStatus is one market's live state as served by GET /markets.
type MarketStatus struct {
	Key       string `json:"key"` // "venue:product"
	Venue     string `json:"venue"`
	Symbol    string `json:"symbol"`
	ProductID string `json:"product_id"`
	Strategy  string `json:"strategy,omitempty"` // empty = data collection only
	State     string `json:"state"`              // running, draining, failed, closed

	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Candles    int64   `json:"candles"`     // closed candles processed
	LastCandle int64   `json:"last_candle"` // epoch seconds, 0 = none yet
	Signal     int     `json:"signal"`      // last strategy verdict
	OpenOrders int     `json:"open_orders"`

	PositionLots  int     `json:"position_lots"`
	PositionSide  string  `json:"position_side,omitempty"`
	AvgEntry      float64 `json:"avg_entry"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	LastUpdated time.Time `json:"last_updated"`
	Stale       bool      `json:"stale"`
}

// MarketPerf is one market's round-trip statistics inside the PnL summary.
type MarketPerf struct {
	Key         string  `json:"key"`
	Strategy    string  `json:"strategy"`
	Trades      int     `json:"trades"`
	WinRate     float64 `json:"win_rate"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TotalPnL    float64 `json:"total_pnl"`
}

// PnLSummary is the aggregate P&L view served by GET /pnl and pushed on the
// pnl_update channel.
type PnLSummary struct {
	Date          string       `json:"date"`
	RealizedPnL   float64      `json:"realized_pnl"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	TotalPnL      float64      `json:"total_pnl"`
	DailyTrades   int          `json:"daily_trades"`
	Markets       []MarketPerf `json:"markets"`
}

// Health is served by GET /health.
type Health struct {
	Status  string          `json:"status"` // "ok" while running, engine state otherwise
	State   string          `json:"state"`
	Markets int             `json:"markets"`
	Sinks   map[string]bool `json:"sinks"`
	Blocked bool            `json:"risk_blocked"`
	Time    time.Time       `json:"time"`
}

// StateProvider is the narrow view of the engine the server reads. Each
// method backs one route; the server never touches engine internals.
type StateProvider interface {
	State() string
	Markets() []MarketStatus
	Candles(key string, limit int) ([]types.Candle, error)
	Positions() []risk.PositionView
	Orders() []types.Order
	Trades() []types.Trade
	PnL() PnLSummary
	RiskStatus() risk.Snapshot
	UnblockRisk()
	SinkHealth() map[string]bool
}
