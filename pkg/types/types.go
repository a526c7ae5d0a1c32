// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: candles, instruments,
// orders, positions, signals, and feed message payloads. It has no
// dependencies on internal packages, so it can be imported by any layer,
// including external tooling such as the backtest optimizer.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the canonical lifecycle state of an order.
// Every venue-native status collapses to one of these four.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"     // resting or partially filled
	StatusFilled   OrderStatus = "filled"   // fully executed (terminal)
	StatusCanceled OrderStatus = "canceled" // withdrawn or expired (terminal)
	StatusRejected OrderStatus = "rejected" // refused by the venue (terminal)
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// ErrUnknownStatus is returned by NormalizeStatus for venue statuses outside
// the known mapping. Callers must treat it as a hard error, not a default.
var ErrUnknownStatus = errors.New("unknown order status")

// NormalizeStatus collapses a venue-native order status string into the
// canonical OrderStatus. The mapping is fixed:
//
//	new, accepted, confirmed, unconfirmed, queued, open,
//	partially_filled, pending_cancel → open
//	filled, executed, complete       → filled
//	canceled, cancelled, expired     → canceled
//	rejected, failed                 → rejected
//
// Anything else returns ErrUnknownStatus.
func NormalizeStatus(raw string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "accepted", "confirmed", "unconfirmed", "queued", "open", "partially_filled", "pending_cancel":
		return StatusOpen, nil
	case "filled", "executed", "complete":
		return StatusFilled, nil
	case "canceled", "cancelled", "expired":
		return StatusCanceled, nil
	case "rejected", "failed":
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Instruments and candles
// ————————————————————————————————————————————————————————————————————————

// Instrument uniquely keys all per-market state: one venue, one product.
type Instrument struct {
	Venue     string `json:"venue"`      // adapter name, e.g. "binance", "paper"
	ProductID string `json:"product_id"` // venue-native product identifier
}

// Key returns the canonical "venue:product" string used for map keys,
// cache keys, and series tags.
func (i Instrument) Key() string {
	return i.Venue + ":" + i.ProductID
}

// ProductInfo describes a tradeable product as reported by an adapter.
type ProductInfo struct {
	ID          string `json:"id"`           // venue-native product ID
	Symbol      string `json:"symbol"`       // display symbol, e.g. "BTCUSDT"
	DisplayName string `json:"display_name"` // human-readable name
	AssetType   string `json:"asset_type"`   // base asset, e.g. "BTC"
	QuoteType   string `json:"quote_type"`   // quote currency, e.g. "USDT"
	LotSize     int    `json:"lot_size"`     // units per lot, >= 1
	Venue       string `json:"venue"`        // owning adapter name
}

// BalanceInfo is a single account balance entry from an adapter.
type BalanceInfo struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// ErrInvalidCandle is returned by Candle.Validate when the OHLC invariants
// do not hold. Invalid candles are dropped, never stored.
var ErrInvalidCandle = errors.New("invalid candle")

// Candle is one fixed-interval OHLC aggregate. Time is epoch seconds aligned
// to the candle boundary and is the primary key per instrument: a repeated
// write for the same time replaces the prior record.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Validate checks the candle invariants:
// low <= min(open, close) <= max(open, close) <= high, volume >= 0, time > 0.
func (c Candle) Validate() error {
	if c.Time <= 0 {
		return fmt.Errorf("%w: non-positive time %d", ErrInvalidCandle, c.Time)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: negative volume %g", ErrInvalidCandle, c.Volume)
	}
	lo, hi := c.Open, c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.Close > hi {
		hi = c.Close
	}
	if c.Low > lo || hi > c.High {
		return fmt.Errorf("%w: ohlc ordering violated o=%g h=%g l=%g c=%g",
			ErrInvalidCandle, c.Open, c.High, c.Low, c.Close)
	}
	return nil
}

// AlignTime truncates t to the candle boundary for the given interval.
func AlignTime(t int64, intervalSec int64) int64 {
	if intervalSec <= 0 {
		return t
	}
	return t - t%intervalSec
}

// ————————————————————————————————————————————————————————————————————————
// Signals and trade requests
// ————————————————————————————————————————————————————————————————————————

// Signal is a strategy's verdict for one closed candle. Strength is in
// [-3, 3]: negative is a sell/exit bias, positive a buy bias, magnitude is
// conviction, 0 is hold. StopPrice is an optional trailing stop carried by
// stateful strategies; 0 means none.
type Signal struct {
	Strength  int     `json:"strength"`
	StopPrice float64 `json:"stop_price,omitempty"`
	Strategy  string  `json:"strategy"`
}

// Clamp bounds Strength to [-3, 3].
func (s *Signal) Clamp() {
	if s.Strength > 3 {
		s.Strength = 3
	}
	if s.Strength < -3 {
		s.Strength = -3
	}
}

// TradeRequest is what the engine hands to an adapter. The core always
// speaks in lots; the adapter converts to venue-native quantity using the
// product's lot size at the edge. Size and Funds are optional overrides for
// venues that accept base-quantity or quote-amount orders directly.
type TradeRequest struct {
	ProductID string    `json:"product_id"`
	ClientID  string    `json:"client_id,omitempty"` // idempotency key, also the reconciliation handle
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Lots      int       `json:"lots"`
	Size      float64   `json:"size,omitempty"`  // venue units; 0 = derive from lots
	Funds     float64   `json:"funds,omitempty"` // quote amount for market buys
	Price     float64   `json:"price"`           // limit price, 0 for market
	StopPrice float64   `json:"stop_price"`      // advisory trailing stop, 0 = none
}

// ————————————————————————————————————————————————————————————————————————
// Feed messages
// ————————————————————————————————————————————————————————————————————————
// Adapters push these into the engine's per-market queues. Three families
// exist; everything else an adapter receives is ignored at its edge.

// FeedKind tags the family of a feed message.
type FeedKind string

const (
	FeedTrade      FeedKind = "trade"           // last-price tick
	FeedKline      FeedKind = "kline"           // candle update with a closed bit
	FeedExecReport FeedKind = "executionReport" // order status change
)

// TradeTick is a last-price tick from the venue feed.
type TradeTick struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Time  int64   `json:"time"` // epoch seconds
}

// KlineUpdate is a candle update. Closed must be true before the candle is
// considered final; a kline with Closed=false never enters the store.
type KlineUpdate struct {
	Candle Candle `json:"candle"`
	Closed bool   `json:"closed"`
}

// FeedMessage is the envelope adapters enqueue into a market's queue.
// Exactly one payload field is set, according to Kind.
type FeedMessage struct {
	Kind  FeedKind
	Trade *TradeTick
	Kline *KlineUpdate
	Order *Order // normalized execution report
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one completed round-trip (or realized partial close) used for
// daily accounting, audit, and performance statistics.
type Trade struct {
	ID          string     `json:"id"`
	Instrument  Instrument `json:"instrument"`
	Side        Side       `json:"side"`
	Lots        int        `json:"lots"`
	Price       float64    `json:"price"`
	RealizedPnL float64    `json:"realized_pnl"`
	Time        time.Time  `json:"time"`
}
