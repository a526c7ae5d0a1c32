// Package exchange implements the venue adapters behind the trading engine.
//
// Every venue satisfies the Adapter interface:
//   - Products / Accounts:  what can be traded and with what balances
//   - MarketInit:           register a market's feed hooks and subscribe
//   - GetHistoricRates:     paginated candle backfill
//   - Buy / Sell / GetOrder / CancelOrder / CancelAll / ModifyOrder
//
// Two adapters ship today: binance (live REST + WebSocket) and paper
// (simulated fills over generated or CSV candles). Adapters normalize every
// venue payload at the edge; the rest of the bot only ever sees pkg/types.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wolfinch/internal/config"
	"wolfinch/internal/sink"
	"wolfinch/pkg/types"
)

// Adapter is the venue contract. Trading methods take a context with the
// caller's deadline; blocking beyond it is the adapter's bug.
type Adapter interface {
	Name() string
	Primary() bool
	Products() []types.ProductInfo
	Accounts(ctx context.Context) (map[string]types.BalanceInfo, error)

	// MarketInit registers a market's feed hooks. After it returns, the
	// adapter may start pushing FeedMessages through the hooks' Enqueue.
	MarketInit(m *MarketHooks) error

	GetHistoricRates(ctx context.Context, productID string, start, end time.Time) ([]types.Candle, error)

	Buy(ctx context.Context, req types.TradeRequest) (*types.Order, error)
	Sell(ctx context.Context, req types.TradeRequest) (*types.Order, error)
	GetOrder(ctx context.Context, productID, id string) (*types.Order, error)
	CancelOrder(ctx context.Context, productID, id string) error
	CancelAll(ctx context.Context, productID string) error
	ModifyOrder(ctx context.Context, productID, id string, newPrice, newQty float64) (*types.Order, error)

	Close() error
}

// MarketHooks is what a market worker hands the adapter at init. Enqueue
// must not block: it returns false when the market queue is full, and the
// adapter drops the message after logging.
type MarketHooks struct {
	ProductID string
	Enqueue   func(types.FeedMessage) bool
}

// ClientIDPrefix marks order IDs we generated ourselves. Adapters that
// support client-order-id lookup treat a GetOrder id bearing this prefix as
// a client ID, so a submit that timed out can still be reconciled.
const ClientIDPrefix = "wf-"

// New constructs the adapter named by the exchange config. When simulate is
// set every venue is replaced by the paper adapter so no live orders can
// leave the process.
func New(cfg config.ExchangeConfig, primary, simulate bool, metrics *sink.Metrics, logger *slog.Logger) (Adapter, error) {
	if simulate || cfg.Name == "paper" {
		return NewPaper(cfg, primary, logger)
	}
	switch cfg.Name {
	case "binance":
		return NewBinance(cfg, primary, metrics, logger)
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Name)
	}
}
