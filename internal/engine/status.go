package engine

import (
	"sync"
	"time"

	"wolfinch/internal/api"
	"wolfinch/pkg/types"
)

// Market lifecycle states as reported to the operator surface.
const (
	marketRunning  = "running"
	marketDraining = "draining"
	marketFailed   = "failed"
	marketClosed   = "closed"
)

const tradeHistoryCap = 200

// marketView mirrors one market's live state for concurrent readers. The
// worker goroutine is the single writer; the API server snapshots through
// the read lock. Never blocks the worker beyond the mutex.
type marketView struct {
	mu sync.RWMutex

	key       string
	venue     string
	symbol    string
	productID string
	strategy  string
	state     string

	price      float64
	volume     float64
	candles    int64
	lastCandle int64
	signal     types.Signal

	position   types.Position
	openOrders []types.Order
	trades     []types.Trade

	lastUpdated time.Time
}

func newMarketView(instrument types.Instrument, symbol, strategy string) *marketView {
	return &marketView{
		key:       instrument.Key(),
		venue:     instrument.Venue,
		symbol:    symbol,
		productID: instrument.ProductID,
		strategy:  strategy,
		state:     marketRunning,
	}
}

func (v *marketView) setState(state string) {
	v.mu.Lock()
	v.state = state
	v.mu.Unlock()
}

func (v *marketView) setPrice(price, volume float64) {
	v.mu.Lock()
	v.price = price
	v.volume = volume
	v.lastUpdated = time.Now()
	v.mu.Unlock()
}

func (v *marketView) setCandle(c types.Candle, count int64) {
	v.mu.Lock()
	v.price = c.Close
	v.volume = c.Volume
	v.candles = count
	v.lastCandle = c.Time
	v.lastUpdated = time.Now()
	v.mu.Unlock()
}

func (v *marketView) setSignal(sig types.Signal) {
	v.mu.Lock()
	v.signal = sig
	v.mu.Unlock()
}

func (v *marketView) setPosition(p types.Position) {
	v.mu.Lock()
	v.position = p
	v.lastUpdated = time.Now()
	v.mu.Unlock()
}

// setOrders replaces the open-order mirror with copies.
func (v *marketView) setOrders(orders map[string]*types.Order) {
	snapshot := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		snapshot = append(snapshot, *o)
	}
	v.mu.Lock()
	v.openOrders = snapshot
	v.mu.Unlock()
}

// addTrade appends to the bounded recent-trade ring.
func (v *marketView) addTrade(tr types.Trade) {
	v.mu.Lock()
	v.trades = append(v.trades, tr)
	if len(v.trades) > tradeHistoryCap {
		v.trades = v.trades[len(v.trades)-tradeHistoryCap:]
	}
	v.mu.Unlock()
}

// LastUpdated returns the time of the most recent feed activity.
func (v *marketView) LastUpdated() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastUpdated
}

// IsStale reports whether no feed activity arrived within maxAge.
func (v *marketView) IsStale(maxAge time.Duration) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.lastUpdated.IsZero() {
		return false // never fed yet, backfill may still be warming
	}
	return time.Since(v.lastUpdated) > maxAge
}

// Status builds the API view of this market.
func (v *marketView) Status(staleAfter time.Duration) api.MarketStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()

	stale := false
	if !v.lastUpdated.IsZero() && staleAfter > 0 {
		stale = time.Since(v.lastUpdated) > staleAfter
	}

	status := api.MarketStatus{
		Key:           v.key,
		Venue:         v.venue,
		Symbol:        v.symbol,
		ProductID:     v.productID,
		Strategy:      v.strategy,
		State:         v.state,
		Price:         v.price,
		Volume:        v.volume,
		Candles:       v.candles,
		LastCandle:    v.lastCandle,
		Signal:        v.signal.Strength,
		OpenOrders:    len(v.openOrders),
		PositionLots:  v.position.Lots,
		AvgEntry:      v.position.AvgEntry,
		RealizedPnL:   v.position.Realized,
		UnrealizedPnL: v.position.Unrealized,
		LastUpdated:   v.lastUpdated,
		Stale:         stale,
	}
	if v.position.Lots > 0 {
		status.PositionSide = string(v.position.Side)
	}
	return status
}

// Orders returns copies of the market's open orders.
func (v *marketView) Orders() []types.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.Order, len(v.openOrders))
	copy(out, v.openOrders)
	return out
}

// Trades returns copies of the market's recent completed trades.
func (v *marketView) Trades() []types.Trade {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.Trade, len(v.trades))
	copy(out, v.trades)
	return out
}
