// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Config names the venues and products; New builds one market per pair.
//  2. Each market gets a bounded feed queue, a candle series, a strategy
//     instance (optional), and a dedicated worker goroutine (market.run).
//  3. Adapters produce feed messages (ticks, klines, execution reports)
//     into the market queues; workers consume them in arrival order.
//  4. The risk gate admits or denies every order before it reaches a venue.
//  5. A ticker goroutine watches for stalled feeds, refreshes account
//     balances, and publishes periodic performance snapshots.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wolfinch/internal/api"
	"wolfinch/internal/config"
	"wolfinch/internal/exchange"
	"wolfinch/internal/indicator"
	"wolfinch/internal/risk"
	"wolfinch/internal/sink"
	"wolfinch/internal/store"
	"wolfinch/internal/strategy"
	"wolfinch/pkg/types"
)

// State is the engine lifecycle word.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	accountTimeout = 10 * time.Second
	statsInterval  = time.Minute
	candlesDefault = 100
)

// staleIntervals is how many missed candles mark a feed stalled.
const staleIntervals = 3

// Engine owns the lifecycle of all market workers and the supervisor
// ticker. The markets map is built once in New and read-only afterwards;
// per-market mutable state lives behind each market's view.
type Engine struct {
	cfg      config.Config
	adapters []exchange.Adapter
	gate     *risk.Gate
	store    *store.Store
	ind      *indicator.Engine
	fanout   *sink.Fanout
	metrics  *sink.Metrics
	logger   *slog.Logger

	markets map[string]*market // instrument key → market
	order   []string           // stable iteration order for API responses

	// events feeds the API server's WebSocket hub. Nil when the API is
	// disabled.
	events chan api.StreamEvent

	state atomic.Int32
	drain chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a market per configured (venue, product) pair. adapters[i]
// serves cfg.Exchanges[i]; mismatched lengths are a wiring bug.
func New(
	cfg config.Config,
	adapters []exchange.Adapter,
	gate *risk.Gate,
	st *store.Store,
	fanout *sink.Fanout,
	metrics *sink.Metrics,
	logger *slog.Logger,
) (*Engine, error) {
	if len(adapters) != len(cfg.Exchanges) {
		return nil, fmt.Errorf("engine: %d adapters for %d exchanges", len(adapters), len(cfg.Exchanges))
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		adapters: adapters,
		gate:     gate,
		store:    st,
		ind:      indicator.NewEngine(logger),
		fanout:   fanout,
		metrics:  metrics,
		logger:   logger.With("component", "engine"),
		markets:  make(map[string]*market),
		drain:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.API.Enabled {
		e.events = make(chan api.StreamEvent, 256)
	}

	maxLots := cfg.Risk.MaxPositionSize
	if maxLots <= 0 {
		maxLots = math.MaxInt32
	}

	for i, ex := range cfg.Exchanges {
		adapter := adapters[i]

		interval := ex.CandleInterval
		if interval <= 0 {
			interval = 300
		}
		backfill := cfg.Backfill
		if ex.Backfill != nil {
			backfill = *ex.Backfill
		}

		known := make(map[string]types.ProductInfo)
		for _, p := range adapter.Products() {
			known[p.ID] = p
		}

		for _, p := range ex.ProductList() {
			pid := p.ID
			if pid == "" {
				pid = p.Symbol
			}
			instrument := types.Instrument{Venue: adapter.Name(), ProductID: pid}
			key := instrument.Key()
			if _, dup := e.markets[key]; dup {
				cancel()
				return nil, fmt.Errorf("duplicate market %s", key)
			}

			var strat strategy.Strategy
			if p.Strategy != "" {
				var err error
				strat, err = strategy.New(p.Strategy, key, p.Params)
				if err != nil {
					cancel()
					return nil, fmt.Errorf("market %s: %w", key, err)
				}
			}

			info, ok := known[pid]
			if !ok {
				// The venue catalog doesn't know the product; trust the
				// config so paper and test venues work without one.
				info = types.ProductInfo{
					ID:          pid,
					Symbol:      p.Symbol,
					DisplayName: p.Symbol,
					AssetType:   p.AssetType,
					QuoteType:   p.QuoteType,
					LotSize:     p.LotSize,
					Venue:       adapter.Name(),
				}
			}
			if info.LotSize < 1 {
				info.LotSize = p.LotSize
			}

			mc := marketConfig{
				interval:     int64(interval),
				baseLots:     p.BaseLots,
				maxLots:      maxLots,
				queueSize:    cfg.Engine.QueueSize,
				drainTimeout: cfg.Engine.DrainTimeout,
				policy:       cfg.Engine.ShutdownPolicy,
				trading:      strat != nil && adapter.Primary(),
				backfill:     backfill,
			}

			m := newMarket(instrument, info, mc, adapter, st, e.ind, strat, gate, fanout, metrics, logger)
			if e.events != nil {
				m.stream = e.pushStream
			}
			e.markets[key] = m
			e.order = append(e.order, key)
		}
	}
	if len(e.markets) == 0 {
		cancel()
		return nil, errors.New("engine: no products configured")
	}
	sort.Strings(e.order)

	return e, nil
}

// Start runs every market's setup sequentially (history load, backfill,
// indicator warmup, feed registration), then launches the worker
// goroutines and the supervisor ticker. A setup failure aborts startup.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(StateInit), int32(StateRunning)) {
		return fmt.Errorf("engine already started (state %s)", State(e.state.Load()))
	}

	for _, key := range e.order {
		if err := e.markets[key].setup(e.ctx); err != nil {
			e.state.Store(int32(StateClosed))
			return fmt.Errorf("setup %s: %w", key, err)
		}
	}

	for _, key := range e.order {
		m := e.markets[key]
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			m.run(e.ctx, e.drain)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTicker()
	}()

	e.logger.Info("engine running", "markets", len(e.markets))
	return nil
}

// Stop drains and shuts down. Workers consume their queues and apply the
// shutdown policy under the drain deadline; adapters close after workers
// finish so closing orders and their fills still flow. Safe to call once;
// later calls are no-ops.
func (e *Engine) Stop() {
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	e.logger.Info("draining...", "policy", e.cfg.Engine.ShutdownPolicy)

	close(e.drain)
	e.wg.Wait()

	for _, a := range e.adapters {
		if err := a.Close(); err != nil {
			e.logger.Error("adapter close failed", "venue", a.Name(), "error", err)
		}
	}

	if e.cfg.Engine.ShutdownPolicy == "close" {
		if leftovers := e.gate.ForceCloseAll(); len(leftovers) > 0 {
			e.logger.Error("positions cleared without close confirmation", "instruments", leftovers)
		}
	}

	e.cancel()
	e.state.Store(int32(StateClosed))
	e.logger.Info("shutdown complete")
}

// runTicker is the supervisor loop: the fast tick maintains the risk gauge
// and stall warnings, the slow tick publishes stats and refreshes balances.
func (e *Engine) runTicker() {
	tick := e.cfg.Engine.TickInterval
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	lastWarn := make(map[string]time.Time)
	for {
		select {
		case <-e.drain:
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.heartbeat(lastWarn)
		case <-stats.C:
			e.publishStats()
			e.refreshAccounts()
			e.pushPnL()
		}
	}
}

func (e *Engine) heartbeat(lastWarn map[string]time.Time) {
	blocked, _ := e.gate.Blocked()
	v := 0.0
	if blocked {
		v = 1
	}
	e.metrics.RiskBlocked.Set(v)

	now := time.Now()
	for _, key := range e.order {
		m := e.markets[key]
		maxAge := time.Duration(staleIntervals*m.cfg.interval) * time.Second
		if m.view.IsStale(maxAge) && now.Sub(lastWarn[key]) >= maxAge {
			e.logger.Warn("market feed stalled",
				"instrument", key, "last_update", m.view.LastUpdated())
			lastWarn[key] = now
		}
	}
}

func (e *Engine) publishStats() {
	for _, key := range e.order {
		e.markets[key].publishPerf()
	}
}

func (e *Engine) refreshAccounts() {
	for _, a := range e.adapters {
		ctx, cancel := context.WithTimeout(e.ctx, accountTimeout)
		balances, err := a.Accounts(ctx)
		cancel()
		if err != nil {
			e.logger.Warn("account refresh failed", "venue", a.Name(), "error", err)
			continue
		}
		for _, b := range balances {
			e.fanout.Publish(sink.AccountUpdated(a.Name(), b.Asset, b.Free+b.Locked, b.Free))
		}
	}
}

func (e *Engine) pushPnL() {
	if e.events == nil {
		return
	}
	e.pushStream(api.StreamEvent{
		Channel:   api.ChannelPnLUpdate,
		Timestamp: time.Now().UTC(),
		Data:      e.PnL(),
	})
}

// Events is the stream consumed by the API server's hub. Nil when the API
// is disabled.
func (e *Engine) Events() <-chan api.StreamEvent {
	return e.events
}

// pushStream forwards a frame to the API hub without ever blocking a
// worker. A full buffer drops the frame and counts it.
func (e *Engine) pushStream(ev api.StreamEvent) {
	select {
	case e.events <- ev:
	default:
		e.metrics.EventsDroppedTotal.WithLabelValues("api_stream").Inc()
	}
}

// ---- api.StateProvider ----

func (e *Engine) State() string {
	return State(e.state.Load()).String()
}

func (e *Engine) Markets() []api.MarketStatus {
	out := make([]api.MarketStatus, 0, len(e.order))
	for _, key := range e.order {
		m := e.markets[key]
		staleAfter := time.Duration(staleIntervals*m.cfg.interval) * time.Second
		out = append(out, m.view.Status(staleAfter))
	}
	return out
}

func (e *Engine) Candles(key string, limit int) ([]types.Candle, error) {
	m, ok := e.markets[key]
	if !ok {
		return nil, fmt.Errorf("unknown market %q", key)
	}
	if limit <= 0 {
		limit = candlesDefault
	}
	if limit > seriesMax {
		limit = seriesMax
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.store.GetRecent(ctx, m.instrument, limit)
}

func (e *Engine) Positions() []risk.PositionView {
	return e.gate.Snapshot().OpenPositions
}

func (e *Engine) Orders() []types.Order {
	var out []types.Order
	for _, key := range e.order {
		out = append(out, e.markets[key].view.Orders()...)
	}
	return out
}

func (e *Engine) Trades() []types.Trade {
	var out []types.Trade
	for _, key := range e.order {
		out = append(out, e.markets[key].view.Trades()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func (e *Engine) PnL() api.PnLSummary {
	snap := e.gate.Snapshot()
	summary := api.PnLSummary{
		Date:          snap.Date,
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		TotalPnL:      snap.TotalPnL,
		DailyTrades:   snap.DailyTrades,
	}
	for _, key := range e.order {
		m := e.markets[key]
		perf := m.perf.snapshot()
		if perf.Trades == 0 {
			continue
		}
		summary.Markets = append(summary.Markets, api.MarketPerf{
			Key:         key,
			Strategy:    strategyName(m.strat),
			Trades:      perf.Trades,
			WinRate:     perf.WinRate,
			SharpeRatio: perf.SharpeRatio,
			MaxDrawdown: perf.MaxDrawdown,
			TotalPnL:    perf.TotalPnL,
		})
	}
	return summary
}

func (e *Engine) RiskStatus() risk.Snapshot {
	return e.gate.Snapshot()
}

func (e *Engine) UnblockRisk() {
	e.gate.ForceUnblock()
	e.logger.Warn("risk gate unblocked by operator")
	e.fanout.Publish(sink.SystemAlert("risk_unblocked", "warning",
		"risk gate block latch cleared by operator"))
}

func (e *Engine) SinkHealth() map[string]bool {
	return e.fanout.Health()
}
