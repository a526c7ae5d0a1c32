package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wolfinch/internal/config"
	"wolfinch/internal/exchange"
	"wolfinch/internal/indicator"
	"wolfinch/internal/risk"
	"wolfinch/internal/sink"
	"wolfinch/internal/store"
	"wolfinch/internal/strategy"
	"wolfinch/pkg/types"
)

// fakeAdapter records every call and answers with canned fills. When
// autoFill is set, Buy/Sell immediately push a filled execution report
// through the market hooks, like the paper venue does.
type fakeAdapter struct {
	mu       sync.Mutex
	name     string
	lotSize  int
	autoFill bool
	buyErr   error

	hooks   *exchange.MarketHooks
	buys    []types.TradeRequest
	sells   []types.TradeRequest
	cancels []string
	orders  map[string]*types.Order // GetOrder responses
	history []types.Candle
	seq     int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{name: "fake", lotSize: 1, orders: make(map[string]*types.Order)}
}

func (f *fakeAdapter) Name() string  { return f.name }
func (f *fakeAdapter) Primary() bool { return true }

func (f *fakeAdapter) Products() []types.ProductInfo {
	return []types.ProductInfo{{ID: "TEST", Symbol: "TEST", LotSize: f.lotSize, Venue: f.name}}
}

func (f *fakeAdapter) Accounts(ctx context.Context) (map[string]types.BalanceInfo, error) {
	return map[string]types.BalanceInfo{"USD": {Asset: "USD", Free: 10000}}, nil
}

func (f *fakeAdapter) MarketInit(m *exchange.MarketHooks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = m
	return nil
}

func (f *fakeAdapter) GetHistoricRates(ctx context.Context, productID string, start, end time.Time) ([]types.Candle, error) {
	return f.history, nil
}

func (f *fakeAdapter) submit(req types.TradeRequest) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	f.seq++
	units := float64(req.Lots * f.lotSize)
	o := &types.Order{
		ID:         fmt.Sprintf("ord-%d", f.seq),
		ClientID:   req.ClientID,
		Instrument: types.Instrument{Venue: f.name, ProductID: "TEST"},
		Side:       req.Side,
		Type:       req.Type,
		Lots:       req.Lots,
		Requested:  units,
		Remaining:  units,
		Status:     types.StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	f.orders[o.ID] = o

	if f.autoFill && f.hooks != nil {
		fill := *o
		fill.Filled = units
		fill.Remaining = 0
		fill.AvgPrice = 100
		fill.Status = types.StatusFilled
		f.hooks.Enqueue(types.FeedMessage{Kind: types.FeedExecReport, Order: &fill})
	}
	return o, nil
}

func (f *fakeAdapter) Buy(ctx context.Context, req types.TradeRequest) (*types.Order, error) {
	o, err := f.submit(req)
	if err == nil {
		f.mu.Lock()
		f.buys = append(f.buys, req)
		f.mu.Unlock()
	}
	return o, err
}

func (f *fakeAdapter) Sell(ctx context.Context, req types.TradeRequest) (*types.Order, error) {
	o, err := f.submit(req)
	if err == nil {
		f.mu.Lock()
		f.sells = append(f.sells, req)
		f.mu.Unlock()
	}
	return o, err
}

func (f *fakeAdapter) GetOrder(ctx context.Context, productID, id string) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	for _, o := range f.orders {
		if o.ClientID == id {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order %s not found", id)
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, productID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeAdapter) CancelAll(ctx context.Context, productID string) error { return nil }

func (f *fakeAdapter) ModifyOrder(ctx context.Context, productID, id string, newPrice, newQty float64) (*types.Order, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeAdapter) Close() error { return nil }

// fakeStrategy emits a fixed signal once warm and records each firing.
type fakeStrategy struct {
	mu       sync.Mutex
	strength int
	warmup   int
	fired    []int64 // closing candle times, in firing order
}

func (s *fakeStrategy) Name() string             { return "fake" }
func (s *fakeStrategy) Warmup() int              { return s.warmup }
func (s *fakeStrategy) Params() []strategy.Param { return nil }

func (s *fakeStrategy) Indicators() []indicator.Subscription {
	return []indicator.Subscription{
		{Alias: "sma_fast", Name: "sma", Params: indicator.Params{"period": 2}},
	}
}

func (s *fakeStrategy) GenerateSignal(series []types.Candle, ind *indicator.Engine) types.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired = append(s.fired, series[len(series)-1].Time)
	return types.Signal{Strength: s.strength, Strategy: "fake"}
}

func (s *fakeStrategy) firings() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.fired))
	copy(out, s.fired)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMarket(t *testing.T, strat strategy.Strategy, adapter exchange.Adapter) *market {
	t.Helper()
	logger := discardLogger()
	metrics := sink.NewMetrics()

	st := store.Open(config.CacheDBConfig{}, metrics, logger)
	t.Cleanup(func() { st.Close() })

	gate, err := risk.NewGate(config.RiskConfig{
		MaxDailyLoss:     1e9,
		MaxPositionSize:  100,
		MaxOpenPositions: 10,
		StartingCapital:  1e6,
		StateFile:        filepath.Join(t.TempDir(), "risk.json"),
	}, logger)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	fanout := sink.NewFanout(metrics, logger)

	instrument := types.Instrument{Venue: "fake", ProductID: "TEST"}
	info := types.ProductInfo{ID: "TEST", Symbol: "TEST", LotSize: 1, Venue: "fake"}
	cfg := marketConfig{
		interval:     60,
		baseLots:     2,
		maxLots:      100,
		queueSize:    64,
		drainTimeout: 2 * time.Second,
		policy:       "cancel",
		trading:      strat != nil,
	}
	m := newMarket(instrument, info, cfg, adapter, st, indicator.NewEngine(logger), strat, gate, fanout, metrics, logger)
	if err := m.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return m
}

func closedKline(tm int64, close float64) types.FeedMessage {
	return types.FeedMessage{
		Kind: types.FeedKline,
		Kline: &types.KlineUpdate{
			Closed: true,
			Candle: types.Candle{
				Time: tm,
				Open: close - 1, High: close + 1, Low: close - 2, Close: close,
				Volume: 10,
			},
		},
	}
}

func TestClosedCandlePlacesOrder(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	m.handle(ctx, closedKline(60, 100))

	if got := len(fake.buys); got != 1 {
		t.Fatalf("buys = %d, want 1", got)
	}
	req := fake.buys[0]
	if req.Lots != 2 {
		t.Errorf("lots = %d, want 2 (|signal|=1 × base_lots=2)", req.Lots)
	}
	if req.Side != types.Buy {
		t.Errorf("side = %s, want buy", req.Side)
	}
	if !strings.HasPrefix(req.ClientID, exchange.ClientIDPrefix) {
		t.Errorf("client id %q missing %q prefix", req.ClientID, exchange.ClientIDPrefix)
	}
	if len(m.openOrders) != 1 {
		t.Errorf("open orders = %d, want 1", len(m.openOrders))
	}
}

func TestSignalClippedToMaxLots(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 3, warmup: 1}
	m := newTestMarket(t, strat, fake)
	m.cfg.maxLots = 4

	m.handle(context.Background(), closedKline(60, 100))

	if got := len(fake.buys); got != 1 {
		t.Fatalf("buys = %d, want 1", got)
	}
	if got := fake.buys[0].Lots; got != 4 {
		t.Errorf("lots = %d, want 4 (3×2 clipped to max 4)", got)
	}
}

func TestRiskDenialDropsOrder(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)

	// Latch the gate shut before the candle lands.
	m.gate.RecordTrade(m.instrument.Key(), types.Sell, 1, 100, -2e9, "t1")
	m.gate.Admit(m.instrument.Key(), types.Buy, 1, 100)

	m.handle(context.Background(), closedKline(60, 100))

	if got := len(fake.buys) + len(fake.sells); got != 0 {
		t.Fatalf("orders placed = %d, want 0 while gate is blocked", got)
	}
	if len(m.openOrders) != 0 {
		t.Errorf("open orders = %d, want 0", len(m.openOrders))
	}
}

func TestCollectOnlyMarketNeverTrades(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	m := newTestMarket(t, nil, fake)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		m.handle(ctx, closedKline(i*60, 100+float64(i)))
	}

	if got := len(fake.buys) + len(fake.sells); got != 0 {
		t.Fatalf("orders placed = %d, want 0 without a strategy", got)
	}
	if m.candleCount != 5 {
		t.Errorf("candles = %d, want 5", m.candleCount)
	}
}

func TestPartialCandleNeverStored(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	m := newTestMarket(t, nil, fake)
	ctx := context.Background()

	m.handle(ctx, types.FeedMessage{
		Kind:  types.FeedTrade,
		Trade: &types.TradeTick{Price: 101, Size: 3, Time: 65},
	})
	m.handle(ctx, types.FeedMessage{
		Kind: types.FeedKline,
		Kline: &types.KlineUpdate{
			Closed: false,
			Candle: types.Candle{Time: 60, Open: 100, High: 102, Low: 99, Close: 101, Volume: 5},
		},
	})

	got, err := m.store.GetAll(ctx, m.instrument)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stored candles = %d, want 0 before close", len(got))
	}

	m.handle(ctx, closedKline(60, 101))

	got, err = m.store.GetAll(ctx, m.instrument)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored candles = %d, want 1 after close", len(got))
	}
}

func TestSynthesizedCandleWhenVenueCandleEmpty(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	m := newTestMarket(t, nil, fake)
	ctx := context.Background()

	for _, tick := range []types.TradeTick{
		{Price: 100, Size: 1, Time: 61},
		{Price: 104, Size: 2, Time: 80},
		{Price: 102, Size: 1, Time: 119},
	} {
		tk := tick
		m.handle(ctx, types.FeedMessage{Kind: types.FeedTrade, Trade: &tk})
	}

	// The venue close carries no volume, so the tick-built candle wins.
	m.handle(ctx, types.FeedMessage{
		Kind: types.FeedKline,
		Kline: &types.KlineUpdate{
			Closed: true,
			Candle: types.Candle{Time: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 0},
		},
	})

	got, err := m.store.GetAll(ctx, m.instrument)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored candles = %d, want 1", len(got))
	}
	c := got[0]
	if c.Open != 100 || c.High != 104 || c.Low != 100 || c.Close != 102 || c.Volume != 4 {
		t.Errorf("candle = %+v, want tick-built O=100 H=104 L=100 C=102 V=4", c)
	}
}

func TestInvalidCandleDropped(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	m.handle(ctx, types.FeedMessage{
		Kind: types.FeedKline,
		Kline: &types.KlineUpdate{
			Closed: true,
			Candle: types.Candle{Time: 60, Open: 100, High: 90, Low: 95, Close: 100, Volume: 1},
		},
	})

	got, err := m.store.GetAll(ctx, m.instrument)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stored candles = %d, want 0 for high < low", len(got))
	}
	if got := len(strat.firings()); got != 0 {
		t.Errorf("strategy fired %d times on an invalid candle, want 0", got)
	}
}

func TestStrategyFiresOncePerClosedCandle(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 0, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	// A backlog of three candles plus a duplicate of the last one.
	m.handle(ctx, closedKline(60, 100))
	m.handle(ctx, closedKline(120, 101))
	m.handle(ctx, closedKline(180, 102))
	m.handle(ctx, closedKline(180, 102))

	want := []int64{60, 120, 180}
	got := strat.firings()
	if len(got) != len(want) {
		t.Fatalf("firings = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("firing %d at candle %d, want %d (in feed order)", i, got[i], want[i])
		}
	}
}

func TestExecReportLifecycle(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	m.handle(ctx, closedKline(60, 100))
	if len(m.openOrders) != 1 {
		t.Fatalf("open orders = %d, want 1", len(m.openOrders))
	}
	var id string
	for k := range m.openOrders {
		id = k
	}

	partial := *m.openOrders[id]
	partial.Filled = 1
	partial.Remaining = 1
	partial.AvgPrice = 100.5
	partial.Status = types.StatusOpen
	m.applyReport(&partial)

	if got := m.position.Lots; got != 1 {
		t.Fatalf("lots after partial = %d, want 1", got)
	}
	if got := m.openOrders[id].Filled; got != 1 {
		t.Errorf("tracked filled = %g, want 1", got)
	}

	full := partial
	full.Filled = 2
	full.Remaining = 0
	full.AvgPrice = 100.75 // cumulative VWAP: second unit filled at 101
	full.Status = types.StatusFilled
	m.applyReport(&full)

	if got := m.position.Lots; got != 2 {
		t.Fatalf("lots after full fill = %d, want 2", got)
	}
	if got := m.position.AvgEntry; math.Abs(got-100.75) > 1e-9 {
		t.Errorf("avg entry = %g, want 100.75", got)
	}
	if len(m.openOrders) != 0 {
		t.Errorf("open orders = %d, want 0 after terminal fill", len(m.openOrders))
	}

	// Replaying the terminal report must not double-apply.
	m.applyReport(&full)
	if got := m.position.Lots; got != 2 {
		t.Fatalf("lots after replay = %d, want 2", got)
	}
	if m.failed.Load() {
		t.Error("replay of a settled report must not fail-stop the market")
	}
}

func TestExecReportViolationFailStops(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	m.handle(ctx, closedKline(60, 100))
	var tracked *types.Order
	for _, o := range m.openOrders {
		tracked = o
	}

	over := *tracked
	over.Filled = tracked.Requested + 5 // fill past requested size
	over.Status = types.StatusFilled
	m.applyReport(&over)

	if !m.failed.Load() {
		t.Fatal("overfill report must fail-stop the market")
	}
	if got := m.view.Status(time.Minute).State; got != marketFailed {
		t.Errorf("view state = %q, want %q", got, marketFailed)
	}
	if got := m.position.Lots; got != 0 {
		t.Errorf("position lots = %d, want 0 (violating fill never applied)", got)
	}
}

func TestRoundTripRealizesPnL(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	fake.autoFill = true
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	// Entry: buy 2 lots, auto-filled at 100.
	m.handle(ctx, closedKline(60, 100))
	m.drainQueue(ctx, time.Now().Add(time.Second))
	if got := m.position.Lots; got != 2 {
		t.Fatalf("lots after entry = %d, want 2", got)
	}

	// Exit: inject a sell that fills at 110 against the 100 entry.
	exit := types.Order{
		ID:         "exit-1",
		Instrument: m.instrument,
		Side:       types.Sell,
		Lots:       2,
		Requested:  2,
		Remaining:  2,
		Status:     types.StatusOpen,
	}
	m.openOrders[exit.ID] = &exit
	rep := exit
	rep.Filled = 2
	rep.Remaining = 0
	rep.AvgPrice = 110
	rep.Status = types.StatusFilled
	m.applyReport(&rep)

	if !m.position.Flat() {
		t.Fatalf("position lots = %d, want flat", m.position.Lots)
	}
	// (110 - 100) × 2 lots × 1 unit.
	if got, want := m.realizedTotal, 20.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("realized = %g, want %g", got, want)
	}
	stats := m.perf.snapshot()
	if stats.Trades != 1 {
		t.Errorf("round trips = %d, want 1", stats.Trades)
	}
	if stats.WinRate != 100 {
		t.Errorf("win rate = %g, want 100", stats.WinRate)
	}
}

func TestReconcileAdoptsTimedOutOrder(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	// Simulate a submit that timed out after the venue accepted it: the
	// order exists venue-side but the worker never saw the ack.
	clientID := exchange.ClientIDPrefix + "lost"
	fake.orders["ord-lost"] = &types.Order{
		ID:         "ord-lost",
		ClientID:   clientID,
		Instrument: m.instrument,
		Side:       types.Buy,
		Lots:       2,
		Requested:  2,
		Filled:     2,
		AvgPrice:   100,
		Status:     types.StatusFilled,
	}

	m.reconcileOrder(ctx, reconcileJob{id: clientID})

	if got := m.position.Lots; got != 2 {
		t.Fatalf("lots after reconcile = %d, want 2", got)
	}
	if len(m.openOrders) != 0 {
		t.Errorf("open orders = %d, want 0 (reconciled order was terminal)", len(m.openOrders))
	}
}

func TestUntrackedTerminalReportIgnored(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	m := newTestMarket(t, nil, fake)

	rep := types.Order{
		ID:         "ghost-1",
		Instrument: m.instrument,
		Side:       types.Buy,
		Lots:       5,
		Requested:  5,
		Filled:     5,
		AvgPrice:   100,
		Status:     types.StatusFilled,
	}
	m.applyReport(&rep)

	if got := m.position.Lots; got != 0 {
		t.Fatalf("lots = %d, want 0 (unknown terminal fills never apply)", got)
	}
}

func TestShutdownCancelPolicy(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	m.handle(ctx, closedKline(60, 100))
	if len(m.openOrders) != 1 {
		t.Fatalf("open orders = %d, want 1", len(m.openOrders))
	}

	m.cfg.policy = "cancel"
	m.shutdown(ctx)

	if got := len(fake.cancels); got != 1 {
		t.Fatalf("cancels = %d, want 1", got)
	}
	if len(m.openOrders) != 0 {
		t.Errorf("open orders after shutdown = %d, want 0", len(m.openOrders))
	}
}

func TestShutdownClosePolicyFlattens(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	fake.autoFill = true
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	m.handle(ctx, closedKline(60, 100))
	m.drainQueue(ctx, time.Now().Add(time.Second))
	if got := m.position.Lots; got != 2 {
		t.Fatalf("lots before shutdown = %d, want 2", got)
	}

	m.cfg.policy = "close"
	m.shutdown(ctx)

	if !m.position.Flat() {
		t.Fatalf("position lots = %d after close policy, want flat", m.position.Lots)
	}
	if got := len(fake.sells); got != 1 {
		t.Errorf("closing sells = %d, want 1", got)
	}
}

func TestShutdownLeavePolicyKeepsOrders(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	strat := &fakeStrategy{strength: 1, warmup: 1}
	m := newTestMarket(t, strat, fake)
	ctx := context.Background()

	m.handle(ctx, closedKline(60, 100))

	m.cfg.policy = "leave"
	m.shutdown(ctx)

	if got := len(fake.cancels); got != 0 {
		t.Errorf("cancels = %d, want 0 under leave policy", got)
	}
	if len(m.openOrders) != 1 {
		t.Errorf("open orders = %d, want 1 left resting", len(m.openOrders))
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()

	fake := newFakeAdapter()
	m := newTestMarket(t, nil, fake)
	m.queue = make(chan types.FeedMessage, 1)

	msg := types.FeedMessage{Kind: types.FeedTrade, Trade: &types.TradeTick{Price: 1, Size: 1, Time: 1}}
	if !m.Enqueue(msg) {
		t.Fatal("first enqueue should succeed")
	}
	if m.Enqueue(msg) {
		t.Fatal("second enqueue should report a drop on a full queue")
	}
}

func TestSetupBackfillMergesStoredAndFetched(t *testing.T) {
	t.Parallel()
	logger := discardLogger()
	metrics := sink.NewMetrics()

	st := store.Open(config.CacheDBConfig{}, metrics, logger)
	t.Cleanup(func() { st.Close() })

	instrument := types.Instrument{Venue: "fake", ProductID: "TEST"}
	stored := []types.Candle{
		{Time: 60, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 5},
		{Time: 120, Open: 1.5, High: 2, Low: 1, Close: 1.6, Volume: 5},
		{Time: 180, Open: 1.6, High: 2, Low: 1, Close: 1.7, Volume: 5}, // written while still forming
	}
	if err := st.SaveBatch(context.Background(), instrument, stored); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	adapter := newFakeAdapter()
	adapter.history = []types.Candle{
		{Time: 180, Open: 1.6, High: 3, Low: 1, Close: 2.0, Volume: 9}, // venue-final copy of the tail
		{Time: 240, Open: 2.0, High: 3, Low: 1.5, Close: 2.2, Volume: 9},
		{Time: 300, Open: 2.2, High: 3, Low: 2.0, Close: 2.5, Volume: 9},
	}

	gate, err := risk.NewGate(config.RiskConfig{
		MaxDailyLoss:    1e9,
		StartingCapital: 1e6,
		StateFile:       filepath.Join(t.TempDir(), "risk.json"),
	}, logger)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	info := types.ProductInfo{ID: "TEST", Symbol: "TEST", LotSize: 1, Venue: "fake"}
	cfg := marketConfig{
		interval:     60,
		queueSize:    16,
		drainTimeout: time.Second,
		policy:       "leave",
		backfill:     config.BackfillConfig{Enabled: true, Period: 1},
	}
	m := newMarket(instrument, info, cfg, adapter, st, indicator.NewEngine(logger), nil,
		gate, sink.NewFanout(metrics, logger), metrics, logger)
	if err := m.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}

	wantTimes := []int64{60, 120, 180, 240, 300}
	if len(m.series) != len(wantTimes) {
		t.Fatalf("series length = %d, want %d", len(m.series), len(wantTimes))
	}
	for i, want := range wantTimes {
		if m.series[i].Time != want {
			t.Errorf("series[%d].Time = %d, want %d", i, m.series[i].Time, want)
		}
	}
	if got := m.series[2].Close; got != 2.0 {
		t.Errorf("overlapping candle close = %v, want 2.0 (venue copy replaces stored tail)", got)
	}
	if m.mark != 2.5 {
		t.Errorf("mark = %v, want 2.5", m.mark)
	}
	if m.candleCount != 5 {
		t.Errorf("candleCount = %d, want 5", m.candleCount)
	}

	persisted, err := st.GetAll(context.Background(), instrument)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(persisted) != 5 {
		t.Errorf("persisted candles = %d, want 5 after backfill union", len(persisted))
	}
}

func TestUpsertCandle(t *testing.T) {
	t.Parallel()

	c := func(tm int64) types.Candle { return types.Candle{Time: tm, Open: 1, High: 1, Low: 1, Close: 1} }

	tests := []struct {
		name string
		have []int64
		add  int64
		want []int64
	}{
		{"append to empty", nil, 60, []int64{60}},
		{"append in order", []int64{60, 120}, 180, []int64{60, 120, 180}},
		{"replace existing", []int64{60, 120, 180}, 120, []int64{60, 120, 180}},
		{"insert out of order", []int64{60, 180}, 120, []int64{60, 120, 180}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var series []types.Candle
			for _, tm := range tt.have {
				series = append(series, c(tm))
			}
			series = upsertCandle(series, c(tt.add))
			if len(series) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(series), len(tt.want))
			}
			for i, tm := range tt.want {
				if series[i].Time != tm {
					t.Errorf("series[%d].Time = %d, want %d", i, series[i].Time, tm)
				}
			}
		})
	}
}
