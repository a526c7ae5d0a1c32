// paper.go implements the simulated venue: random-walk or CSV-replay
// candles, instant fills at the current mark, and simulated balances.
// It satisfies the same Adapter contract as a live venue so the rest of
// the bot runs unchanged under --paper.
package exchange

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wolfinch/internal/config"
	"wolfinch/pkg/types"
)

const (
	defaultPaperCandles = 5000
	defaultPaperFund    = 10000
	defaultPaperFeeBps  = 10 // 0.1% taker, charged on every fill
	defaultPaperSpeed   = 10 // one candle per interval/10 wall seconds
	minFeedStep         = 100 * time.Millisecond
)

// paperStartPrices seeds the walk by symbol substring. Order matters:
// "BANKNIFTY" must match BANK before NIFTY.
var paperStartPrices = []struct {
	substr string
	price  float64
}{
	{"BANK", 44500},
	{"NIFTY", 19500},
	{"RELIANCE", 2500},
	{"TCS", 3500},
	{"INFY", 1500},
}

func startPrice(symbol string) float64 {
	u := strings.ToUpper(symbol)
	for _, sp := range paperStartPrices {
		if strings.Contains(u, sp.substr) {
			return sp.price
		}
	}
	return 1000
}

// walker is one product's price path. Touched only at construction and
// from the single feed goroutine afterwards.
type walker struct {
	rng  *rand.Rand
	last float64 // last close
}

func (w *walker) uniform(a, b float64) float64 {
	return a + w.rng.Float64()*(b-a)
}

// next advances the walk one candle. Per-candle volatility is drawn from
// [0.1%, 1.5%] with an even up/down coin, wicks extend past the body.
func (w *walker) next(closeBoundary int64) types.Candle {
	open := w.last
	vol := w.uniform(0.001, 0.015)
	dir := 1.0
	if w.rng.Float64() < 0.5 {
		dir = -1
	}
	cls := open * (1 + vol*dir)
	high := math.Max(open, cls) * (1 + w.uniform(0.0005, vol*1.5))
	low := math.Min(open, cls) * (1 - w.uniform(0.0005, vol*1.2))
	w.last = cls
	return types.Candle{
		Time:   closeBoundary,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  cls,
		Volume: w.uniform(1000, 5000),
	}
}

// product is the paper venue's per-product state.
type paperProduct struct {
	info   types.ProductInfo
	walk   *walker
	series []types.Candle // generated or CSV history, feed appends
	replay []types.Candle // unconsumed CSV rows for the live feed
	mark   float64        // current fill price
}

// Paper is the simulated venue adapter.
type Paper struct {
	isPrim   bool
	interval int
	feeBps   float64
	step     time.Duration

	mu       sync.Mutex
	products map[string]*paperProduct
	balances map[string]float64
	orders   map[string]*types.Order

	hooksMu sync.RWMutex
	hooks   map[string]*MarketHooks

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	feedOnce sync.Once

	logger *slog.Logger
}

func NewPaper(cfg config.ExchangeConfig, primary bool, logger *slog.Logger) (*Paper, error) {
	pc := cfg.Paper
	if pc == nil {
		pc = &config.PaperConfig{}
	}
	seed := pc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	candles := pc.Candles
	if candles <= 0 {
		candles = defaultPaperCandles
	}
	fund := pc.InitialFund
	if fund <= 0 {
		fund = defaultPaperFund
	}
	feeBps := pc.FeeBps
	if feeBps <= 0 {
		feeBps = defaultPaperFeeBps
	}
	speed := pc.SpeedDiv
	if speed <= 0 {
		speed = defaultPaperSpeed
	}
	interval := cfg.CandleInterval
	step := time.Duration(interval) * time.Second / time.Duration(speed)
	if step < minFeedStep {
		step = minFeedStep
	}

	p := &Paper{
		isPrim:   primary,
		interval: interval,
		feeBps:   feeBps,
		step:     step,
		products: make(map[string]*paperProduct),
		balances: make(map[string]float64),
		orders:   make(map[string]*types.Order),
		hooks:    make(map[string]*MarketHooks),
		logger:   logger.With("exchange", "paper"),
	}
	p.runCtx, p.cancel = context.WithCancel(context.Background())

	now := types.AlignTime(time.Now().Unix(), int64(interval))
	rng := rand.New(rand.NewSource(seed))

	for _, prod := range cfg.ProductList() {
		id := prod.ID
		if id == "" {
			id = prod.Symbol
		}
		pp := &paperProduct{
			info: types.ProductInfo{
				ID:          id,
				Symbol:      prod.Symbol,
				DisplayName: prod.Symbol,
				AssetType:   prod.AssetType,
				QuoteType:   prod.QuoteType,
				LotSize:     prod.LotSize,
				Venue:       "paper",
			},
			// derived seed keeps product paths independent but reproducible
			walk: &walker{rng: rand.New(rand.NewSource(rng.Int63()))},
		}

		if prod.CSVFile != "" {
			path := prod.CSVFile
			if pc.DataDir != "" && !filepath.IsAbs(path) {
				path = filepath.Join(pc.DataDir, path)
			}
			series, err := loadCandleCSV(path)
			if err != nil {
				return nil, fmt.Errorf("product %s: %w", prod.Symbol, err)
			}
			// half the file is history, the rest feeds live replay
			split := len(series) / 2
			if split == 0 {
				split = len(series)
			}
			pp.series = series[:split]
			pp.replay = series[split:]
			pp.walk.last = series[split-1].Close
			pp.mark = pp.walk.last
		} else {
			pp.walk.last = startPrice(prod.Symbol)
			pp.series = make([]types.Candle, 0, candles)
			first := now - int64(candles-1)*int64(interval)
			for i := 0; i < candles; i++ {
				pp.series = append(pp.series, pp.walk.next(first+int64(i)*int64(interval)))
			}
			pp.mark = pp.walk.last
		}

		p.products[id] = pp
		if _, ok := p.balances[prod.QuoteType]; !ok && prod.QuoteType != "" {
			p.balances[prod.QuoteType] = fund
		}
		if _, ok := p.balances[prod.AssetType]; !ok && prod.AssetType != "" {
			p.balances[prod.AssetType] = 0
		}
	}
	if len(p.products) == 0 {
		return nil, fmt.Errorf("no products configured for paper")
	}

	p.logger.Info("paper venue ready",
		"products", len(p.products),
		"seed", seed,
		"feed_step", step,
	)
	return p, nil
}

func (p *Paper) Name() string  { return "paper" }
func (p *Paper) Primary() bool { return p.isPrim }

func (p *Paper) Products() []types.ProductInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.ProductInfo, 0, len(p.products))
	for _, pp := range p.products {
		out = append(out, pp.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Paper) Accounts(ctx context.Context) (map[string]types.BalanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]types.BalanceInfo, len(p.balances))
	for asset, free := range p.balances {
		out[asset] = types.BalanceInfo{Asset: asset, Free: free}
	}
	return out, nil
}

// MarketInit registers the market's hooks. The feed goroutine starts on
// the first call and serves every registered market.
func (p *Paper) MarketInit(m *MarketHooks) error {
	p.mu.Lock()
	_, ok := p.products[m.ProductID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown product %q", m.ProductID)
	}

	p.hooksMu.Lock()
	p.hooks[m.ProductID] = m
	p.hooksMu.Unlock()

	p.feedOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.feedLoop(p.runCtx)
		}()
	})
	return nil
}

// feedLoop emits one closed candle per registered product every step.
// CSV replay rows are consumed first; when they run out the walk continues
// from the last close so the feed never goes quiet.
func (p *Paper) feedLoop(ctx context.Context) {
	ticker := time.NewTicker(p.step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.hooksMu.RLock()
		ids := make([]string, 0, len(p.hooks))
		for id := range p.hooks {
			ids = append(ids, id)
		}
		p.hooksMu.RUnlock()
		sort.Strings(ids)

		for _, id := range ids {
			candle := p.nextCandle(id)

			p.hooksMu.RLock()
			m := p.hooks[id]
			p.hooksMu.RUnlock()
			if m == nil {
				continue
			}
			ok := m.Enqueue(types.FeedMessage{
				Kind:  types.FeedKline,
				Kline: &types.KlineUpdate{Candle: candle, Closed: true},
			})
			if !ok {
				p.logger.Warn("market queue full, dropping candle", "product", id)
			}
		}
	}
}

// nextCandle advances one product by one candle and returns it.
func (p *Paper) nextCandle(id string) types.Candle {
	p.mu.Lock()
	defer p.mu.Unlock()

	pp := p.products[id]
	var candle types.Candle
	if len(pp.replay) > 0 {
		candle = pp.replay[0]
		pp.replay = pp.replay[1:]
		pp.walk.last = candle.Close
	} else {
		next := int64(p.interval)
		if n := len(pp.series); n > 0 {
			next += pp.series[n-1].Time
		} else {
			next += types.AlignTime(time.Now().Unix(), int64(p.interval))
		}
		candle = pp.walk.next(next)
	}
	pp.series = append(pp.series, candle)
	pp.mark = candle.Close
	return candle
}

// GetHistoricRates returns the stored series clipped to [start, end].
func (p *Paper) GetHistoricRates(ctx context.Context, productID string, start, end time.Time) ([]types.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pp, ok := p.products[productID]
	if !ok {
		return nil, fmt.Errorf("unknown product %q", productID)
	}
	lo, hi := start.Unix(), end.Unix()
	out := make([]types.Candle, 0, len(pp.series))
	for _, c := range pp.series {
		if c.Time >= lo && c.Time <= hi {
			out = append(out, c)
		}
	}
	return out, nil
}

// ———————————————————————————————————————————————————————————————————————
// Orders: every accepted order fills instantly at the current mark
// ———————————————————————————————————————————————————————————————————————

func (p *Paper) Buy(ctx context.Context, req types.TradeRequest) (*types.Order, error) {
	return p.fillOrder(req, types.Buy)
}

func (p *Paper) Sell(ctx context.Context, req types.TradeRequest) (*types.Order, error) {
	return p.fillOrder(req, types.Sell)
}

func (p *Paper) fillOrder(req types.TradeRequest, side types.Side) (*types.Order, error) {
	p.mu.Lock()

	pp, ok := p.products[req.ProductID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("unknown product %q", req.ProductID)
	}

	qty := req.Size
	if qty == 0 {
		qty = float64(req.Lots * pp.info.LotSize)
	}
	if qty <= 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("order for %s has no size", req.ProductID)
	}

	price := pp.mark
	cost, fee := fillCost(qty, price, p.feeBps)

	base, quote := pp.info.AssetType, pp.info.QuoteType
	switch side {
	case types.Buy:
		if p.balances[quote] < cost+fee {
			p.mu.Unlock()
			return nil, fmt.Errorf("insufficient %s balance: have %.2f, need %.2f", quote, p.balances[quote], cost+fee)
		}
		p.balances[quote] -= cost + fee
		p.balances[base] += qty
	default:
		if p.balances[base] < qty {
			p.mu.Unlock()
			return nil, fmt.Errorf("insufficient %s balance: have %.4f, need %.4f", base, p.balances[base], qty)
		}
		p.balances[base] -= qty
		p.balances[quote] += cost - fee
	}

	now := time.Now()
	filled := &types.Order{
		ID:         uuid.NewString(),
		ClientID:   req.ClientID,
		Instrument: types.Instrument{Venue: "paper", ProductID: req.ProductID},
		Side:       side,
		Type:       req.Type,
		Lots:       req.Lots,
		Price:      req.Price,
		Requested:  qty,
		Filled:     qty,
		Remaining:  0,
		AvgPrice:   price,
		Fees:       fee,
		Status:     types.StatusFilled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.orders[filled.ID] = filled
	p.mu.Unlock()

	// The ack mirrors a live venue: accepted first, the fill arrives as an
	// execution report on the feed.
	ack := *filled
	ack.Filled = 0
	ack.Remaining = qty
	ack.AvgPrice = 0
	ack.Fees = 0
	ack.Status = types.StatusOpen

	report := *filled
	p.hooksMu.RLock()
	m := p.hooks[req.ProductID]
	p.hooksMu.RUnlock()
	if m != nil {
		if !m.Enqueue(types.FeedMessage{Kind: types.FeedExecReport, Order: &report}) {
			p.logger.Warn("market queue full, dropping execution report", "order_id", filled.ID)
		}
	}

	return &ack, nil
}

// fillCost computes notional and fee in decimal so repeated paper fills
// do not drift the balances.
func fillCost(qty, price, feeBps float64) (cost, fee float64) {
	q := decimal.NewFromFloat(qty)
	px := decimal.NewFromFloat(price)
	notional := q.Mul(px)
	f := notional.Mul(decimal.NewFromFloat(feeBps)).Div(decimal.NewFromInt(10000))
	cost, _ = notional.Float64()
	fee, _ = f.Float64()
	return cost, fee
}

// GetOrder resolves by order ID, falling back to client ID so reconciliation
// lookups behave the same as on a live venue.
func (p *Paper) GetOrder(ctx context.Context, productID, id string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	for _, o := range p.orders {
		if o.ClientID != "" && o.ClientID == id {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("unknown order %q", id)
}

// CancelOrder is a no-op: paper orders never rest.
func (p *Paper) CancelOrder(ctx context.Context, productID, id string) error {
	return nil
}

func (p *Paper) CancelAll(ctx context.Context, productID string) error {
	return nil
}

func (p *Paper) ModifyOrder(ctx context.Context, productID, id string, newPrice, newQty float64) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", id)
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("order %s is %s, cannot modify", id, o.Status)
	}
	if newPrice > 0 {
		o.Price = newPrice
	}
	if newQty > 0 {
		o.Requested = newQty
		o.Remaining = newQty - o.Filled
	}
	o.UpdatedAt = time.Now()
	cp := *o
	return &cp, nil
}

func (p *Paper) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

// loadCandleCSV reads replay data: timestamp,open,high,low,close,volume
// per row, epoch seconds, optional header.
func loadCandleCSV(path string) ([]types.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := make([]types.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("%s row %d: has %d fields, want 6", path, i+1, len(row))
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			if i == 0 {
				continue // header
			}
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		var vals [5]float64
		for j := 1; j <= 5; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[j]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
			}
			vals[j-1] = v
		}
		out = append(out, types.Candle{
			Time:   ts,
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no candles", path)
	}
	return out, nil
}
