package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

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

const (
	orderTimeout   = 10 * time.Second
	reconcileDelay = 5 * time.Second
	reconcileMax   = 3
	seriesMax      = 1000
	doneOrdersCap  = 512
)

// marketConfig is the per-market slice of the engine configuration.
type marketConfig struct {
	interval     int64 // candle seconds
	baseLots     int   // lots per point of signal strength
	maxLots      int   // hard clip, mirrors risk max_position_size
	queueSize    int
	drainTimeout time.Duration
	policy       string // shutdown policy: leave, cancel, close
	trading      bool   // false = data collection only
	backfill     config.BackfillConfig
}

// reconcileJob asks the worker to resolve an order whose submit timed out.
type reconcileJob struct {
	id       string // client order id (wf-…) or venue id
	attempts int
}

// market is one instrument's trading loop. A single worker goroutine owns
// all mutable state below the queue; the adapter feed goroutine only
// enqueues, and readers go through the view mirror.
type market struct {
	instrument types.Instrument
	product    types.ProductInfo
	cfg        marketConfig

	adapter exchange.Adapter
	store   *store.Store
	ind     *indicator.Engine
	strat   strategy.Strategy // nil = data collection only
	subs    []indicator.Subscription
	gate    *risk.Gate
	fanout  *sink.Fanout
	metrics *sink.Metrics
	logger  *slog.Logger
	stream  func(api.StreamEvent) // nil-safe WS push, set by the engine

	queue     chan types.FeedMessage
	reconcile chan reconcileJob

	// Worker-owned state. Only the run goroutine touches these.
	series        []types.Candle
	partial       *types.Candle
	mark          float64
	position      types.Position
	openOrders    map[string]*types.Order
	orderMeta     map[string]orderMeta
	doneOrders    map[string]struct{}
	doneRing      []string
	candleCount   int64
	lastFired     int64 // time of the last candle the strategy saw
	realizedTotal float64

	perf *perfTracker
	view *marketView

	failed atomic.Bool
}

// orderMeta is what the worker remembers about an order beyond the order
// record itself.
type orderMeta struct {
	placedAt time.Time
	stop     float64
}

func newMarket(
	instrument types.Instrument,
	product types.ProductInfo,
	cfg marketConfig,
	adapter exchange.Adapter,
	st *store.Store,
	ind *indicator.Engine,
	strat strategy.Strategy,
	gate *risk.Gate,
	fanout *sink.Fanout,
	metrics *sink.Metrics,
	logger *slog.Logger,
) *market {
	m := &market{
		instrument: instrument,
		product:    product,
		cfg:        cfg,
		adapter:    adapter,
		store:      st,
		ind:        ind,
		strat:      strat,
		gate:       gate,
		fanout:     fanout,
		metrics:    metrics,
		logger:     logger.With("component", "market", "instrument", instrument.Key()),
		queue:      make(chan types.FeedMessage, cfg.queueSize),
		reconcile:  make(chan reconcileJob, 16),
		openOrders: make(map[string]*types.Order),
		orderMeta:  make(map[string]orderMeta),
		doneOrders: make(map[string]struct{}),
		perf:       newPerfTracker(),
		view:       newMarketView(instrument, product.Symbol, strategyName(strat)),
	}
	m.position = types.Position{Instrument: instrument, LotSize: product.LotSize}
	return m
}

func strategyName(s strategy.Strategy) string {
	if s == nil {
		return ""
	}
	return s.Name()
}

// Enqueue is the adapter-facing feed hook. Non-blocking: a full queue drops
// the message and returns false so the adapter can log at its edge.
func (m *market) Enqueue(msg types.FeedMessage) bool {
	select {
	case m.queue <- msg:
		return true
	default:
		if m.metrics != nil {
			m.metrics.EventsDroppedTotal.WithLabelValues("market_queue").Inc()
		}
		return false
	}
}

// setup loads history, backfills the gap from the venue, warms indicator
// state, and registers the feed hook. Runs before the worker starts, so all
// state here is still single-threaded.
func (m *market) setup(ctx context.Context) error {
	stored, err := m.store.GetAll(ctx, m.instrument)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("load candles: %w", err)
	}
	if len(stored) > seriesMax {
		stored = stored[len(stored)-seriesMax:]
	}
	m.series = append(m.series, stored...)

	if m.cfg.backfill.Enabled {
		m.backfill(ctx)
	}

	if m.strat != nil {
		m.subs = m.strat.Indicators()
		m.ind.Subscribe(m.instrument.Key(), m.subs)
	}
	if len(m.series) > 0 {
		m.ind.Refresh(m.instrument.Key(), m.series)
		last := m.series[len(m.series)-1]
		m.mark = last.Close
		m.candleCount = int64(len(m.series))
		m.view.setCandle(last, m.candleCount)
		m.lastFired = last.Time
	}

	m.gate.SetLotSize(m.instrument.Key(), m.product.LotSize)

	if err := m.adapter.MarketInit(&exchange.MarketHooks{
		ProductID: m.product.ID,
		Enqueue:   m.Enqueue,
	}); err != nil {
		return fmt.Errorf("market init: %w", err)
	}

	m.logger.Info("market ready",
		"candles", len(m.series),
		"strategy", strategyName(m.strat),
		"trading", m.cfg.trading,
	)
	return nil
}

// backfill pulls the candle gap between the stored tail and now. The stored
// last candle is re-fetched and replaced: it may have been written while
// still forming.
func (m *market) backfill(ctx context.Context) {
	end := time.Now()
	start := end.AddDate(0, 0, -m.cfg.backfill.Period)
	if n := len(m.series); n > 0 {
		tail := time.Unix(m.series[n-1].Time, 0)
		if tail.After(start) {
			start = tail
		}
	}

	candles, err := m.adapter.GetHistoricRates(ctx, m.product.ID, start, end)
	if err != nil {
		m.logger.Warn("backfill failed, continuing with stored history", "error", err)
		return
	}
	if len(candles) == 0 {
		return
	}

	if err := m.store.SaveBatch(ctx, m.instrument, candles); err != nil {
		m.logger.Warn("backfill not persisted", "count", len(candles), "error", err)
	}
	for _, c := range candles {
		m.series = upsertCandle(m.series, c)
	}
	if len(m.series) > seriesMax {
		m.series = m.series[len(m.series)-seriesMax:]
	}
	m.logger.Info("backfill complete", "fetched", len(candles), "series", len(m.series))
}

// run is the worker loop. It exits when the drain channel closes (after
// running the shutdown sequence), when the context dies, or when the market
// fail-stops on an order state violation.
func (m *market) run(ctx context.Context, drain <-chan struct{}) {
	for {
		select {
		case msg := <-m.queue:
			m.handle(ctx, msg)
		case job := <-m.reconcile:
			m.reconcileOrder(ctx, job)
		case <-drain:
			m.view.setState(marketDraining)
			m.shutdown(ctx)
			m.view.setState(marketClosed)
			return
		case <-ctx.Done():
			return
		}
		if m.failed.Load() {
			return
		}
	}
}

func (m *market) handle(ctx context.Context, msg types.FeedMessage) {
	switch msg.Kind {
	case types.FeedTrade:
		if msg.Trade != nil {
			m.onTrade(msg.Trade)
		}
	case types.FeedKline:
		if msg.Kline != nil {
			m.onKline(ctx, msg.Kline)
		}
	case types.FeedExecReport:
		if msg.Order != nil {
			m.applyReport(msg.Order)
		}
	default:
		m.logger.Debug("ignoring unknown feed message", "kind", string(msg.Kind))
	}
}

// onTrade folds a last-price tick into the current partial candle and
// refreshes the mark.
func (m *market) onTrade(tick *types.TradeTick) {
	t := types.AlignTime(tick.Time, m.cfg.interval)
	if m.partial == nil || m.partial.Time != t {
		m.partial = &types.Candle{
			Time: t,
			Open: tick.Price, High: tick.Price, Low: tick.Price, Close: tick.Price,
		}
	}
	c := m.partial
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Volume += tick.Size

	m.setMark(tick.Price, c.Volume)
}

// onKline handles candle updates. Non-closed klines only refresh the
// partial candle and the mark; they never finalize.
func (m *market) onKline(ctx context.Context, k *types.KlineUpdate) {
	c := k.Candle
	c.Time = types.AlignTime(c.Time, m.cfg.interval)

	if !k.Closed {
		cp := c
		m.partial = &cp
		m.setMark(c.Close, c.Volume)
		return
	}

	// The venue's closed candle is authoritative when it saw volume;
	// otherwise fall back to whatever we aggregated from ticks.
	final := c
	if final.Volume == 0 && m.partial != nil && m.partial.Time == final.Time {
		final = *m.partial
	}
	m.partial = nil

	if err := final.Validate(); err != nil {
		m.metrics.CandlesDropped.WithLabelValues(m.instrument.Venue, m.product.ID).Inc()
		m.logger.Warn("dropping invalid candle", "time", final.Time, "error", err)
		return
	}

	if err := m.store.Save(ctx, m.instrument, final); err != nil {
		m.logger.Warn("candle not persisted", "time", final.Time, "error", err)
	}
	m.series = upsertCandle(m.series, final)
	if len(m.series) > seriesMax {
		m.series = m.series[len(m.series)-seriesMax:]
	}

	m.candleCount++
	m.metrics.CandlesProcessed.WithLabelValues(m.instrument.Venue, m.product.ID).Inc()
	m.setMark(final.Close, final.Volume)
	m.view.setCandle(final, m.candleCount)

	m.refreshIndicators(final)

	m.publish(sink.MarketData(m.instrument, final))
	m.publish(sink.MarketUpdated(m.instrument, final.Close, final.Volume))
	m.push(api.StreamEvent{
		Channel:   api.ChannelCandleUpdate,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"instrument": m.instrument.Key(),
			"candle":     final,
		},
	})

	m.evaluate(ctx, final)
}

// refreshIndicators recomputes the subscriptions and publishes their values.
func (m *market) refreshIndicators(c types.Candle) {
	if m.strat == nil || len(m.subs) == 0 {
		return
	}
	if n := m.ind.Refresh(m.instrument.Key(), m.series); n == 0 {
		return
	}
	values := make(map[string]float64, len(m.subs))
	for _, sub := range m.subs {
		if v, ok := m.ind.Last(m.instrument.Key(), sub.Alias); ok {
			values[sub.Alias] = v.Scalar
		}
	}
	if len(values) > 0 {
		m.publish(sink.IndicatorsCalculated(m.instrument, c.Time, values))
	}
}

// evaluate fires the strategy exactly once per newly closed candle, in feed
// order, and runs the admission flow on a non-neutral verdict.
func (m *market) evaluate(ctx context.Context, final types.Candle) {
	if m.strat == nil || final.Time <= m.lastFired {
		return
	}
	m.lastFired = final.Time

	if len(m.series) < m.strat.Warmup() {
		m.view.setSignal(types.Signal{Strategy: m.strat.Name()})
		return
	}

	sig := m.strat.GenerateSignal(m.series, m.ind)
	sig.Clamp()
	m.view.setSignal(sig)
	if sig.Strength == 0 {
		return
	}

	m.publish(sink.StrategySignal(m.strat.Name(), m.instrument, sig))
	if !m.cfg.trading {
		return
	}
	m.submit(ctx, sig, final.Close)
}

// submit sizes the order from the signal, asks the risk gate, and places it
// with the venue.
func (m *market) submit(ctx context.Context, sig types.Signal, price float64) {
	side := types.Buy
	if sig.Strength < 0 {
		side = types.Sell
	}
	lots := abs(sig.Strength) * m.cfg.baseLots
	if lots > m.cfg.maxLots {
		lots = m.cfg.maxLots
	}
	if lots == 0 {
		return
	}

	ok, reason := m.gate.Admit(m.instrument.Key(), side, lots, price)
	if !ok {
		m.logger.Warn("order denied by risk gate", "side", side, "lots", lots, "reason", reason)
		m.publish(sink.RiskBreached("admission", float64(lots), float64(m.cfg.maxLots), reason))
		m.publish(sink.SystemAlert("order_denied", "warning", reason))
		m.metrics.OrdersRejectedTotal.WithLabelValues(
			m.instrument.Venue, m.product.ID, "risk_gate").Inc()
		return
	}

	req := types.TradeRequest{
		ProductID: m.product.ID,
		ClientID:  exchange.ClientIDPrefix + uuid.NewString(),
		Side:      side,
		Type:      types.Market,
		Lots:      lots,
		StopPrice: sig.StopPrice,
	}

	octx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	var (
		order *types.Order
		err   error
	)
	if side == types.Buy {
		order, err = m.adapter.Buy(octx, req)
	} else {
		order, err = m.adapter.Sell(octx, req)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The venue may have accepted the order. Treat it as unknown
			// and reconcile by client id.
			m.logger.Warn("order submit timed out, scheduling reconciliation",
				"client_id", req.ClientID)
			m.publish(sink.SystemAlert("order_timeout", "warning",
				fmt.Sprintf("submit timed out for %s, reconciling %s", m.instrument.Key(), req.ClientID)))
			m.scheduleReconcile(reconcileJob{id: req.ClientID})
			return
		}
		m.logger.Error("order submit failed", "side", side, "lots", lots, "error", err)
		m.publish(sink.OrderRejected(types.Order{
			ClientID:   req.ClientID,
			Instrument: m.instrument,
			Side:       side,
			Type:       req.Type,
			Lots:       lots,
		}, "venue_error"))
		return
	}

	m.trackAck(order, sig.StopPrice)
}

// trackAck registers a placement ack with zeroed fill state, then applies
// any fills the ack itself already reported. Stream execution reports for
// the same fills collapse to zero deltas afterwards.
func (m *market) trackAck(ack *types.Order, stop float64) {
	base := *ack
	base.Filled = 0
	base.AvgPrice = 0
	base.Fees = 0
	base.Remaining = base.Requested
	base.Status = types.StatusOpen

	m.openOrders[base.ID] = &base
	m.orderMeta[base.ID] = orderMeta{placedAt: time.Now(), stop: stop}
	m.view.setOrders(m.openOrders)

	m.logger.Info("order submitted",
		"order_id", base.ID, "side", base.Side, "lots", base.Lots)
	m.publish(sink.OrderSubmitted(base, strategyName(m.strat)))

	if ack.Filled > 0 || ack.Status.Terminal() {
		m.applyReport(ack)
	}
}

// applyReport folds a normalized execution report into the tracked order,
// the position, and the risk gate. A state-machine violation fail-stops
// this market only.
func (m *market) applyReport(rep *types.Order) {
	if _, done := m.doneOrders[rep.ID]; done {
		m.logger.Debug("ignoring report for settled order", "order_id", rep.ID)
		return
	}

	tracked, ok := m.openOrders[rep.ID]
	if !ok && rep.ClientID != "" {
		for _, o := range m.openOrders {
			if o.ClientID == rep.ClientID {
				tracked, ok = o, true
				break
			}
		}
	}
	if !ok {
		if rep.Status.Terminal() {
			// A terminal report for an order we never placed this session.
			// Applying it could double-count a fill already persisted in
			// the risk state, so record the anomaly and move on.
			m.logger.Warn("terminal report for untracked order", "order_id", rep.ID)
			m.publish(sink.ErrorEvent("engine", "untracked_order",
				fmt.Sprintf("terminal report for untracked order %s on %s", rep.ID, m.instrument.Key())))
			return
		}
		cp := *rep
		m.openOrders[cp.ID] = &cp
		m.orderMeta[cp.ID] = orderMeta{placedAt: time.Now()}
		m.view.setOrders(m.openOrders)
		m.logger.Info("adopted untracked open order", "order_id", cp.ID)
		return
	}

	prevFilled := tracked.Filled
	prevAvg := tracked.AvgPrice
	fillDelta := rep.Filled - prevFilled
	feeDelta := rep.Fees - tracked.Fees
	if feeDelta < 0 {
		feeDelta = 0
	}
	deltaPrice := rep.AvgPrice
	if fillDelta > 0 {
		deltaPrice = (rep.AvgPrice*rep.Filled - prevAvg*prevFilled) / fillDelta
	}

	if err := tracked.Transition(rep.Status, fillDelta, deltaPrice, feeDelta); err != nil {
		m.failStop(fmt.Errorf("order %s: %w", rep.ID, err))
		return
	}

	if fillDelta > 0 {
		m.applyFill(tracked, prevFilled, deltaPrice)
	}

	if tracked.Status.Terminal() {
		m.settle(tracked)
	}
	m.view.setOrders(m.openOrders)
}

// applyFill books the newly filled units into the position and the risk
// gate, whole lots at a time.
func (m *market) applyFill(o *types.Order, prevFilled, price float64) {
	unit := float64(m.product.LotSize)
	if unit < 1 {
		unit = 1
	}
	lotsBefore := int(math.Floor(prevFilled/unit + 1e-9))
	lotsAfter := int(math.Floor(o.Filled/unit + 1e-9))
	lotsDelta := lotsAfter - lotsBefore
	if lotsDelta <= 0 {
		return
	}

	openedAt := m.position.OpenedAt
	realized := m.position.ApplyFill(o.Side, lotsDelta, price)
	if meta, ok := m.orderMeta[o.ID]; ok && meta.stop > 0 {
		m.position.StopPrice = meta.stop
	}
	m.position.MarkTo(m.mark)

	m.gate.RecordTrade(m.instrument.Key(), o.Side, lotsDelta, price, realized, o.ID)

	m.logger.Info("fill applied",
		"order_id", o.ID, "side", o.Side, "lots", lotsDelta,
		"price", price, "realized", realized)

	m.publish(sink.OrderExecuted(*o))
	m.publish(sink.PositionUpdated(m.position))
	m.push(api.StreamEvent{
		Channel:   api.ChannelPositionUpdate,
		Timestamp: time.Now().UTC(),
		Data:      m.position,
	})
	m.view.setPosition(m.position)
	m.updatePositionGauges()

	if realized != 0 {
		m.completeTrade(o, lotsDelta, price, realized, openedAt)
	}
}

// completeTrade records a realized round trip: daily accounting already
// happened in the gate, this is the stats and event side.
func (m *market) completeTrade(o *types.Order, lots int, price, realized float64, openedAt time.Time) {
	now := time.Now().UTC()
	var held time.Duration
	if !openedAt.IsZero() {
		held = now.Sub(openedAt)
	}

	trade := types.Trade{
		ID:          uuid.NewString(),
		Instrument:  m.instrument,
		Side:        o.Side,
		Lots:        lots,
		Price:       price,
		RealizedPnL: realized,
		Time:        now,
	}
	m.realizedTotal += realized
	m.perf.record(realized, held)
	m.view.addTrade(trade)

	m.publish(sink.TradeCompleted(trade, strategyName(m.strat), held.Seconds()))
	m.push(api.StreamEvent{
		Channel:   api.ChannelTradeUpdate,
		Timestamp: now,
		Data:      trade,
	})

	m.metrics.RealizedPnL.WithLabelValues(
		m.instrument.Venue, m.product.ID, strategyName(m.strat)).Set(m.realizedTotal)

	if m.position.Flat() {
		outcome := "loss"
		if realized > 0 {
			outcome = "win"
		}
		m.metrics.PositionsClosed.WithLabelValues(
			m.instrument.Venue, m.product.ID, strategyName(m.strat), outcome).Inc()
		m.publishPerf()
	}
}

// publishPerf emits the market's current round-trip statistics.
func (m *market) publishPerf() {
	stats := m.perf.snapshot()
	if stats.Trades == 0 {
		return
	}
	m.publish(sink.PerformanceSnapshot(strategyName(m.strat), stats.statsMap(m.instrument.Key())))
}

// settle finishes a terminal order: drop it from tracking and remember the
// id so replayed reports are ignored rather than re-adopted.
func (m *market) settle(o *types.Order) {
	switch o.Status {
	case types.StatusCanceled:
		m.publish(sink.OrderModified(*o, "canceled"))
	case types.StatusRejected:
		m.publish(sink.OrderRejected(*o, "venue_rejected"))
	}

	delete(m.openOrders, o.ID)
	delete(m.orderMeta, o.ID)
	m.doneOrders[o.ID] = struct{}{}
	m.doneRing = append(m.doneRing, o.ID)
	if len(m.doneRing) > doneOrdersCap {
		delete(m.doneOrders, m.doneRing[0])
		m.doneRing = m.doneRing[1:]
	}
}

// scheduleReconcile re-queues a lookup after a delay without blocking the
// worker.
func (m *market) scheduleReconcile(job reconcileJob) {
	time.AfterFunc(reconcileDelay<<job.attempts, func() {
		select {
		case m.reconcile <- job:
		default:
			m.logger.Warn("reconcile queue full, dropping job", "order_id", job.id)
		}
	})
}

// reconcileOrder resolves an order that timed out at submit. Found orders
// are adopted with a zero-fill baseline and applied like any report; a
// missing order after the retry budget is treated as never placed.
func (m *market) reconcileOrder(ctx context.Context, job reconcileJob) {
	octx, cancel := context.WithTimeout(ctx, orderTimeout)
	o, err := m.adapter.GetOrder(octx, m.product.ID, job.id)
	cancel()
	if err != nil {
		if job.attempts+1 < reconcileMax {
			m.scheduleReconcile(reconcileJob{id: job.id, attempts: job.attempts + 1})
			return
		}
		m.logger.Warn("order not found after timeout, treating as rejected",
			"order_id", job.id, "attempts", job.attempts+1, "error", err)
		m.publish(sink.OrderRejected(types.Order{
			ClientID:   job.id,
			Instrument: m.instrument,
		}, "reconcile_not_found"))
		return
	}

	if _, tracked := m.openOrders[o.ID]; !tracked {
		base := *o
		base.Filled = 0
		base.AvgPrice = 0
		base.Fees = 0
		base.Remaining = base.Requested
		base.Status = types.StatusOpen
		m.openOrders[base.ID] = &base
		m.orderMeta[base.ID] = orderMeta{placedAt: time.Now()}
		m.logger.Info("reconciled timed-out order", "order_id", o.ID, "status", o.Status)
		m.publish(sink.OrderSubmitted(base, strategyName(m.strat)))
	}
	m.applyReport(o)
}

// shutdown drains the queue, then applies the configured policy to whatever
// is still open, then drains once more so closing fills get booked. The
// whole sequence shares one deadline.
func (m *market) shutdown(ctx context.Context) {
	deadline := time.Now().Add(m.cfg.drainTimeout)
	m.drainQueue(ctx, deadline)

	switch m.cfg.policy {
	case "leave":
		if len(m.openOrders) > 0 || !m.position.Flat() {
			m.logger.Info("leaving orders and position per shutdown policy",
				"open_orders", len(m.openOrders), "position_lots", m.position.Lots)
		}
	case "cancel":
		m.cancelOpenOrders(ctx)
	case "close":
		m.cancelOpenOrders(ctx)
		m.closePosition(ctx, deadline)
	}

	m.drainQueue(ctx, deadline)
	m.logger.Info("market stopped", "candles", m.candleCount)
}

// drainQueue consumes buffered feed messages until the queue is empty or
// the deadline passes.
func (m *market) drainQueue(ctx context.Context, deadline time.Time) {
	for {
		if time.Now().After(deadline) {
			m.logger.Warn("drain deadline hit with messages still queued", "queued", len(m.queue))
			return
		}
		select {
		case msg := <-m.queue:
			m.handle(ctx, msg)
		default:
			return
		}
	}
}

func (m *market) cancelOpenOrders(ctx context.Context) {
	for id, o := range m.openOrders {
		octx, cancel := context.WithTimeout(ctx, orderTimeout)
		err := m.adapter.CancelOrder(octx, m.product.ID, id)
		cancel()
		if err != nil {
			m.logger.Error("cancel on shutdown failed", "order_id", id, "error", err)
			continue
		}
		if err := o.Transition(types.StatusCanceled, 0, 0, 0); err == nil {
			m.settle(o)
		}
	}
	m.view.setOrders(m.openOrders)
}

// closePosition flattens at market and waits for the fill until the
// deadline so realized P&L lands in the books.
func (m *market) closePosition(ctx context.Context, deadline time.Time) {
	if m.position.Flat() {
		return
	}
	side := types.Sell
	if m.position.Side == types.Short {
		side = types.Buy
	}
	req := types.TradeRequest{
		ProductID: m.product.ID,
		ClientID:  exchange.ClientIDPrefix + uuid.NewString(),
		Side:      side,
		Type:      types.Market,
		Lots:      m.position.Lots,
	}

	octx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()
	var (
		ack *types.Order
		err error
	)
	if side == types.Buy {
		ack, err = m.adapter.Buy(octx, req)
	} else {
		ack, err = m.adapter.Sell(octx, req)
	}
	if err != nil {
		m.logger.Error("closing order failed, position left open",
			"lots", m.position.Lots, "error", err)
		m.publish(sink.SystemAlert("close_failed", "critical",
			fmt.Sprintf("could not flatten %s: %v", m.instrument.Key(), err)))
		return
	}
	m.trackAck(ack, 0)

	for !m.position.Flat() && time.Now().Before(deadline) {
		select {
		case msg := <-m.queue:
			m.handle(ctx, msg)
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
	if !m.position.Flat() {
		m.logger.Error("position close not confirmed before deadline", "lots", m.position.Lots)
	}
}

// failStop shuts this market down after an order state violation. Other
// markets keep running; the supervisor surfaces the alert.
func (m *market) failStop(err error) {
	m.logger.Error("order state violation, stopping market", "error", err)
	m.publish(sink.ErrorEvent("engine", "order_state", err.Error()))
	m.publish(sink.SystemAlert("market_failed", "critical",
		fmt.Sprintf("%s fail-stopped: %v", m.instrument.Key(), err)))
	m.view.setState(marketFailed)
	m.failed.Store(true)
}

// setMark refreshes every consumer of the latest price.
func (m *market) setMark(price, volume float64) {
	m.mark = price
	m.gate.UpdateMark(m.instrument.Key(), price)
	m.position.MarkTo(price)
	m.view.setPrice(price, volume)
	m.updatePositionGauges()
}

func (m *market) updatePositionGauges() {
	m.metrics.UnrealizedPnL.WithLabelValues(
		m.instrument.Venue, m.product.ID).Set(m.position.Unrealized)
	m.metrics.PositionsOpen.WithLabelValues(
		m.instrument.Venue, m.product.ID, strategyName(m.strat)).Set(float64(m.position.Lots))
}

func (m *market) publish(ev sink.Event) {
	m.fanout.Publish(ev)
}

// push forwards a WebSocket frame when the API server is attached.
func (m *market) push(ev api.StreamEvent) {
	if m.stream != nil {
		m.stream(ev)
	}
}

// upsertCandle inserts or replaces by time, keeping the slice ascending.
// Appends are O(1); out-of-order inserts shift the tail.
func upsertCandle(series []types.Candle, c types.Candle) []types.Candle {
	n := len(series)
	if n == 0 || c.Time > series[n-1].Time {
		return append(series, c)
	}
	// Walk back from the end: feed candles arrive nearly in order.
	i := n - 1
	for i >= 0 && series[i].Time > c.Time {
		i--
	}
	if i >= 0 && series[i].Time == c.Time {
		series[i] = c
		return series
	}
	series = append(series, types.Candle{})
	copy(series[i+2:], series[i+1:])
	series[i+1] = c
	return series
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
