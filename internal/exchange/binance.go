// binance.go implements the live Binance spot adapter.
//
// Market data arrives over one WebSocket carrying kline and trade streams
// for every configured product; order updates arrive over a separate user
// data stream opened with a listen key. All REST calls go through the
// signed RestClient. Payloads are normalized to pkg/types at this edge and
// an unknown order status from the venue is a hard error, never a guess.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wolfinch/internal/config"
	"wolfinch/internal/sink"
	"wolfinch/pkg/types"
)

const (
	binanceBaseURL    = "https://api.binance.com"
	binanceWSURL      = "wss://stream.binance.com:9443/ws"
	binanceTestBase   = "https://testnet.binance.vision"
	binanceTestWS     = "wss://stream.testnet.binance.vision/ws"
	maxKlinesPerPage  = 200
	backfillPagePause = 2 * time.Second // after every 3rd page
	listenKeyLifetime = 30 * time.Minute
	maxClockSkewSec   = 5 // offsets under this are measurement noise
)

// intervalTokens maps candle seconds to the venue's kline interval tokens.
// Unsupported intervals are a configuration error caught at adapter init.
var intervalTokens = map[int]string{
	60:   "1m",
	180:  "3m",
	300:  "5m",
	900:  "15m",
	1800: "30m",
	3600: "1h",
}

func intervalToken(seconds int) (string, error) {
	token, ok := intervalTokens[seconds]
	if !ok {
		return "", fmt.Errorf("candle interval %ds not supported by binance", seconds)
	}
	return token, nil
}

// Binance is the live venue adapter.
type Binance struct {
	rest     *RestClient
	market   *Stream
	wsURL    string
	primary  bool
	interval int   // candle seconds
	offset   int64 // server minus local, seconds

	products map[string]types.ProductInfo // by venue product ID

	hooksMu sync.RWMutex
	hooks   map[string]*MarketHooks // by venue product ID

	userMu    sync.Mutex
	user      *Stream
	listenKey string

	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	marketOnce sync.Once
	userOnce   sync.Once

	metrics *sink.Metrics
	logger  *slog.Logger
}

// ———————————————————————————————————————————————————————————————————————
// Wire shapes
// ———————————————————————————————————————————————————————————————————————

type exchangeInfoResp struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []exchangeInfoEntry `json:"symbols"`
}

type exchangeInfoEntry struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type accountResp struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type orderResp struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

type cancelReplaceResp struct {
	NewOrderResponse orderResp `json:"newOrderResponse"`
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

// ———————————————————————————————————————————————————————————————————————
// Construction
// ———————————————————————————————————————————————————————————————————————

func NewBinance(cfg config.ExchangeConfig, primary bool, metrics *sink.Metrics, logger *slog.Logger) (*Binance, error) {
	signer, err := NewSigner(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.Credentials.BaseURL
	wsURL := cfg.Credentials.WSURL
	if baseURL == "" {
		baseURL = binanceBaseURL
		if cfg.Credentials.Testnet {
			baseURL = binanceTestBase
		}
	}
	if wsURL == "" {
		wsURL = binanceWSURL
		if cfg.Credentials.Testnet {
			wsURL = binanceTestWS
		}
	}

	logger = logger.With("exchange", "binance")
	b := &Binance{
		wsURL:    wsURL,
		primary:  primary,
		interval: cfg.CandleInterval,
		products: make(map[string]types.ProductInfo),
		hooks:    make(map[string]*MarketHooks),
		metrics:  metrics,
		logger:   logger,
	}
	b.rest = NewRestClient("binance", baseURL, signer, metrics, logger)
	b.market = NewStream(wsURL, b.onMarketMessage, logger.With("stream", "market"))
	b.runCtx, b.cancel = context.WithCancel(context.Background())

	if _, err := intervalToken(b.interval); err != nil {
		b.cancel()
		return nil, err
	}
	if err := b.init(cfg); err != nil {
		b.cancel()
		return nil, err
	}
	return b, nil
}

// init fetches exchange info once: venue clock offset and the product list
// matched against the configured symbols.
func (b *Binance) init(cfg config.ExchangeConfig) error {
	ctx, cancel := context.WithTimeout(b.runCtx, 30*time.Second)
	defer cancel()

	localMs := time.Now().UnixMilli()
	var info exchangeInfoResp
	if err := b.rest.Get(ctx, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	offset := (info.ServerTime - localMs) / 1000
	if offset > -maxClockSkewSec && offset < maxClockSkewSec {
		offset = 0
	}
	if offset != 0 {
		b.logger.Warn("venue clock skew detected", "offset_sec", offset)
	}
	b.offset = offset
	b.rest.SetTimeOffset(offset)

	listed := make(map[string]exchangeInfoEntry, len(info.Symbols))
	for _, s := range info.Symbols {
		listed[s.Symbol] = s
	}

	for _, p := range cfg.ProductList() {
		meta, ok := listed[p.ID]
		if !ok {
			return fmt.Errorf("product %s: symbol %q not listed on binance", p.Symbol, p.ID)
		}
		if meta.Status != "TRADING" {
			b.logger.Warn("product not in TRADING status", "symbol", p.ID, "status", meta.Status)
		}
		asset := p.AssetType
		if asset == "" {
			asset = meta.BaseAsset
		}
		quote := p.QuoteType
		if quote == "" {
			quote = meta.QuoteAsset
		}
		b.products[p.ID] = types.ProductInfo{
			ID:          p.ID,
			Symbol:      p.Symbol,
			DisplayName: p.Symbol,
			AssetType:   asset,
			QuoteType:   quote,
			LotSize:     p.LotSize,
			Venue:       "binance",
		}
	}
	if len(b.products) == 0 {
		return fmt.Errorf("no products configured for binance")
	}
	return nil
}

func (b *Binance) Name() string  { return "binance" }
func (b *Binance) Primary() bool { return b.primary }

func (b *Binance) Products() []types.ProductInfo {
	out := make([]types.ProductInfo, 0, len(b.products))
	for _, p := range b.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Accounts returns balances for the assets our products reference.
func (b *Binance) Accounts(ctx context.Context) (map[string]types.BalanceInfo, error) {
	var resp accountResp
	if err := b.rest.Signed(ctx, http.MethodGet, "/api/v3/account", nil, &resp); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, 2*len(b.products))
	for _, p := range b.products {
		wanted[p.AssetType] = true
		wanted[p.QuoteType] = true
	}

	out := make(map[string]types.BalanceInfo)
	for _, bal := range resp.Balances {
		if !wanted[bal.Asset] {
			continue
		}
		free, err := strconv.ParseFloat(bal.Free, 64)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", bal.Asset, err)
		}
		locked, err := strconv.ParseFloat(bal.Locked, 64)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", bal.Asset, err)
		}
		out[bal.Asset] = types.BalanceInfo{Asset: bal.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

// ———————————————————————————————————————————————————————————————————————
// Market data
// ———————————————————————————————————————————————————————————————————————

// MarketInit registers the market's hooks and subscribes its kline and
// trade streams. The shared WebSocket goroutines start on the first call.
func (b *Binance) MarketInit(m *MarketHooks) error {
	if _, ok := b.products[m.ProductID]; !ok {
		return fmt.Errorf("unknown product %q", m.ProductID)
	}
	token, err := intervalToken(b.interval)
	if err != nil {
		return err
	}

	b.hooksMu.Lock()
	b.hooks[m.ProductID] = m
	b.hooksMu.Unlock()

	b.startStreams()

	lower := strings.ToLower(m.ProductID)
	return b.market.Subscribe([]string{
		lower + "@kline_" + token,
		lower + "@trade",
	})
}

func (b *Binance) startStreams() {
	b.marketOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.market.Run(b.runCtx); err != nil && b.runCtx.Err() == nil {
				b.logger.Error("market stream terminated", "error", err)
			}
		}()
	})
	b.userOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.runUserStream(b.runCtx)
		}()
	})
}

// runUserStream opens a listen key, keeps it alive, and pumps execution
// reports. Without it order fills only surface through GetOrder polling.
func (b *Binance) runUserStream(ctx context.Context) {
	var resp listenKeyResp
	if err := b.rest.APIKeyOnly(ctx, http.MethodPost, "/api/v3/userDataStream", nil, &resp); err != nil {
		b.logger.Error("user data stream unavailable", "error", err)
		return
	}

	stream := NewStream(b.wsURL+"/"+resp.ListenKey, b.onUserMessage, b.logger.With("stream", "user"))
	b.userMu.Lock()
	b.user = stream
	b.listenKey = resp.ListenKey
	b.userMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(listenKeyLifetime)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				params := url.Values{}
				params.Set("listenKey", resp.ListenKey)
				if err := b.rest.APIKeyOnly(ctx, http.MethodPut, "/api/v3/userDataStream", params, nil); err != nil {
					b.logger.Warn("listen key keepalive failed", "error", err)
				}
			}
		}
	}()

	if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
		b.logger.Error("user stream terminated", "error", err)
	}
}

// onMarketMessage routes one market frame. Frames arrive either directly or
// inside a combined-stream envelope {"stream":...,"data":{...}}.
func (b *Binance) onMarketMessage(data []byte) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 {
		data = env.Data
	}

	var head struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		b.logger.Debug("unreadable market frame", "error", err)
		return
	}

	switch head.Event {
	case "kline":
		b.handleKline(head.Symbol, data)
	case "trade":
		b.handleTrade(head.Symbol, data)
	case "":
		// subscription ack
	default:
		b.logger.Debug("ignoring market event", "event", head.Event)
	}
}

func (b *Binance) handleKline(symbol string, data []byte) {
	var ev struct {
		Kline struct {
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Debug("unreadable kline", "symbol", symbol, "error", err)
		return
	}

	var perr error
	pf := func(s string) float64 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil && perr == nil {
			perr = err
		}
		return f
	}
	candle := types.Candle{
		Time:   (ev.Kline.CloseTime+1)/1000 + b.offset,
		Open:   pf(ev.Kline.Open),
		High:   pf(ev.Kline.High),
		Low:    pf(ev.Kline.Low),
		Close:  pf(ev.Kline.Close),
		Volume: pf(ev.Kline.Volume),
	}
	if perr != nil {
		b.logger.Warn("dropping malformed kline", "symbol", symbol, "error", perr)
		return
	}

	b.enqueue(symbol, types.FeedMessage{
		Kind:  types.FeedKline,
		Kline: &types.KlineUpdate{Candle: candle, Closed: ev.Kline.Closed},
	})
}

func (b *Binance) handleTrade(symbol string, data []byte) {
	var ev struct {
		Price string `json:"p"`
		Qty   string `json:"q"`
		Time  int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Debug("unreadable trade", "symbol", symbol, "error", err)
		return
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		b.logger.Warn("dropping malformed trade", "symbol", symbol, "error", err)
		return
	}
	qty, err := strconv.ParseFloat(ev.Qty, 64)
	if err != nil {
		b.logger.Warn("dropping malformed trade", "symbol", symbol, "error", err)
		return
	}

	b.enqueue(symbol, types.FeedMessage{
		Kind:  types.FeedTrade,
		Trade: &types.TradeTick{Price: price, Size: qty, Time: ev.Time / 1000},
	})
}

// onUserMessage routes one user-data frame. Balance events are ignored;
// Accounts() remains the balance source of truth.
func (b *Binance) onUserMessage(data []byte) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		b.logger.Debug("unreadable user frame", "error", err)
		return
	}
	switch head.Event {
	case "executionReport":
		b.handleExecReport(data)
	case "outboundAccountPosition", "balanceUpdate", "":
	default:
		b.logger.Debug("ignoring user event", "event", head.Event)
	}
}

func (b *Binance) handleExecReport(data []byte) {
	var ev struct {
		Symbol     string `json:"s"`
		ClientID   string `json:"c"`
		Side       string `json:"S"`
		Type       string `json:"o"`
		OrigQty    string `json:"q"`
		Price      string `json:"p"`
		Status     string `json:"X"`
		OrderID    int64  `json:"i"`
		FilledQty  string `json:"z"`
		QuoteQty   string `json:"Z"`
		Commission string `json:"n"`
		CreatedMs  int64  `json:"O"`
		EventMs    int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Warn("unreadable execution report", "error", err)
		return
	}

	status, err := types.NormalizeStatus(ev.Status)
	if err != nil {
		b.logger.Error("execution report with unknown status",
			"order_id", ev.OrderID,
			"status", ev.Status,
		)
		return
	}

	var perr error
	pf := func(s string) float64 {
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil && perr == nil {
			perr = err
		}
		return f
	}
	requested := pf(ev.OrigQty)
	filled := pf(ev.FilledQty)
	quote := pf(ev.QuoteQty)
	price := pf(ev.Price)
	fees := pf(ev.Commission)
	if perr != nil {
		b.logger.Warn("dropping malformed execution report", "order_id", ev.OrderID, "error", perr)
		return
	}

	avg := 0.0
	if filled > 0 {
		avg = quote / filled
	}
	lots := 0
	if p, ok := b.products[ev.Symbol]; ok && p.LotSize > 0 {
		lots = int(math.Round(requested / float64(p.LotSize)))
	}

	order := &types.Order{
		ID:         strconv.FormatInt(ev.OrderID, 10),
		ClientID:   ev.ClientID,
		Instrument: types.Instrument{Venue: "binance", ProductID: ev.Symbol},
		Side:       types.Side(strings.ToLower(ev.Side)),
		Type:       types.OrderType(strings.ToLower(ev.Type)),
		Lots:       lots,
		Price:      price,
		Requested:  requested,
		Filled:     filled,
		Remaining:  requested - filled,
		AvgPrice:   avg,
		Fees:       fees,
		Status:     status,
		CreatedAt:  msToTime(ev.CreatedMs),
		UpdatedAt:  msToTime(ev.EventMs),
	}

	b.enqueue(ev.Symbol, types.FeedMessage{Kind: types.FeedExecReport, Order: order})
}

func (b *Binance) enqueue(symbol string, msg types.FeedMessage) {
	b.hooksMu.RLock()
	m := b.hooks[symbol]
	b.hooksMu.RUnlock()
	if m == nil {
		return
	}
	if !m.Enqueue(msg) {
		b.logger.Warn("market queue full, dropping message", "product", symbol, "kind", msg.Kind)
	}
}

// ———————————————————————————————————————————————————————————————————————
// Historic candles
// ———————————————————————————————————————————————————————————————————————

// GetHistoricRates pages backwards-compatible kline history in 200-candle
// chunks, pausing after every third page to stay inside request weights.
func (b *Binance) GetHistoricRates(ctx context.Context, productID string, start, end time.Time) ([]types.Candle, error) {
	if _, ok := b.products[productID]; !ok {
		return nil, fmt.Errorf("unknown product %q", productID)
	}
	token, err := intervalToken(b.interval)
	if err != nil {
		return nil, err
	}

	var out []types.Candle
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()
	pages := 0

	for startMs < endMs {
		params := url.Values{}
		params.Set("symbol", productID)
		params.Set("interval", token)
		params.Set("startTime", strconv.FormatInt(startMs, 10))
		params.Set("endTime", strconv.FormatInt(endMs, 10))
		params.Set("limit", strconv.Itoa(maxKlinesPerPage))

		var rows [][]interface{}
		if err := b.rest.Get(ctx, "/api/v3/klines", params, &rows); err != nil {
			return nil, fmt.Errorf("klines %s: %w", productID, err)
		}
		if len(rows) == 0 {
			break
		}

		prevStart := startMs
		for _, row := range rows {
			candle, closeMs, err := parseKline(row, b.offset)
			if closeMs+1 > startMs {
				startMs = closeMs + 1
			}
			if err != nil {
				b.logger.Warn("skipping malformed kline row", "product", productID, "error", err)
				continue
			}
			out = append(out, candle)
		}
		if startMs <= prevStart {
			return out, fmt.Errorf("klines %s: page made no forward progress", productID)
		}
		if len(rows) < maxKlinesPerPage {
			break
		}

		pages++
		if pages%3 == 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(backfillPagePause):
			}
		}
	}
	return out, nil
}

// parseKline converts one /api/v3/klines row. Rows are JSON arrays:
// [0] open time ms, [1..5] open/high/low/close/volume strings, [6] close
// time ms. The candle is stamped with the second after close, venue-skew
// adjusted, which is the open of the next interval.
func parseKline(row []interface{}, offsetSec int64) (types.Candle, int64, error) {
	if len(row) < 7 {
		return types.Candle{}, 0, fmt.Errorf("kline row has %d fields, want >= 7", len(row))
	}
	closeRaw, ok := row[6].(float64)
	if !ok {
		return types.Candle{}, 0, fmt.Errorf("kline close time is %T, want number", row[6])
	}
	closeMs := int64(closeRaw)

	var perr error
	pf := func(v interface{}) float64 {
		s, ok := v.(string)
		if !ok {
			if perr == nil {
				perr = fmt.Errorf("kline field is %T, want string", v)
			}
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil && perr == nil {
			perr = err
		}
		return f
	}
	candle := types.Candle{
		Time:   (closeMs+1)/1000 + offsetSec,
		Open:   pf(row[1]),
		High:   pf(row[2]),
		Low:    pf(row[3]),
		Close:  pf(row[4]),
		Volume: pf(row[5]),
	}
	if perr != nil {
		return types.Candle{}, closeMs, perr
	}
	return candle, closeMs, nil
}

// ———————————————————————————————————————————————————————————————————————
// Orders
// ———————————————————————————————————————————————————————————————————————

func (b *Binance) Buy(ctx context.Context, req types.TradeRequest) (*types.Order, error) {
	return b.submitOrder(ctx, req, types.Buy)
}

func (b *Binance) Sell(ctx context.Context, req types.TradeRequest) (*types.Order, error) {
	return b.submitOrder(ctx, req, types.Sell)
}

func (b *Binance) submitOrder(ctx context.Context, req types.TradeRequest, side types.Side) (*types.Order, error) {
	p, ok := b.products[req.ProductID]
	if !ok {
		return nil, fmt.Errorf("unknown product %q", req.ProductID)
	}

	qty := req.Size
	if qty == 0 {
		qty = float64(req.Lots * p.LotSize)
	}
	if qty <= 0 && req.Funds <= 0 {
		return nil, fmt.Errorf("order for %s has no size", req.ProductID)
	}

	params := url.Values{}
	params.Set("symbol", req.ProductID)
	params.Set("side", strings.ToUpper(string(side)))
	params.Set("newOrderRespType", "RESULT")
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	switch req.Type {
	case types.Limit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("limit order for %s needs a price", req.ProductID)
		}
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", decimal.NewFromFloat(req.Price).String())
		params.Set("quantity", decimal.NewFromFloat(qty).String())
	default:
		params.Set("type", "MARKET")
		if side == types.Buy && req.Funds > 0 {
			params.Set("quoteOrderQty", decimal.NewFromFloat(req.Funds).String())
		} else {
			params.Set("quantity", decimal.NewFromFloat(qty).String())
		}
	}

	var resp orderResp
	if err := b.rest.SignedOrder(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	return b.normalizeOrder(&resp, req.Lots)
}

// GetOrder resolves by venue order ID, or by client order ID when the caller
// passes one of our own idempotency keys. The latter is how orders lost to a
// submit timeout get reconciled.
func (b *Binance) GetOrder(ctx context.Context, productID, id string) (*types.Order, error) {
	params := url.Values{}
	params.Set("symbol", productID)
	if strings.HasPrefix(id, ClientIDPrefix) {
		params.Set("origClientOrderId", id)
	} else {
		params.Set("orderId", id)
	}

	var resp orderResp
	if err := b.rest.Signed(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	return b.normalizeOrder(&resp, 0)
}

func (b *Binance) CancelOrder(ctx context.Context, productID, id string) error {
	params := url.Values{}
	params.Set("symbol", productID)
	params.Set("orderId", id)

	var resp orderResp
	if err := b.rest.SignedOrder(ctx, http.MethodDelete, "/api/v3/order", params, &resp); err != nil {
		return err
	}
	status, err := types.NormalizeStatus(resp.Status)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	if status != types.StatusCanceled {
		return fmt.Errorf("cancel order %s: venue reports status %s", id, status)
	}
	return nil
}

func (b *Binance) CancelAll(ctx context.Context, productID string) error {
	params := url.Values{}
	params.Set("symbol", productID)

	var resp []orderResp
	if err := b.rest.SignedOrder(ctx, http.MethodDelete, "/api/v3/openOrders", params, &resp); err != nil {
		return err
	}
	b.logger.Info("canceled all open orders", "product", productID, "count", len(resp))
	return nil
}

// ModifyOrder is cancel-replace: the venue has no in-place amend. The
// existing order is fetched first so side and remaining size carry over
// when the caller passes zeros.
func (b *Binance) ModifyOrder(ctx context.Context, productID, id string, newPrice, newQty float64) (*types.Order, error) {
	existing, err := b.GetOrder(ctx, productID, id)
	if err != nil {
		return nil, err
	}
	if existing.Status.Terminal() {
		return nil, fmt.Errorf("order %s is %s, cannot modify", id, existing.Status)
	}

	price := newPrice
	if price <= 0 {
		price = existing.Price
	}
	qty := newQty
	if qty <= 0 {
		qty = existing.Remaining
	}

	params := url.Values{}
	params.Set("symbol", productID)
	params.Set("cancelReplaceMode", "STOP_ON_FAILURE")
	params.Set("cancelOrderId", id)
	params.Set("side", strings.ToUpper(string(existing.Side)))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", decimal.NewFromFloat(price).String())
	params.Set("quantity", decimal.NewFromFloat(qty).String())
	params.Set("newOrderRespType", "RESULT")

	var resp cancelReplaceResp
	if err := b.rest.SignedOrder(ctx, http.MethodPost, "/api/v3/order/cancelReplace", params, &resp); err != nil {
		return nil, err
	}
	return b.normalizeOrder(&resp.NewOrderResponse, existing.Lots)
}

// normalizeOrder converts a REST order payload. lotsHint carries the
// caller's lot count when the request is known; 0 derives it from size.
func (b *Binance) normalizeOrder(resp *orderResp, lotsHint int) (*types.Order, error) {
	status, err := types.NormalizeStatus(resp.Status)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", resp.OrderID, err)
	}

	var perr error
	pf := func(s string) float64 {
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil && perr == nil {
			perr = err
		}
		return f
	}
	requested := pf(resp.OrigQty)
	filled := pf(resp.ExecutedQty)
	quote := pf(resp.CummulativeQuoteQty)
	price := pf(resp.Price)
	if perr != nil {
		return nil, fmt.Errorf("order %d: %w", resp.OrderID, perr)
	}

	lots := lotsHint
	if lots == 0 {
		if p, ok := b.products[resp.Symbol]; ok && p.LotSize > 0 {
			lots = int(math.Round(requested / float64(p.LotSize)))
		}
	}
	avg := 0.0
	if filled > 0 {
		avg = quote / filled
	}

	created := resp.TransactTime
	if created == 0 {
		created = resp.Time
	}
	updated := resp.UpdateTime
	if updated == 0 {
		updated = created
	}

	return &types.Order{
		ID:         strconv.FormatInt(resp.OrderID, 10),
		ClientID:   resp.ClientOrderID,
		Instrument: types.Instrument{Venue: "binance", ProductID: resp.Symbol},
		Side:       types.Side(strings.ToLower(resp.Side)),
		Type:       types.OrderType(strings.ToLower(resp.Type)),
		Lots:       lots,
		Price:      price,
		Requested:  requested,
		Filled:     filled,
		Remaining:  requested - filled,
		AvgPrice:   avg,
		Fees:       0, // commissions arrive on the user stream
		Status:     status,
		CreatedAt:  msToTime(created),
		UpdatedAt:  msToTime(updated),
	}, nil
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Close stops the streams, releases the listen key, and waits for the
// adapter goroutines to exit.
func (b *Binance) Close() error {
	b.cancel()

	b.userMu.Lock()
	key := b.listenKey
	user := b.user
	b.userMu.Unlock()

	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		params := url.Values{}
		params.Set("listenKey", key)
		if err := b.rest.APIKeyOnly(ctx, http.MethodDelete, "/api/v3/userDataStream", params, nil); err != nil {
			b.logger.Warn("listen key close failed", "error", err)
		}
		cancel()
	}

	b.market.Close()
	if user != nil {
		user.Close()
	}
	b.wg.Wait()
	return nil
}
