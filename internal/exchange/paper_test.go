package exchange

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wolfinch/internal/config"
	"wolfinch/pkg/types"
)

func paperConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		Name:           "paper",
		CandleInterval: 300,
		Products: []map[string]config.ProductConfig{
			{"BTC-USD": {ID: "BTCUSDT", AssetType: "BTC", QuoteType: "USDT", LotSize: 1}},
		},
		Paper: &config.PaperConfig{
			Seed:        42,
			Candles:     50,
			InitialFund: 100000,
			FeeBps:      10,
		},
	}
}

func newTestPaper(t *testing.T, cfg config.ExchangeConfig) *Paper {
	t.Helper()
	p, err := NewPaper(cfg, true, testStreamLogger())
	if err != nil {
		t.Fatalf("NewPaper: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func hookChannel(productID string, buf int) (*MarketHooks, chan types.FeedMessage) {
	msgs := make(chan types.FeedMessage, buf)
	return &MarketHooks{
		ProductID: productID,
		Enqueue: func(m types.FeedMessage) bool {
			select {
			case msgs <- m:
				return true
			default:
				return false
			}
		},
	}, msgs
}

func TestPaperSeededWalkIsReproducible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	all := func(p *Paper) []types.Candle {
		series, err := p.GetHistoricRates(ctx, "BTCUSDT", time.Unix(0, 0), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("historic rates: %v", err)
		}
		return series
	}

	a := all(newTestPaper(t, paperConfig()))
	b := all(newTestPaper(t, paperConfig()))

	if len(a) != 50 || len(b) != 50 {
		t.Fatalf("generated %d and %d candles, want 50 each", len(a), len(b))
	}
	for i := range a {
		// Compare prices only: the two instances may align their series to
		// different wall-clock boundaries.
		if a[i].Open != b[i].Open || a[i].High != b[i].High ||
			a[i].Low != b[i].Low || a[i].Close != b[i].Close || a[i].Volume != b[i].Volume {
			t.Fatalf("same seed diverged at %d: %+v vs %+v", i, a[i], b[i])
		}
		if err := a[i].Validate(); err != nil {
			t.Fatalf("candle %d invalid: %v", i, err)
		}
		if i > 0 && a[i].Time != a[i-1].Time+300 {
			t.Fatalf("candle %d time %d, want %d", i, a[i].Time, a[i-1].Time+300)
		}
	}
}

func TestPaperBuyAcksThenReportsFill(t *testing.T) {
	t.Parallel()

	p := newTestPaper(t, paperConfig())
	hook, msgs := hookChannel("BTCUSDT", 16)
	if err := p.MarketInit(hook); err != nil {
		t.Fatalf("market init: %v", err)
	}

	ack, err := p.Buy(context.Background(), types.TradeRequest{
		ProductID: "BTCUSDT",
		ClientID:  "wf-test-1",
		Type:      types.Market,
		Lots:      2,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if ack.Status != types.StatusOpen || ack.Filled != 0 || ack.Remaining != 2 {
		t.Errorf("ack = %+v, want open with nothing filled", ack)
	}

	var report types.FeedMessage
	select {
	case report = <-msgs:
	default:
		t.Fatal("no execution report on the feed")
	}
	if report.Kind != types.FeedExecReport {
		t.Fatalf("kind = %v, want exec report", report.Kind)
	}
	o := report.Order
	if o.ID != ack.ID || o.ClientID != "wf-test-1" {
		t.Errorf("report ids = %q/%q, want %q/wf-test-1", o.ID, o.ClientID, ack.ID)
	}
	if o.Status != types.StatusFilled || o.Filled != 2 || o.Remaining != 0 {
		t.Errorf("report = %+v, want fully filled", o)
	}
	if o.AvgPrice <= 0 {
		t.Fatalf("avg price = %v, want the current mark", o.AvgPrice)
	}
	wantFee := o.AvgPrice * 2 * 10 / 10000
	if math.Abs(o.Fees-wantFee) > 1e-9 {
		t.Errorf("fees = %v, want %v (10 bps)", o.Fees, wantFee)
	}

	accounts, err := p.Accounts(context.Background())
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	wantQuote := 100000 - o.AvgPrice*2 - o.Fees
	if got := accounts["USDT"].Free; math.Abs(got-wantQuote) > 1e-6 {
		t.Errorf("quote balance = %v, want %v", got, wantQuote)
	}
	if got := accounts["BTC"].Free; got != 2 {
		t.Errorf("base balance = %v, want 2", got)
	}
}

func TestPaperSellRequiresInventory(t *testing.T) {
	t.Parallel()

	p := newTestPaper(t, paperConfig())

	_, err := p.Sell(context.Background(), types.TradeRequest{
		ProductID: "BTCUSDT",
		Type:      types.Market,
		Lots:      1,
	})
	if err == nil || !strings.Contains(err.Error(), "insufficient") {
		t.Errorf("sell with no inventory: error = %v, want insufficient balance", err)
	}
}

func TestPaperGetOrderByClientID(t *testing.T) {
	t.Parallel()

	p := newTestPaper(t, paperConfig())

	ack, err := p.Buy(context.Background(), types.TradeRequest{
		ProductID: "BTCUSDT",
		ClientID:  "wf-lookup",
		Type:      types.Market,
		Lots:      1,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	byClient, err := p.GetOrder(context.Background(), "BTCUSDT", "wf-lookup")
	if err != nil {
		t.Fatalf("get by client id: %v", err)
	}
	if byClient.ID != ack.ID {
		t.Errorf("lookup returned order %q, want %q", byClient.ID, ack.ID)
	}
	if byClient.Status != types.StatusFilled {
		t.Errorf("settled order status = %v, want filled", byClient.Status)
	}

	if _, err := p.GetOrder(context.Background(), "BTCUSDT", "nope"); err == nil {
		t.Error("unknown order id should fail")
	}
}

func TestPaperCSVReplay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replay.csv")
	csv := "timestamp,open,high,low,close,volume\n" +
		"300,10,11,9,10.5,100\n" +
		"600,10.5,12,10,11.5,110\n" +
		"900,11.5,12,11,11.8,120\n" +
		"1200,11.8,13,11.5,12.5,130\n"
	if err := os.WriteFile(path, []byte(csv), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	cfg := paperConfig()
	cfg.Products = []map[string]config.ProductConfig{
		{"BTC-USD": {ID: "BTCUSDT", AssetType: "BTC", QuoteType: "USDT", LotSize: 1, CSVFile: path}},
	}
	p := newTestPaper(t, cfg)

	// Half the file is preloaded history.
	series, err := p.GetHistoricRates(context.Background(), "BTCUSDT", time.Unix(0, 0), time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("historic rates: %v", err)
	}
	if len(series) != 2 || series[0].Time != 300 || series[1].Time != 600 {
		t.Fatalf("history = %+v, want rows 300 and 600", series)
	}

	// The remainder replays through the live feed in file order.
	if c := p.nextCandle("BTCUSDT"); c.Time != 900 {
		t.Errorf("first replay candle time = %d, want 900", c.Time)
	}
	if c := p.nextCandle("BTCUSDT"); c.Time != 1200 {
		t.Errorf("second replay candle time = %d, want 1200", c.Time)
	}

	// Replay exhausted: the walk continues from the last close.
	c := p.nextCandle("BTCUSDT")
	if c.Time != 1500 {
		t.Errorf("post-replay candle time = %d, want 1500", c.Time)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("post-replay candle invalid: %v", err)
	}
}

func TestLoadCandleCSVErrors(t *testing.T) {
	t.Parallel()

	if _, err := loadCandleCSV(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("missing file should fail")
	}

	short := filepath.Join(t.TempDir(), "short.csv")
	if err := os.WriteFile(short, []byte("300,10,11\n"), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if _, err := loadCandleCSV(short); err == nil {
		t.Error("row with missing fields should fail")
	}

	headerOnly := filepath.Join(t.TempDir(), "header.csv")
	if err := os.WriteFile(headerOnly, []byte("timestamp,open,high,low,close,volume\n"), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if _, err := loadCandleCSV(headerOnly); err == nil {
		t.Error("file with no data rows should fail")
	}
}

func TestFillCost(t *testing.T) {
	t.Parallel()

	cost, fee := fillCost(2, 100.5, 10)
	if cost != 201 {
		t.Errorf("cost = %v, want 201", cost)
	}
	if fee != 0.201 {
		t.Errorf("fee = %v, want 0.201", fee)
	}
}
