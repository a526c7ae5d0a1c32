package indicator

import (
	"math"
	"testing"

	"wolfinch/pkg/types"
)

func candlesFromCloses(closes ...float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		out[i] = types.Candle{
			Time:   int64(1700000000 + 60*i),
			Open:   c,
			High:   c + 5,
			Low:    c - 5,
			Close:  c,
			Volume: 100,
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	t.Parallel()

	if v, ok := sma([]float64{1, 2, 3, 4, 5}, 5); !ok || v != 3 {
		t.Errorf("sma(1..5, 5) = %g, %v, want 3, true", v, ok)
	}
	if v, ok := sma([]float64{1, 2, 3, 4, 5}, 2); !ok || v != 4.5 {
		t.Errorf("sma(1..5, 2) = %g, %v, want 4.5, true", v, ok)
	}
	if _, ok := sma([]float64{1, 2}, 3); ok {
		t.Error("sma with short series: ok = true, want false")
	}
}

func TestEMASeeding(t *testing.T) {
	t.Parallel()

	// period 3: seed = sma(1,2,3) = 2, k = 0.5; then 4 -> 3, 5 -> 4.
	v, ok := emaLast([]float64{1, 2, 3, 4, 5}, 3)
	if !ok || v != 4 {
		t.Errorf("emaLast = %g, %v, want 4, true", v, ok)
	}
	if s := emaSeries([]float64{1, 2}, 3); s != nil {
		t.Errorf("emaSeries on short input = %v, want nil", s)
	}
}

func TestRSIExtremes(t *testing.T) {
	t.Parallel()

	up := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	if v, ok := rsiWilder(up, 5); !ok || v != 100 {
		t.Errorf("rsi of pure gains = %g, %v, want 100, true", v, ok)
	}
	down := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	if v, ok := rsiWilder(down, 5); !ok || v != 0 {
		t.Errorf("rsi of pure losses = %g, %v, want 0, true", v, ok)
	}
	if _, ok := rsiWilder([]float64{1, 2, 3}, 5); ok {
		t.Error("rsi with short series: ok = true, want false")
	}
}

func TestATRConstantRange(t *testing.T) {
	t.Parallel()

	// Same close every candle, high-low fixed at 10: every TR is 10.
	series := candlesFromCloses(100, 100, 100, 100, 100, 100)
	v, ok := atrWilder(series, 3)
	if !ok || math.Abs(v-10) > 1e-9 {
		t.Errorf("atr = %g, %v, want 10, true", v, ok)
	}
}

func TestMACDFlatSeries(t *testing.T) {
	t.Parallel()

	flat := make([]float64, 40)
	for i := range flat {
		flat[i] = 100
	}
	m, s, h, ok := macd(flat, 12, 26, 9)
	if !ok {
		t.Fatal("macd on flat series: ok = false, want true")
	}
	if m != 0 || s != 0 || h != 0 {
		t.Errorf("macd on flat series = %g/%g/%g, want zeros", m, s, h)
	}
	if _, _, _, ok := macd(flat[:20], 12, 26, 9); ok {
		t.Error("macd with short series: ok = true, want false")
	}
}

func TestBollingerConstantSeries(t *testing.T) {
	t.Parallel()

	vals := []float64{100, 100, 100, 100, 100}
	u, m, l, ok := bollinger(vals, 5, 2)
	if !ok || u != 100 || m != 100 || l != 100 {
		t.Errorf("bollinger on constant series = %g/%g/%g, %v", u, m, l, ok)
	}
}

func TestStochasticBounds(t *testing.T) {
	t.Parallel()

	// Close pinned to the high of the lookback range: %K = 100.
	series := []types.Candle{
		{Time: 1, Open: 10, High: 20, Low: 10, Close: 12, Volume: 1},
		{Time: 2, Open: 12, High: 20, Low: 10, Close: 15, Volume: 1},
		{Time: 3, Open: 15, High: 20, Low: 10, Close: 20, Volume: 1},
	}
	k, _, ok := stochastic(series, 3, 1)
	if !ok || k != 100 {
		t.Errorf("stochastic close-at-high: k = %g, %v, want 100, true", k, ok)
	}

	series[2].Close = 10
	k, _, ok = stochastic(series, 3, 1)
	if !ok || k != 0 {
		t.Errorf("stochastic close-at-low: k = %g, %v, want 0, true", k, ok)
	}
}

func TestADXTrendingSeries(t *testing.T) {
	t.Parallel()

	series := make([]types.Candle, 40)
	for i := range series {
		c := 100 + float64(i)*3
		series[i] = types.Candle{Time: int64(i + 1), Open: c - 3, High: c + 1, Low: c - 4, Close: c, Volume: 1}
	}
	a, plus, minus, ok := adx(series, 14)
	if !ok {
		t.Fatal("adx: ok = false, want true")
	}
	if plus <= minus {
		t.Errorf("uptrend: +DI = %g <= -DI = %g", plus, minus)
	}
	if a < 25 {
		t.Errorf("steady trend: adx = %g, want >= 25", a)
	}
}

func TestVWAP(t *testing.T) {
	t.Parallel()

	series := []types.Candle{
		{Time: 1, Open: 10, High: 12, Low: 8, Close: 10, Volume: 1},  // typical 10
		{Time: 2, Open: 20, High: 22, Low: 18, Close: 20, Volume: 3}, // typical 20
	}
	v, ok := vwap(series)
	if !ok || math.Abs(v-17.5) > 1e-9 {
		t.Errorf("vwap = %g, %v, want 17.5, true", v, ok)
	}
}

func TestSupertrendFlips(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)
	p := Params{"period": 3, "multiplier": 1}

	var series []types.Candle
	add := func(close float64) {
		series = append(series, types.Candle{
			Time:  int64(1700000000 + 60*len(series)),
			Open:  close, High: close + 5, Low: close - 5, Close: close, Volume: 1,
		})
	}

	// Rising leg: +10 per candle.
	var v Value
	var ok bool
	for i := 0; i < 10; i++ {
		add(100 + float64(i)*10)
		v, ok = e.Compute("paper:BTC-USD", "st", series, "supertrend", p)
	}
	if !ok {
		t.Fatal("supertrend not ready after 10 candles")
	}
	if v.Extra[FieldDirection] != 1 {
		t.Fatalf("direction after rising leg = %g, want 1", v.Extra[FieldDirection])
	}

	// Crash: -40 per candle.
	for i := 1; i <= 3; i++ {
		add(190 - float64(i)*40)
		v, ok = e.Compute("paper:BTC-USD", "st", series, "supertrend", p)
	}
	if !ok || v.Extra[FieldDirection] != -1 {
		t.Errorf("direction after crash = %g, %v, want -1, true", v.Extra[FieldDirection], ok)
	}
}

func TestEngineRefreshAndBack(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)
	inst := "paper:ETH-USD"
	e.Subscribe(inst, []Subscription{
		{Alias: "fast", Name: "sma", Params: Params{"period": 2}, History: 3},
	})

	series := candlesFromCloses(10, 20)
	if n := e.Refresh(inst, series); n != 1 {
		t.Fatalf("Refresh = %d computed, want 1", n)
	}
	series = append(series, candlesFromCloses(30)[0])
	e.Refresh(inst, series)

	cur, ok := e.Last(inst, "fast")
	if !ok || cur.Scalar != 25 {
		t.Errorf("Last = %g, %v, want 25, true", cur.Scalar, ok)
	}
	prev, ok := e.Back(inst, "fast", 1)
	if !ok || prev.Scalar != 15 {
		t.Errorf("Back(1) = %g, %v, want 15, true", prev.Scalar, ok)
	}
	if _, ok := e.Back(inst, "fast", 5); ok {
		t.Error("Back(5) ok = true, want false")
	}

	e.ResetState(inst)
	if _, ok := e.Last(inst, "fast"); ok {
		t.Error("Last after ResetState: ok = true, want false")
	}
}

func TestRefreshSkipsShortSeries(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)
	inst := "paper:BTC-USD"
	e.Subscribe(inst, []Subscription{
		{Alias: "slow", Name: "sma", Params: Params{"period": 50}, History: 2},
	})
	if n := e.Refresh(inst, candlesFromCloses(1, 2, 3)); n != 0 {
		t.Errorf("Refresh on short series = %d computed, want 0", n)
	}
	if _, ok := e.Last(inst, "slow"); ok {
		t.Error("value retained despite short series")
	}
}

func TestWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Params
		want int
	}{
		{"sma", Params{"period": 20}, 20},
		{"ema", Params{"period": 13}, 13},
		{"rsi", Params{"period": 14}, 15},
		{"macd", nil, 34},
		{"stochastic", nil, 16},
		{"atr", Params{"period": 10}, 11},
		{"adx", Params{"period": 14}, 28},
		{"supertrend", Params{"period": 10}, 11},
		{"vwap", nil, 1},
		{"nonsense", nil, 0},
	}

	for _, tt := range tests {
		if got := Window(tt.name, tt.p); got != tt.want {
			t.Errorf("Window(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}
