package strategy

import (
	"math"

	"wolfinch/internal/indicator"
	"wolfinch/pkg/types"
)

func init() {
	Register("trend_rsi", func(instrument string, params map[string]float64) Strategy {
		return newTrendRSI(instrument, params)
	})
}

// TrendRSI buys RSI recoveries out of oversold territory and sells when RSI
// falls back from its high-water mark (half-water exit, or a drop from
// overbought).
type TrendRSI struct {
	instrument string
	period     int
	minPeriods int
	rsiPeriod  int
	oversold   float64
	overbought float64
	recover    float64
	drop       float64
	divisor    float64

	trend   string // "", "oversold", "long", "overbought", "short"
	rsiLow  float64
	rsiHigh float64
}

func newTrendRSI(instrument string, params map[string]float64) *TrendRSI {
	return &TrendRSI{
		instrument: instrument,
		period:     paramOrInt(params, "period", 20),
		minPeriods: paramOrInt(params, "min_periods", 52),
		rsiPeriod:  paramOrInt(params, "rsi_periods", 14),
		oversold:   paramOr(params, "oversold_rsi", 30),
		overbought: paramOr(params, "overbought_rsi", 82),
		recover:    paramOr(params, "rsi_recover", 3),
		drop:       paramOr(params, "rsi_drop", 0),
		divisor:    paramOr(params, "rsi_divisor", 2),
	}
}

func (s *TrendRSI) Name() string { return "trend_rsi" }

func (s *TrendRSI) Warmup() int {
	w := s.period
	if n := s.rsiPeriod + 1; n > w {
		w = n
	}
	return w
}

func (s *TrendRSI) Params() []Param {
	return []Param{
		{Name: "period", Default: 20, Min: 10, Max: 100, Step: 2, Kind: ParamInt},
		{Name: "min_periods", Default: 52, Min: 10, Max: 100, Step: 2, Kind: ParamInt},
		{Name: "rsi_periods", Default: 14, Min: 10, Max: 100, Step: 2, Kind: ParamInt},
		{Name: "oversold_rsi", Default: 30, Min: 10, Max: 100, Step: 2, Kind: ParamInt},
		{Name: "overbought_rsi", Default: 82, Min: 10, Max: 100, Step: 2, Kind: ParamInt},
		{Name: "rsi_recover", Default: 3, Min: 1, Max: 10, Step: 1, Kind: ParamInt},
		{Name: "rsi_drop", Default: 0, Min: 1, Max: 10, Step: 1, Kind: ParamInt},
		{Name: "rsi_divisor", Default: 2, Min: 1, Max: 10, Step: 1, Kind: ParamInt},
	}
}

func (s *TrendRSI) Indicators() []indicator.Subscription {
	return []indicator.Subscription{
		{Alias: "rsi", Name: "rsi", Params: indicator.Params{"period": float64(s.rsiPeriod)}, History: 2},
	}
}

func (s *TrendRSI) GenerateSignal(series []types.Candle, ind *indicator.Engine) types.Signal {
	out := func(strength int) types.Signal {
		sig := types.Signal{Strength: strength, Strategy: s.Name()}
		sig.Clamp()
		return sig
	}
	if len(series) < s.period {
		return out(0)
	}
	rsi, ok := ind.Last(s.instrument, "rsi")
	if !ok {
		return out(0)
	}
	cur := rsi.Scalar

	signal := 0
	if cur <= s.oversold {
		s.rsiLow = cur
		s.trend = "oversold"
	}
	if s.trend == "oversold" {
		s.rsiLow = math.Min(s.rsiLow, cur)
		if cur >= s.rsiLow+s.recover {
			s.rsiHigh = cur
			s.trend = "long"
			signal = 3
		}
	}
	if s.trend == "long" {
		s.rsiHigh = math.Max(s.rsiHigh, cur)
		if cur <= s.rsiHigh/s.divisor {
			s.trend = "short"
			signal = -3
		}
	}
	if s.trend == "long" && cur >= s.overbought {
		s.rsiHigh = cur
		s.trend = "overbought"
	}
	if s.trend == "overbought" {
		s.rsiHigh = math.Max(s.rsiHigh, cur)
		if cur <= s.rsiHigh-s.drop {
			s.trend = "short"
			signal = -3
		}
	}

	return out(signal)
}
