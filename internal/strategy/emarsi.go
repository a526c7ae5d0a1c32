package strategy

import (
	"wolfinch/internal/indicator"
	"wolfinch/pkg/types"
)

func init() {
	Register("ema_rsi", func(instrument string, params map[string]float64) Strategy {
		return newEMARSI(instrument, params)
	})
}

// EMARSI trades a four-EMA trend stack filtered by RSI. Conviction ramps by
// one per confirming candle up to ±3 while the stack holds; an RSI regime
// flip against an open bias closes it.
type EMARSI struct {
	instrument  string
	period      int
	emaS        int
	emaM        int
	emaL        int
	emaLL       int
	rsiPeriod   int
	bullishMark float64

	position string // "", "buy", "sell"
	signal   int
}

func newEMARSI(instrument string, params map[string]float64) *EMARSI {
	return &EMARSI{
		instrument:  instrument,
		period:      paramOrInt(params, "period", 120),
		emaS:        paramOrInt(params, "ema_s", 5),
		emaM:        paramOrInt(params, "ema_m", 13),
		emaL:        paramOrInt(params, "ema_l", 21),
		emaLL:       paramOrInt(params, "ema_ll", 80),
		rsiPeriod:   paramOrInt(params, "rsi", 21),
		bullishMark: paramOr(params, "rsi_bullish_mark", 50),
	}
}

func (s *EMARSI) Name() string { return "ema_rsi" }

func (s *EMARSI) Warmup() int {
	w := s.period
	for _, n := range []int{s.emaS, s.emaM, s.emaL, s.emaLL, s.rsiPeriod + 1} {
		if n > w {
			w = n
		}
	}
	return w
}

func (s *EMARSI) Params() []Param {
	return []Param{
		{Name: "period", Default: 120, Min: 20, Max: 200, Step: 2, Kind: ParamInt},
		{Name: "ema_s", Default: 5, Min: 20, Max: 200, Step: 2, Kind: ParamInt},
		{Name: "ema_m", Default: 13, Min: 20, Max: 200, Step: 2, Kind: ParamInt},
		{Name: "ema_l", Default: 21, Min: 20, Max: 200, Step: 2, Kind: ParamInt},
		{Name: "ema_ll", Default: 80, Min: 20, Max: 200, Step: 2, Kind: ParamInt},
		{Name: "rsi", Default: 21, Min: 10, Max: 100, Step: 1, Kind: ParamInt},
		{Name: "rsi_bullish_mark", Default: 50, Min: 20, Max: 100, Step: 2, Kind: ParamInt},
	}
}

func (s *EMARSI) Indicators() []indicator.Subscription {
	return []indicator.Subscription{
		{Alias: "ema_s", Name: "ema", Params: indicator.Params{"period": float64(s.emaS)}, History: 2},
		{Alias: "ema_m", Name: "ema", Params: indicator.Params{"period": float64(s.emaM)}, History: 2},
		{Alias: "ema_l", Name: "ema", Params: indicator.Params{"period": float64(s.emaL)}, History: 2},
		{Alias: "ema_ll", Name: "ema", Params: indicator.Params{"period": float64(s.emaLL)}, History: 2},
		{Alias: "rsi", Name: "rsi", Params: indicator.Params{"period": float64(s.rsiPeriod)}, History: 2},
	}
}

func (s *EMARSI) GenerateSignal(series []types.Candle, ind *indicator.Engine) types.Signal {
	out := func(strength int) types.Signal {
		sig := types.Signal{Strength: strength, Strategy: s.Name()}
		sig.Clamp()
		return sig
	}
	if len(series) < s.period {
		return out(0)
	}

	rsi, ok1 := ind.Last(s.instrument, "rsi")
	emaS, ok2 := ind.Last(s.instrument, "ema_s")
	emaM, ok3 := ind.Last(s.instrument, "ema_m")
	emaL, ok4 := ind.Last(s.instrument, "ema_l")
	emaLL, ok5 := ind.Last(s.instrument, "ema_ll")
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return out(0)
	}

	bullishTrend := emaM.Scalar > emaL.Scalar

	if rsi.Scalar > s.bullishMark { // bullish regime
		if s.position == "sell" {
			// Regime flipped against an open short: exit hard.
			s.position = ""
			s.signal = 0
			return out(-3)
		}
		if s.position == "buy" && emaS.Scalar < emaM.Scalar && emaS.Scalar < emaL.Scalar {
			s.position = ""
			s.signal = 0
			return out(0)
		}
		if bullishTrend && emaS.Scalar > emaM.Scalar && emaS.Scalar > emaL.Scalar &&
			emaL.Scalar > emaLL.Scalar && emaM.Scalar > emaLL.Scalar {
			if s.position == "buy" {
				if s.signal < 3 {
					s.signal++
				}
			} else {
				s.position = "buy"
				s.signal = 1
			}
		}
	} else { // bearish regime
		if s.position == "buy" {
			s.position = ""
			s.signal = 0
		}
		if s.position == "sell" && emaS.Scalar > emaM.Scalar && emaS.Scalar > emaL.Scalar {
			s.position = ""
			s.signal = 0
			return out(0)
		}
		if !bullishTrend && emaS.Scalar < emaM.Scalar && emaS.Scalar < emaL.Scalar &&
			emaL.Scalar < emaLL.Scalar && emaM.Scalar < emaLL.Scalar {
			if s.position == "sell" {
				if s.signal > -3 {
					s.signal--
				}
			} else {
				s.position = "sell"
				s.signal = -1
			}
		}
	}

	return out(s.signal)
}
