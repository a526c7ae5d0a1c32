package strategy

import (
	"wolfinch/internal/indicator"
	"wolfinch/pkg/types"
)

func init() {
	Register("supertrend_adx", func(instrument string, params map[string]float64) Strategy {
		return newSupertrendADX(instrument, params)
	})
}

// SupertrendADX enters on supertrend direction flips confirmed by ADX trend
// strength and rides the move with an ATR trailing stop that only ratchets
// up. A close at or below the stop exits at full strength.
type SupertrendADX struct {
	instrument    string
	period        int
	atrPeriod     int
	atrMultiplier float64
	adxPeriod     int
	adxThreshold  float64
	trailATRMult  float64

	entryPrice float64 // 0 = no tracked entry
	trailingSL float64 // 0 = no stop
}

func newSupertrendADX(instrument string, params map[string]float64) *SupertrendADX {
	return &SupertrendADX{
		instrument:    instrument,
		period:        paramOrInt(params, "period", 100),
		atrPeriod:     paramOrInt(params, "atr_period", 10),
		atrMultiplier: paramOr(params, "atr_multiplier", 3.0),
		adxPeriod:     paramOrInt(params, "adx_period", 14),
		adxThreshold:  paramOr(params, "adx_threshold", 25),
		trailATRMult:  paramOr(params, "trailing_atr_multiplier", 2.0),
	}
}

func (s *SupertrendADX) Name() string { return "supertrend_adx" }

func (s *SupertrendADX) Warmup() int {
	w := s.period
	if n := 2 * s.adxPeriod; n > w {
		w = n
	}
	if n := s.atrPeriod + 1; n > w {
		w = n
	}
	return w
}

func (s *SupertrendADX) Params() []Param {
	return []Param{
		{Name: "period", Default: 100, Min: 50, Max: 300, Step: 1, Kind: ParamInt},
		{Name: "atr_period", Default: 10, Min: 7, Max: 20, Step: 1, Kind: ParamInt},
		{Name: "atr_multiplier", Default: 3.0, Min: 1.5, Max: 5.0, Step: 0.1, Kind: ParamFloat},
		{Name: "adx_period", Default: 14, Min: 10, Max: 30, Step: 1, Kind: ParamInt},
		{Name: "adx_threshold", Default: 25, Min: 20, Max: 40, Step: 1, Kind: ParamInt},
		{Name: "trailing_atr_multiplier", Default: 2.0, Min: 1.0, Max: 4.0, Step: 0.1, Kind: ParamFloat},
	}
}

func (s *SupertrendADX) Indicators() []indicator.Subscription {
	return []indicator.Subscription{
		{Alias: "st", Name: "supertrend", Params: indicator.Params{
			"period": float64(s.atrPeriod), "multiplier": s.atrMultiplier,
		}, History: 2},
		{Alias: "adx", Name: "adx", Params: indicator.Params{"period": float64(s.adxPeriod)}, History: 2},
		{Alias: "atr", Name: "atr", Params: indicator.Params{"period": float64(s.atrPeriod)}, History: 2},
	}
}

func (s *SupertrendADX) GenerateSignal(series []types.Candle, ind *indicator.Engine) types.Signal {
	out := func(strength int) types.Signal {
		sig := types.Signal{Strength: strength, StopPrice: s.trailingSL, Strategy: s.Name()}
		sig.Clamp()
		return sig
	}
	if len(series) < s.period {
		return out(0)
	}
	price := series[len(series)-1].Close

	st, ok := ind.Last(s.instrument, "st")
	if !ok {
		return out(0)
	}
	adx, ok := ind.Last(s.instrument, "adx")
	if !ok {
		return out(0)
	}
	direction := int(st.Extra[indicator.FieldDirection])
	prevDirection := 0
	if prev, ok := ind.Back(s.instrument, "st", 1); ok {
		prevDirection = int(prev.Extra[indicator.FieldDirection])
	}

	if atr, ok := ind.Last(s.instrument, "atr"); ok {
		s.updateTrailingSL(price, atr.Scalar)
	}

	if s.trailingSL > 0 && price <= s.trailingSL {
		hit := out(-3) // carries the stop that fired
		s.resetTrailingSL()
		return hit
	}

	signal := 0

	// Supertrend turned bullish.
	if direction == 1 && prevDirection != 1 {
		if adx.Scalar >= s.adxThreshold {
			signal = 3
		} else {
			signal = 2
		}
		s.entryPrice = price
	} else if direction == 1 && price > st.Scalar {
		if adx.Scalar >= s.adxThreshold*1.2 {
			signal = 1
		}
	}

	// Supertrend turned bearish.
	if direction == -1 && prevDirection != -1 {
		if adx.Scalar >= s.adxThreshold {
			signal = -3
		} else {
			signal = -2
		}
		s.resetTrailingSL()
	} else if direction == -1 && price < st.Scalar {
		if adx.Scalar >= s.adxThreshold*1.2 {
			signal = -1
		}
	}

	return out(signal)
}

// updateTrailingSL ratchets the stop toward price; it never moves down.
func (s *SupertrendADX) updateTrailingSL(price, atr float64) {
	if s.entryPrice == 0 || atr <= 0 {
		return
	}
	newSL := price - atr*s.trailATRMult
	if newSL > s.trailingSL {
		s.trailingSL = newSL
	}
}

func (s *SupertrendADX) resetTrailingSL() {
	s.entryPrice = 0
	s.trailingSL = 0
}
