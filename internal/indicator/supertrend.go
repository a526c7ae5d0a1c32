package indicator

import (
	"math"

	"wolfinch/pkg/types"
)

// supertrendState carries the band recursion between candles. The final
// bands depend on their own previous values, so the computation must stream;
// recomputing from an arbitrary series window would shift the flip points.
type supertrendState struct {
	lastTime   int64
	prevClose  float64
	atr        float64
	finalUpper float64
	finalLower float64
	value      float64
	direction  int // +1 uptrend, -1 downtrend
}

// supertrend returns the current supertrend line and direction for the key,
// advancing the carried state. If the carried state does not line up with
// the series (first call, restart, gap), it is rebuilt by replaying the
// whole series.
func (e *Engine) supertrend(key string, series []types.Candle, period int, mult float64) (Value, bool) {
	if period <= 0 || len(series) < period+1 {
		return Value{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.st[key]
	last := series[len(series)-1]
	if st != nil && len(series) >= 2 && series[len(series)-2].Time == st.lastTime && last.Time > st.lastTime {
		st.step(last, period, mult)
	} else {
		st = rebuildSupertrend(series, period, mult)
		e.st[key] = st
	}
	return Value{
		Scalar: st.value,
		Extra:  map[string]float64{FieldDirection: float64(st.direction)},
	}, true
}

// rebuildSupertrend replays the series from the start: Wilder-seeded ATR,
// then the band recursion candle by candle.
func rebuildSupertrend(series []types.Candle, period int, mult float64) *supertrendState {
	var seed float64
	for i := 1; i <= period; i++ {
		seed += trueRange(series, i)
	}

	st := &supertrendState{
		atr:       seed / float64(period),
		prevClose: series[period-1].Close,
	}
	st.init(series[period], mult)

	for i := period + 1; i < len(series); i++ {
		st.step(series[i], period, mult)
	}
	return st
}

// init sets the first band values once the ATR seed exists.
func (s *supertrendState) init(c types.Candle, mult float64) {
	hl2 := (c.High + c.Low) / 2
	s.finalUpper = hl2 + mult*s.atr
	s.finalLower = hl2 - mult*s.atr
	if c.Close <= s.finalUpper {
		s.value = s.finalUpper
		s.direction = -1
	} else {
		s.value = s.finalLower
		s.direction = 1
	}
	s.prevClose = c.Close
	s.lastTime = c.Time
}

// step advances the recursion by one candle.
func (s *supertrendState) step(c types.Candle, period int, mult float64) {
	tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-s.prevClose), math.Abs(c.Low-s.prevClose)))
	s.atr = (s.atr*float64(period-1) + tr) / float64(period)

	hl2 := (c.High + c.Low) / 2
	basicUpper := hl2 + mult*s.atr
	basicLower := hl2 - mult*s.atr

	finalUpper := s.finalUpper
	if basicUpper < s.finalUpper || s.prevClose > s.finalUpper {
		finalUpper = basicUpper
	}
	finalLower := s.finalLower
	if basicLower > s.finalLower || s.prevClose < s.finalLower {
		finalLower = basicLower
	}

	if s.value == s.finalUpper {
		if c.Close <= finalUpper {
			s.value = finalUpper
			s.direction = -1
		} else {
			s.value = finalLower
			s.direction = 1
		}
	} else {
		if c.Close >= finalLower {
			s.value = finalLower
			s.direction = 1
		} else {
			s.value = finalUpper
			s.direction = -1
		}
	}

	s.finalUpper = finalUpper
	s.finalLower = finalLower
	s.prevClose = c.Close
	s.lastTime = c.Time
}
