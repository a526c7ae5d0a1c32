package indicator

import (
	"math"

	"wolfinch/pkg/types"
)

// Pure series math. Everything here is stateless; streaming state for the
// supertrend lives in the Engine.

func closes(series []types.Candle) []float64 {
	out := make([]float64, len(series))
	for i, c := range series {
		out[i] = c.Close
	}
	return out
}

func volumes(series []types.Candle) []float64 {
	out := make([]float64, len(series))
	for i, c := range series {
		out[i] = c.Volume
	}
	return out
}

// sma returns the simple moving average of the last period values.
func sma(vals []float64, period int) (float64, bool) {
	if period <= 0 || len(vals) < period {
		return 0, false
	}
	var sum float64
	for _, v := range vals[len(vals)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// emaSeries computes the EMA seeded with the SMA of the first period values
// and smoothed forward. Index 0 of the result corresponds to vals[period-1].
func emaSeries(vals []float64, period int) []float64 {
	if period <= 0 || len(vals) < period {
		return nil
	}
	var seed float64
	for _, v := range vals[:period] {
		seed += v
	}
	seed /= float64(period)

	out := make([]float64, 0, len(vals)-period+1)
	out = append(out, seed)
	k := 2.0 / (float64(period) + 1)
	ema := seed
	for _, v := range vals[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

func emaLast(vals []float64, period int) (float64, bool) {
	s := emaSeries(vals, period)
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// rsiWilder computes the relative strength index with Wilder smoothing:
// the first period deltas seed the averages, later deltas blend in at 1/period.
func rsiWilder(vals []float64, period int) (float64, bool) {
	if period <= 0 || len(vals) < period+1 {
		return 0, false
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := vals[i] - vals[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(vals); i++ {
		d := vals[i] - vals[i-1]
		var gain, loss float64
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// trueRange for candle i (i >= 1).
func trueRange(series []types.Candle, i int) float64 {
	hl := series[i].High - series[i].Low
	hc := math.Abs(series[i].High - series[i-1].Close)
	lc := math.Abs(series[i].Low - series[i-1].Close)
	return math.Max(hl, math.Max(hc, lc))
}

// atrWilder returns the Wilder-smoothed average true range at the last candle.
func atrWilder(series []types.Candle, period int) (float64, bool) {
	if period <= 0 || len(series) < period+1 {
		return 0, false
	}
	var seed float64
	for i := 1; i <= period; i++ {
		seed += trueRange(series, i)
	}
	atr := seed / float64(period)
	for i := period + 1; i < len(series); i++ {
		atr = (atr*float64(period-1) + trueRange(series, i)) / float64(period)
	}
	return atr, true
}

// macd returns the MACD line, signal line, and histogram at the last candle.
func macd(vals []float64, fast, slow, signal int) (m, s, h float64, ok bool) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return 0, 0, 0, false
	}
	if len(vals) < slow+signal-1 {
		return 0, 0, 0, false
	}
	fastE := emaSeries(vals, fast)
	slowE := emaSeries(vals, slow)
	// fastE starts at index fast-1, slowE at slow-1; align to slowE.
	offset := slow - fast
	line := make([]float64, len(slowE))
	for i := range slowE {
		line[i] = fastE[i+offset] - slowE[i]
	}
	sigE := emaSeries(line, signal)
	if len(sigE) == 0 {
		return 0, 0, 0, false
	}
	m = line[len(line)-1]
	s = sigE[len(sigE)-1]
	return m, s, m - s, true
}

// bollinger returns the upper, middle, and lower bands at the last candle.
// dev is the standard-deviation multiplier.
func bollinger(vals []float64, period int, dev float64) (upper, middle, lower float64, ok bool) {
	mid, ok := sma(vals, period)
	if !ok {
		return 0, 0, 0, false
	}
	var variance float64
	for _, v := range vals[len(vals)-period:] {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return mid + dev*sd, mid, mid - dev*sd, true
}

// stochastic returns %K and %D at the last candle. %K looks back kPeriod
// candles; %D is the SMA of the last dPeriod %K values.
func stochastic(series []types.Candle, kPeriod, dPeriod int) (k, d float64, ok bool) {
	if kPeriod <= 0 || dPeriod <= 0 || len(series) < kPeriod+dPeriod-1 {
		return 0, 0, false
	}
	rawK := func(end int) float64 {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, c := range series[end-kPeriod+1 : end+1] {
			lo = math.Min(lo, c.Low)
			hi = math.Max(hi, c.High)
		}
		if hi == lo {
			return 50
		}
		return (series[end].Close - lo) / (hi - lo) * 100
	}
	last := len(series) - 1
	var sum float64
	for j := 0; j < dPeriod; j++ {
		v := rawK(last - j)
		if j == 0 {
			k = v
		}
		sum += v
	}
	return k, sum / float64(dPeriod), true
}

// adx returns the average directional index with +DI/−DI at the last candle,
// all Wilder-smoothed. Needs at least 2*period candles.
func adx(series []types.Candle, period int) (adxV, plusDI, minusDI float64, ok bool) {
	if period <= 0 || len(series) < 2*period {
		return 0, 0, 0, false
	}
	n := len(series)
	var trS, plusS, minusS float64 // smoothed TR, +DM, -DM
	var dxs []float64

	// seed over the first period moves
	for i := 1; i <= period; i++ {
		tr, pdm, mdm := dmStep(series, i)
		trS += tr
		plusS += pdm
		minusS += mdm
	}
	appendDX := func() {
		if trS == 0 {
			dxs = append(dxs, 0)
			return
		}
		p := 100 * plusS / trS
		m := 100 * minusS / trS
		if p+m == 0 {
			dxs = append(dxs, 0)
			return
		}
		dxs = append(dxs, 100*math.Abs(p-m)/(p+m))
	}
	appendDX()

	for i := period + 1; i < n; i++ {
		tr, pdm, mdm := dmStep(series, i)
		trS = trS - trS/float64(period) + tr
		plusS = plusS - plusS/float64(period) + pdm
		minusS = minusS - minusS/float64(period) + mdm
		appendDX()
	}

	if len(dxs) < period {
		return 0, 0, 0, false
	}
	// ADX: Wilder-smooth the DX series.
	var adxAcc float64
	for _, v := range dxs[:period] {
		adxAcc += v
	}
	adxAcc /= float64(period)
	for _, v := range dxs[period:] {
		adxAcc = (adxAcc*float64(period-1) + v) / float64(period)
	}

	if trS > 0 {
		plusDI = 100 * plusS / trS
		minusDI = 100 * minusS / trS
	}
	return adxAcc, plusDI, minusDI, true
}

// dmStep returns the true range and directional movements at candle i.
func dmStep(series []types.Candle, i int) (tr, plusDM, minusDM float64) {
	up := series[i].High - series[i-1].High
	down := series[i-1].Low - series[i].Low
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	return trueRange(series, i), plusDM, minusDM
}

// vwap returns the volume-weighted average price over the whole series.
func vwap(series []types.Candle) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	var pv, vol float64
	for _, c := range series {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return series[len(series)-1].Close, true
	}
	return pv / vol, true
}
